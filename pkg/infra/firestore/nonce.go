package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// NonceStore implements anti-replay nonce tracking on Firestore, safe
// across multiple instances. Document IDs are hashes of the nonce so
// arbitrary delivery IDs cannot produce invalid document paths.
type NonceStore struct {
	client *firestore.Client
	now    func() time.Time
}

func (c *Client) NonceStore() *NonceStore {
	return &NonceStore{client: c.client, now: time.Now}
}

type nonceDoc struct {
	Nonce     string    `firestore:"nonce"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func nonceDocID(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

func (s *NonceStore) CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	doc := s.client.Collection(noncesCollection).Doc(nonceDocID(nonce))
	now := s.now()

	fresh := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil {
			var existing nonceDoc
			if decodeErr := snap.DataTo(&existing); decodeErr != nil {
				return goerr.Wrap(decodeErr, "failed to decode nonce")
			}
			if now.Before(existing.ExpiresAt) {
				fresh = false
				return nil
			}
		}

		fresh = true
		return tx.Set(doc, nonceDoc{Nonce: nonce, ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, goerr.Wrap(err, "nonce transaction failed", goerr.T(types.TagDependency))
	}
	return fresh, nil
}
