package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

const (
	runsCollection        = "runs"
	transitionsCollection = "run_transitions"
	noncesCollection      = "nonces"
)

// Client wraps a Firestore connection shared by the run store and the
// nonce store.
type Client struct {
	client *firestore.Client
}

func New(ctx context.Context, projectID, databaseID string) (*Client, error) {
	var client *firestore.Client
	var err error
	if databaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Firestore client",
			goerr.T(types.TagDependency),
			goerr.V("project_id", projectID),
		)
	}
	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck reads a known-absent document to verify connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Collection(runsCollection).Doc("health-probe").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return goerr.Wrap(err, "Firestore probe failed", goerr.T(types.TagDependency))
	}
	return nil
}

// RunStore persists runs in Firestore. Mutate uses a transaction so
// concurrent read-modify-writes of the same run serialize.
type RunStore struct {
	client *firestore.Client
}

func (c *Client) RunStore() *RunStore {
	return &RunStore{client: c.client}
}

func (s *RunStore) Save(ctx context.Context, run *model.Run) error {
	_, err := s.client.Collection(runsCollection).Doc(run.ID.String()).Create(ctx, run)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.New("run already exists",
				goerr.T(types.TagState),
				goerr.V("run_id", run.ID),
			)
		}
		return goerr.Wrap(err, "failed to save run",
			goerr.T(types.TagDependency),
			goerr.V("run_id", run.ID),
		)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	snap, err := s.client.Collection(runsCollection).Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(types.ErrRunNotFound, "no such run",
				goerr.T(types.TagState),
				goerr.V("run_id", id),
			)
		}
		return nil, goerr.Wrap(err, "failed to get run",
			goerr.T(types.TagDependency),
			goerr.V("run_id", id),
		)
	}

	var run model.Run
	if err := snap.DataTo(&run); err != nil {
		return nil, goerr.Wrap(err, "failed to decode run", goerr.V("run_id", id))
	}
	return &run, nil
}

func (s *RunStore) Mutate(ctx context.Context, id uuid.UUID, fn func(run *model.Run) error) (*model.Run, error) {
	doc := s.client.Collection(runsCollection).Doc(id.String())

	var out *model.Run
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(types.ErrRunNotFound, "no such run",
					goerr.T(types.TagState),
					goerr.V("run_id", id),
				)
			}
			return err
		}

		var run model.Run
		if err := snap.DataTo(&run); err != nil {
			return goerr.Wrap(err, "failed to decode run", goerr.V("run_id", id))
		}
		if err := fn(&run); err != nil {
			return err
		}
		out = &run
		return tx.Set(doc, &run)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RunStore) Query(ctx context.Context, q model.RunQuery) ([]*model.Run, error) {
	query := s.client.Collection(runsCollection).Query

	if q.OrgID != "" {
		query = query.Where("org_id", "==", q.OrgID)
	}
	if q.State != "" {
		query = query.Where("state", "==", string(q.State))
	}
	if q.RepoID != "" {
		query = query.Where("repo_id", "==", q.RepoID)
	}
	if q.HeadSHA != "" {
		query = query.Where("head_sha", "==", q.HeadSHA)
	}
	if q.PRNumber > 0 {
		query = query.Where("pr_number", "==", q.PRNumber)
	}

	query = query.OrderBy("created_at", firestore.Desc)
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query = query.Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var runs []*model.Run
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query runs", goerr.T(types.TagDependency))
		}
		var run model.Run
		if err := snap.DataTo(&run); err != nil {
			return nil, goerr.Wrap(err, "failed to decode run", goerr.V("doc", snap.Ref.ID))
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

func (s *RunStore) SaveTransition(ctx context.Context, tr *model.RunTransition) error {
	_, err := s.client.Collection(transitionsCollection).Doc(tr.ID.String()).Create(ctx, tr)
	if err != nil {
		return goerr.Wrap(err, "failed to save transition",
			goerr.T(types.TagDependency),
			goerr.V("run_id", tr.RunID),
			goerr.V("seq", tr.Seq),
		)
	}
	return nil
}

func (s *RunStore) ListTransitions(ctx context.Context, runID uuid.UUID) ([]*model.RunTransition, error) {
	iter := s.client.Collection(transitionsCollection).
		Where("run_id", "==", runID).
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var trs []*model.RunTransition
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list transitions",
				goerr.T(types.TagDependency),
				goerr.V("run_id", runID),
			)
		}
		var tr model.RunTransition
		if err := snap.DataTo(&tr); err != nil {
			return nil, goerr.Wrap(err, "failed to decode transition", goerr.V("doc", snap.Ref.ID))
		}
		trs = append(trs, &tr)
	}
	return trs, nil
}
