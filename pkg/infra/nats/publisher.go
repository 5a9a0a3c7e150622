package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nats-io/nats.go"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// Publisher delivers pipeline events to NATS subjects under a common
// prefix.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// New connects to the NATS server. Reconnects are handled by the
// client; publishes during a reconnect window are buffered.
func New(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("mergegate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to NATS",
			goerr.T(types.TagDependency),
			goerr.V("url", url),
		)
	}
	if prefix == "" {
		prefix = "mergegate"
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal event payload", goerr.V("subject", subject))
	}
	if err := p.conn.Publish(p.prefix+"."+subject, data); err != nil {
		return goerr.Wrap(err, "failed to publish event",
			goerr.T(types.TagDependency),
			goerr.V("subject", subject),
		)
	}
	return nil
}

// HealthCheck verifies a round trip to the server.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return goerr.Wrap(err, "NATS flush failed", goerr.T(types.TagDependency))
	}
	return nil
}

func (p *Publisher) Close() {
	p.conn.Close()
}
