package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres publishes through pg_notify so LISTEN clients of the same
// database see the notification.
type Postgres struct {
	db Execer
}

// NewPostgres returns a notifier that issues pg_notify through db.
func NewPostgres(db Execer) *Postgres {
	return &Postgres{db: db}
}

// Notify sends payload on the channel named topic.
func (p *Postgres) Notify(ctx context.Context, topic, payload string) error {
	if _, err := p.db.Exec(ctx, "SELECT pg_notify($1, $2)", topic, payload); err != nil {
		return fmt.Errorf("notify: pg_notify %s: %w", topic, err)
	}
	return nil
}
