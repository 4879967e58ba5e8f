package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patitas/storefront/internal/notify"
)

const (
	claimOutboxSQL = `UPDATE notification_outbox
		SET locked_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE dispatched_at IS NULL AND NOT dead
			  AND next_attempt_at <= now()
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, kind, recipient, payload, attempts, created_at`

	markSentSQL = `UPDATE notification_outbox
		SET dispatched_at = now(), attempts = attempts + 1, locked_until = NULL, last_error = ''
		WHERE id = $1`

	markFailedSQL = `UPDATE notification_outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, dead = $4, locked_until = NULL
		WHERE id = $1`

	outboxBacklogSQL = `SELECT count(*) FROM notification_outbox WHERE dispatched_at IS NULL AND NOT dead`
)

var _ notify.Outbox = (*OutboxRepository)(nil)

// OutboxRepository is the notification outbox table.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Claim leases up to limit due messages, oldest first. Rows leased by
// another dispatcher are skipped.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]notify.Message, error) {
	rows, err := r.pool.Query(ctx, claimOutboxSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}
	// RETURNING order is unspecified; IDs are time-ordered.
	slices.SortFunc(msgs, func(a, b notify.Message) int { return cmp.Compare(a.ID, b.ID) })
	return msgs, nil
}

// MarkSent records a successful delivery.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, markSentSQL, id); err != nil {
		return fmt.Errorf("marking message %s sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, cause string, retryAt time.Time, dead bool) error {
	if _, err := r.pool.Exec(ctx, markFailedSQL, id, cause, retryAt, dead); err != nil {
		return fmt.Errorf("marking message %s failed: %w", id, err)
	}
	return nil
}

// Backlog counts messages not yet delivered nor dead-lettered.
func (r *OutboxRepository) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, outboxBacklogSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.CollectableRow) (notify.Message, error) {
	var (
		m       notify.Message
		kind    string
		payload []byte
	)
	err := row.Scan(&m.ID, &kind, &m.Recipient, &payload, &m.Attempts, &m.CreatedAt)
	m.Kind = notify.Kind(kind)
	m.Payload = payload
	return m, err
}
