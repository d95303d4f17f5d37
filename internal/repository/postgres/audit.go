// Package postgres implements repository.AuditLog on top of pgx: plain
// pgxpool and raw SQL, writing an append-only disposition record per
// delivery.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpostlabs/drayman/internal/repository"
)

var _ repository.AuditLog = (*AuditLog)(nil)

// AuditLog is a Postgres-backed repository.AuditLog.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog wraps an existing pgxpool.Pool. Expects a table shaped like:
//
//	CREATE TABLE delivery_audit (
//	    message_id     text NOT NULL,
//	    outcome        text NOT NULL,
//	    epoch          bigint NOT NULL,
//	    received_at    timestamptz NOT NULL,
//	    disposed_at    timestamptz NOT NULL,
//	    processing_sec double precision NOT NULL
//	);
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Record inserts one disposition row.
func (a *AuditLog) Record(ctx context.Context, entry repository.AuditEntry) error {
	const query = `
		INSERT INTO delivery_audit
			(message_id, outcome, epoch, received_at, disposed_at, processing_sec)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := a.pool.Exec(ctx, query,
		entry.MessageID, entry.Outcome, entry.Epoch,
		entry.ReceivedAt, entry.DisposedAt, entry.ProcessingSec,
	)
	if err != nil {
		return fmt.Errorf("postgres: record delivery audit: %w", err)
	}
	return nil
}
