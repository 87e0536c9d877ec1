package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// SQLiteAcknowledgmentQueue implements AcknowledgmentQueue with SQLite.
// Enqueuing a token that is already queued updates its retry state.
type SQLiteAcknowledgmentQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteAcknowledgmentQueue creates a new queue.
func NewSQLiteAcknowledgmentQueue(db *sql.DB) *SQLiteAcknowledgmentQueue {
	return &SQLiteAcknowledgmentQueue{db: db, now: time.Now}
}

// Enqueue stores or updates a pending acknowledgment.
func (q *SQLiteAcknowledgmentQueue) Enqueue(ctx context.Context, ack domain.PendingAcknowledgment) error {
	now := q.now().UTC()
	if ack.CreatedAt.IsZero() {
		ack.CreatedAt = now
	}
	if ack.UpdatedAt.IsZero() {
		ack.UpdatedAt = now
	}

	query := `
		INSERT INTO pending_acknowledgments (purchase_token, product_id, consumable, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (purchase_token) DO UPDATE SET
			consumable = excluded.consumable,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		ack.PurchaseToken,
		ack.ProductID,
		ack.Consumable,
		ack.Attempts,
		nullString(ack.LastError),
		ack.CreatedAt.UTC().Format(timeLayout),
		ack.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("enqueue acknowledgment: %w", err)
	}
	return nil
}

// List returns queued acknowledgments, oldest first.
func (q *SQLiteAcknowledgmentQueue) List(ctx context.Context) ([]domain.PendingAcknowledgment, error) {
	query := `
		SELECT purchase_token, product_id, consumable, attempts, last_error, created_at, updated_at
		FROM pending_acknowledgments
		ORDER BY created_at, purchase_token
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	defer rows.Close()

	var acks []domain.PendingAcknowledgment
	for rows.Next() {
		var (
			ack                  domain.PendingAcknowledgment
			lastError            sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&ack.PurchaseToken, &ack.ProductID, &ack.Consumable, &ack.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}
		ack.LastError = lastError.String
		if ack.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if ack.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// Remove deletes the acknowledgment for a token. Removing an unknown token is a no-op.
func (q *SQLiteAcknowledgmentQueue) Remove(ctx context.Context, purchaseToken string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_acknowledgments WHERE purchase_token = ?`, purchaseToken); err != nil {
		return fmt.Errorf("remove acknowledgment: %w", err)
	}
	return nil
}
