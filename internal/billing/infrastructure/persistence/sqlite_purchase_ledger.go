package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/database"
)

// SQLitePurchaseLedger implements PurchaseLedger with SQLite. The first
// recording of a token wins.
type SQLitePurchaseLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLitePurchaseLedger creates a new ledger.
func NewSQLitePurchaseLedger(db *sql.DB) *SQLitePurchaseLedger {
	return &SQLitePurchaseLedger{db: db, now: time.Now}
}

// Record stores a purchase unless its token is already known.
func (l *SQLitePurchaseLedger) Record(ctx context.Context, event domain.PurchaseEvent) error {
	if event.PurchaseToken == "" {
		return domain.ErrMissingPurchaseToken
	}
	query := `
		INSERT OR IGNORE INTO purchase_ledger (purchase_token, product_id, transaction_time, raw_payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`
	var raw sql.NullString
	if len(event.RawPayload) > 0 {
		raw = sql.NullString{String: string(event.RawPayload), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, query,
		event.PurchaseToken,
		event.ProductID,
		event.TransactionTime.UTC().Format(timeLayout),
		raw,
		l.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

// History returns every recorded purchase ordered by transaction time.
func (l *SQLitePurchaseLedger) History(ctx context.Context) ([]domain.PurchaseEvent, error) {
	query := `
		SELECT purchase_token, product_id, transaction_time, raw_payload
		FROM purchase_ledger
		ORDER BY transaction_time, purchase_token
	`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query purchase history: %w", err)
	}
	defer rows.Close()

	var events []domain.PurchaseEvent
	for rows.Next() {
		event, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Lookup returns the purchase recorded for a token, or nil.
func (l *SQLitePurchaseLedger) Lookup(ctx context.Context, purchaseToken string) (*domain.PurchaseEvent, error) {
	query := `
		SELECT purchase_token, product_id, transaction_time, raw_payload
		FROM purchase_ledger
		WHERE purchase_token = ?
	`
	event, err := scanPurchase(l.db.QueryRowContext(ctx, query, purchaseToken))
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (domain.PurchaseEvent, error) {
	var (
		event domain.PurchaseEvent
		at    string
		raw   sql.NullString
	)
	if err := row.Scan(&event.PurchaseToken, &event.ProductID, &at, &raw); err != nil {
		if database.IsNoRows(err) {
			return event, err
		}
		return event, fmt.Errorf("scan purchase: %w", err)
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return event, fmt.Errorf("parse transaction_time: %w", err)
	}
	event.TransactionTime = t
	if raw.Valid {
		event.RawPayload = json.RawMessage(raw.String)
	}
	return event, nil
}
