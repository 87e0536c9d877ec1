// Package persistence stores entitlement snapshots, pending acknowledgments
// and the purchase ledger.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/database"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteEntitlementRepository implements EntitlementRepository with SQLite.
// The snapshot is a single row keyed by id = 1.
type SQLiteEntitlementRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteEntitlementRepository creates a new repository.
func NewSQLiteEntitlementRepository(db *sql.DB) *SQLiteEntitlementRepository {
	return &SQLiteEntitlementRepository{db: db, now: time.Now}
}

// Load returns the stored snapshot, or nil when none was saved.
func (r *SQLiteEntitlementRepository) Load(ctx context.Context) (*domain.EntitlementRecord, error) {
	query := `
		SELECT is_active, product_id, expires_at, verified_at, source
		FROM entitlement_snapshot
		WHERE id = 1
	`
	var (
		active     bool
		productID  sql.NullString
		expiresAt  sql.NullString
		verifiedAt string
		source     string
	)
	err := r.db.QueryRowContext(ctx, query).Scan(&active, &productID, &expiresAt, &verifiedAt, &source)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement snapshot: %w", err)
	}

	record := domain.EntitlementRecord{
		IsActive:  active,
		ProductID: productID.String,
		Source:    domain.Source(source),
	}
	if record.VerifiedAt, err = time.Parse(timeLayout, verifiedAt); err != nil {
		return nil, fmt.Errorf("parse verified_at: %w", err)
	}
	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(timeLayout, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		record.ExpiresAt = &t
	}
	return &record, nil
}

// Save replaces the stored snapshot.
func (r *SQLiteEntitlementRepository) Save(ctx context.Context, record domain.EntitlementRecord) error {
	query := `
		INSERT INTO entitlement_snapshot (id, is_active, product_id, expires_at, verified_at, source, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_active = excluded.is_active,
			product_id = excluded.product_id,
			expires_at = excluded.expires_at,
			verified_at = excluded.verified_at,
			source = excluded.source,
			updated_at = excluded.updated_at
	`
	var expiresAt sql.NullString
	if record.ExpiresAt != nil {
		expiresAt = sql.NullString{String: record.ExpiresAt.UTC().Format(timeLayout), Valid: true}
	}
	source := record.Source
	if source == "" {
		source = domain.SourceVerify
	}
	_, err := r.db.ExecContext(ctx, query,
		record.IsActive,
		nullString(record.ProductID),
		expiresAt,
		record.VerifiedAt.UTC().Format(timeLayout),
		string(source),
		r.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save entitlement snapshot: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
