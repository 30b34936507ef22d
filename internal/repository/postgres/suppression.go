package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
// The lists are global, so no call takes a tenant.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

var _ suppression.Repository = (*SuppressionRepo)(nil)

const suppressionColumns = `email, category, origin_account, first_seen, version`

// Insert skips entries a Remove has tombstoned at the same or a later
// version.
func (r *SuppressionRepo) Insert(ctx context.Context, e *domain.SuppressionEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO suppression_entries (`+suppressionColumns+`)
		SELECT $1::text, $2::text, $3::text, $4::timestamptz, $5::bigint
		WHERE NOT EXISTS (
			SELECT 1 FROM suppression_tombstones
			WHERE email = $1 AND category = $2 AND version >= $5
		)
		ON CONFLICT (email, category) DO NOTHING
	`, e.Email, string(e.Category), e.OriginAccount, e.FirstSeen, e.Version)
	if err != nil {
		return false, fmt.Errorf("insert suppression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert suppression: %w", err)
	}
	return n == 1, nil
}

func (r *SuppressionRepo) Exists(ctx context.Context, email string, category domain.SuppressionCategory) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppression_entries WHERE email = $1 AND category = $2)`,
		email, string(category),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("suppression exists: %w", err)
	}
	return exists, nil
}

func (r *SuppressionRepo) Get(ctx context.Context, email string, category domain.SuppressionCategory) (*domain.SuppressionEntry, error) {
	var e domain.SuppressionEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT `+suppressionColumns+` FROM suppression_entries WHERE email = $1 AND category = $2`,
		email, string(category),
	).Scan(&e.Email, &e.Category, &e.OriginAccount, &e.FirstSeen, &e.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	return &e, nil
}

// Delete records the tombstone and removes the row in one statement.
func (r *SuppressionRepo) Delete(ctx context.Context, email string, category domain.SuppressionCategory, version int64) error {
	res, err := r.db.ExecContext(ctx, `
		WITH tomb AS (
			INSERT INTO suppression_tombstones (email, category, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (email, category) DO UPDATE
			SET version = GREATEST(suppression_tombstones.version, EXCLUDED.version),
			    removed_at = NOW()
		)
		DELETE FROM suppression_entries WHERE email = $1 AND category = $2
	`, email, string(category), version)
	if err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Page walks the table in (email, category) order using a row-value
// comparison, so each page is an index range scan.
func (r *SuppressionRepo) Page(ctx context.Context, after suppression.Cursor, limit int) ([]domain.SuppressionEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+suppressionColumns+`
		FROM suppression_entries
		WHERE (email, category) > ($1, $2)
		ORDER BY email, category
		LIMIT $3
	`, after.Email, string(after.Category), limit)
	if err != nil {
		return nil, fmt.Errorf("page suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var e domain.SuppressionEntry
		if err := rows.Scan(&e.Email, &e.Category, &e.OriginAccount, &e.FirstSeen, &e.Version); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SuppressionRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppression_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return n, nil
}
