package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/worker"
)

// FileRepo implements worker.FileRepository. Every statement filters on
// the tenant's partition and account, so a file id from another tenant
// reads as not found.
type FileRepo struct{ db *sql.DB }

// NewFileRepo creates a Postgres-backed file repository.
func NewFileRepo(db *sql.DB) *FileRepo { return &FileRepo{db: db} }

var _ worker.FileRepository = (*FileRepo)(nil)

const fileColumns = `id, account_id, partition, user_id, name, status,
	total_count, valid_count, risky_count, bounced_count, filtered_count, invalid_count, blocked_count,
	reason, cancel_requested, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(s scanner) (*domain.FileUpload, error) {
	var (
		f         domain.FileUpload
		started   sql.NullTime
		completed sql.NullTime
	)
	err := s.Scan(&f.ID, &f.AccountID, &f.Partition, &f.UserID, &f.Name, &f.Status,
		&f.Counts.Total, &f.Counts.Valid, &f.Counts.Risky, &f.Counts.Bounced,
		&f.Counts.Filtered, &f.Counts.Invalid, &f.Counts.Blocked,
		&f.Reason, &f.CancelRequested, &f.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		f.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		f.CompletedAt = &t
	}
	return &f, nil
}

func (r *FileRepo) Create(ctx context.Context, t domain.Tenant, f *domain.FileUpload) error {
	if !t.Valid() {
		return domain.ErrInvalidTenant
	}
	f.AccountID, f.Partition = t.AccountID, t.Partition
	if f.Status == "" {
		f.Status = domain.FileUploaded
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO file_uploads (partition, account_id, id, user_id, name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, t.Partition, t.AccountID, f.ID, f.UserID, f.Name, string(f.Status)).Scan(&f.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (r *FileRepo) Get(ctx context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error) {
	if !t.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	f, err := scanFile(r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_uploads WHERE partition = $1 AND account_id = $2 AND id = $3`,
		t.Partition, t.AccountID, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (r *FileRepo) Start(ctx context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error) {
	if !t.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	f, err := scanFile(r.db.QueryRowContext(ctx, `
		UPDATE file_uploads
		SET status = 'PROCESSING', started_at = COALESCE(started_at, NOW())
		WHERE partition = $1 AND account_id = $2 AND id = $3 AND status IN ('UPLOADED', 'PROCESSING')
		RETURNING `+fileColumns,
		t.Partition, t.AccountID, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.terminalOrMissing(ctx, t, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("start file: %w", err)
	}
	return f, nil
}

// terminalOrMissing explains why a guarded update touched no row.
func (r *FileRepo) terminalOrMissing(ctx context.Context, t domain.Tenant, fileID string) error {
	if _, err := r.Get(ctx, t, fileID); err != nil {
		return err
	}
	return domain.ErrFileTerminal
}

// CommitBatch claims the batch marker first; a second commit of the same
// batch hits the primary key and rolls back without touching counters.
func (r *FileRepo) CommitBatch(ctx context.Context, t domain.Tenant, fileID string, batchSeq int, results []domain.VerificationResult) error {
	if !t.Valid() {
		return domain.ErrInvalidTenant
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO file_batches (partition, account_id, file_id, batch_seq, row_count, committed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT DO NOTHING
	`, t.Partition, t.AccountID, fileID, batchSeq, len(results))
	if err != nil {
		return fmt.Errorf("mark batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDuplicate
	}

	c := domain.CountResults(results)
	res, err = tx.ExecContext(ctx, `
		UPDATE file_uploads SET
			total_count = total_count + $4,
			valid_count = valid_count + $5,
			risky_count = risky_count + $6,
			bounced_count = bounced_count + $7,
			filtered_count = filtered_count + $8,
			invalid_count = invalid_count + $9,
			blocked_count = blocked_count + $10
		WHERE partition = $1 AND account_id = $2 AND id = $3 AND status = 'PROCESSING'
	`, t.Partition, t.AccountID, fileID, c.Total, c.Valid, c.Risky, c.Bounced, c.Filtered, c.Invalid, c.Blocked)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.terminalOrMissing(ctx, t, fileID)
	}

	if len(results) > 0 {
		if err := insertResults(ctx, tx, t, fileID, results); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// insertResults writes a whole batch in one statement by unnesting
// parallel arrays.
func insertResults(ctx context.Context, tx *sql.Tx, t domain.Tenant, fileID string, results []domain.VerificationResult) error {
	n := len(results)
	var (
		batches = make([]int64, n)
		indexes = make([]int64, n)
		emails  = make([]string, n)
		classes = make([]string, n)
		roles   = make([]bool, n)
		costs   = make([]int64, n)
		details = make([]string, n)
	)
	for i, r := range results {
		batches[i] = int64(r.BatchSeq)
		indexes[i] = int64(r.RowIndex)
		emails[i] = r.Email
		classes[i] = string(r.Classification)
		roles[i] = r.RoleBased
		costs[i] = int64(r.Cost)
		details[i] = r.Detail
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO verification_results
			(partition, account_id, file_id, batch_seq, row_index, email, classification, role_based, cost, detail, created_at)
		SELECT $1, $2, $3, u.batch_seq, u.row_index, u.email, u.classification, u.role_based, u.cost, u.detail, NOW()
		FROM unnest($4::int[], $5::int[], $6::text[], $7::text[], $8::bool[], $9::int[], $10::text[])
			AS u(batch_seq, row_index, email, classification, role_based, cost, detail)
	`, t.Partition, t.AccountID, fileID,
		pq.Array(batches), pq.Array(indexes), pq.Array(emails), pq.Array(classes),
		pq.Array(roles), pq.Array(costs), pq.Array(details))
	if err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return nil
}

func (r *FileRepo) CommittedBatches(ctx context.Context, t domain.Tenant, fileID string) (map[int]bool, error) {
	if !t.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT batch_seq FROM file_batches WHERE partition = $1 AND account_id = $2 AND file_id = $3`,
		t.Partition, t.AccountID, fileID)
	if err != nil {
		return nil, fmt.Errorf("committed batches: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out[seq] = true
	}
	return out, rows.Err()
}

func (r *FileRepo) Finish(ctx context.Context, t domain.Tenant, fileID string, status domain.FileStatus, reason string) error {
	if !t.Valid() {
		return domain.ErrInvalidTenant
	}
	if !status.Terminal() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is not terminal", status)}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_uploads SET status = $4, reason = $5, completed_at = NOW()
		WHERE partition = $1 AND account_id = $2 AND id = $3
		  AND status NOT IN ('DONE', 'FAILED', 'CANCELLED')
	`, t.Partition, t.AccountID, fileID, string(status), reason)
	if err != nil {
		return fmt.Errorf("finish file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.terminalOrMissing(ctx, t, fileID)
	}
	return nil
}

func (r *FileRepo) RequestCancel(ctx context.Context, t domain.Tenant, fileID string) error {
	if !t.Valid() {
		return domain.ErrInvalidTenant
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_uploads SET cancel_requested = TRUE
		WHERE partition = $1 AND account_id = $2 AND id = $3 AND status IN ('UPLOADED', 'PROCESSING')
	`, t.Partition, t.AccountID, fileID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.terminalOrMissing(ctx, t, fileID)
	}
	return nil
}

func (r *FileRepo) Results(ctx context.Context, t domain.Tenant, fileID string, limit, offset int) ([]domain.VerificationResult, error) {
	if !t.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	// LIMIT NULL is LIMIT ALL.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT file_id, batch_seq, row_index, email, classification, role_based, cost, detail, created_at
		FROM verification_results
		WHERE partition = $1 AND account_id = $2 AND file_id = $3
		ORDER BY batch_seq, row_index
		LIMIT $4 OFFSET $5
	`, t.Partition, t.AccountID, fileID, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []domain.VerificationResult
	for rows.Next() {
		var v domain.VerificationResult
		if err := rows.Scan(&v.FileID, &v.BatchSeq, &v.RowIndex, &v.Email, &v.Classification,
			&v.RoleBased, &v.Cost, &v.Detail, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Unfinished lists files across all tenants that are still UPLOADED or
// PROCESSING and were last touched before the cutoff.
func (r *FileRepo) Unfinished(ctx context.Context, before time.Time, limit int) ([]domain.FileUpload, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM file_uploads
		WHERE status IN ('UPLOADED', 'PROCESSING') AND COALESCE(started_at, created_at) < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("unfinished files: %w", err)
	}
	defer rows.Close()

	var out []domain.FileUpload
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
