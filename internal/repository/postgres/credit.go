package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/service/credit"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// CreditRepo implements credit.Repository. Balances live on the accounts
// row; every debit or refund journals into credit_ledger in the same
// statement or transaction. Row locks are per account, so charges for
// different accounts never contend.
type CreditRepo struct{ db *sql.DB }

// NewCreditRepo creates a Postgres-backed credit repository.
func NewCreditRepo(db *sql.DB) *CreditRepo { return &CreditRepo{db: db} }

var _ credit.Repository = (*CreditRepo)(nil)

// Debit is a single statement: the conditional UPDATE and the journal
// INSERT commit together or not at all. The partial unique index on live
// charges turns a concurrent duplicate into a unique violation, which means
// the row is already paid for.
func (r *CreditRepo) Debit(ctx context.Context, ref domain.ChargeRef, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	var charged bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM credit_ledger
			WHERE account_id = $1 AND file_id = $2 AND batch_seq = $3 AND row_index = $4
			  AND kind = 'CHARGE' AND NOT refunded)
	`, ref.AccountID, ref.FileID, ref.BatchSeq, ref.RowIndex).Scan(&charged)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("check charge: %w", err)
	}
	if charged {
		return r.balance(ctx, ref.AccountID)
	}

	var balance decimal.Decimal
	err = r.db.QueryRowContext(ctx, `
		WITH debit AS (
			UPDATE accounts SET credits = credits - $5
			WHERE id = $1 AND status = 'ACTIVE' AND credits >= $5
			RETURNING credits
		)
		INSERT INTO credit_ledger (id, account_id, file_id, batch_seq, row_index, kind, amount, balance_after, created_at)
		SELECT $6, $1, $2, $3, $4, 'CHARGE', $5, credits, NOW() FROM debit
		RETURNING balance_after
	`, ref.AccountID, ref.FileID, ref.BatchSeq, ref.RowIndex, amount, uuid.NewString()).Scan(&balance)
	switch {
	case err == nil:
		return balance, true, nil
	case isUniqueViolation(err):
		return r.balance(ctx, ref.AccountID)
	case errors.Is(err, sql.ErrNoRows):
		// Nothing debited: unknown, deactivated, or short of credits.
		a, gerr := r.GetAccount(ctx, ref.AccountID)
		if gerr != nil {
			return decimal.Zero, false, gerr
		}
		if a.Status == domain.AccountDeactivated {
			return a.Credits, false, domain.ErrAccountInactive
		}
		return a.Credits, false, nil
	default:
		return decimal.Zero, false, fmt.Errorf("debit: %w", err)
	}
}

func (r *CreditRepo) balance(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	a, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	return a.Credits, true, nil
}

func (r *CreditRepo) RefundCharge(ctx context.Context, ref domain.ChargeRef) (bool, error) {
	n, err := r.refund(ctx, ref.AccountID,
		`file_id = $2 AND batch_seq = $3 AND row_index = $4`,
		ref.FileID, ref.BatchSeq, ref.RowIndex)
	return n > 0, err
}

func (r *CreditRepo) RefundBatch(ctx context.Context, accountID, fileID string, batchSeq int) (int, error) {
	return r.refund(ctx, accountID, `file_id = $2 AND batch_seq = $3`, fileID, batchSeq)
}

type refundedCharge struct {
	fileID   string
	batchSeq int
	rowIndex int
	amount   decimal.Decimal
}

// refund flips matching live charges to refunded, credits the account and
// journals one REFUND per charge, all in one transaction.
func (r *CreditRepo) refund(ctx context.Context, accountID, filter string, args ...interface{}) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE credit_ledger SET refunded = TRUE
		WHERE account_id = $1 AND kind = 'CHARGE' AND NOT refunded AND `+filter+`
		RETURNING file_id, batch_seq, row_index, amount
	`, append([]interface{}{accountID}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("mark refunded: %w", err)
	}
	var charges []refundedCharge
	total := decimal.Zero
	for rows.Next() {
		var c refundedCharge
		if err := rows.Scan(&c.fileID, &c.batchSeq, &c.rowIndex, &c.amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan refunded charge: %w", err)
		}
		charges = append(charges, c)
		total = total.Add(c.amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("mark refunded: %w", err)
	}
	if len(charges) == 0 {
		return 0, nil
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET credits = credits + $2 WHERE id = $1 RETURNING credits`,
		accountID, total,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit refund: %w", err)
	}

	running := balance.Sub(total)
	var (
		values []string
		params []interface{}
	)
	now := time.Now().UTC()
	for i, c := range charges {
		running = running.Add(c.amount)
		base := i * 8
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, 'REFUND', $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		params = append(params, uuid.NewString(), accountID, c.fileID, c.batchSeq, c.rowIndex, c.amount, running, now)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, account_id, file_id, batch_seq, row_index, kind, amount, balance_after, created_at)
		VALUES `+strings.Join(values, ", "), params...); err != nil {
		return 0, fmt.Errorf("journal refunds: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refund: %w", err)
	}
	return len(charges), nil
}

func (r *CreditRepo) Charges(ctx context.Context, accountID, fileID string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, file_id, batch_seq, row_index, kind, amount, balance_after, refunded, created_at
		FROM credit_ledger
		WHERE account_id = $1 AND file_id = $2 AND kind = 'CHARGE' AND NOT refunded
		ORDER BY batch_seq, row_index
	`, accountID, fileID)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.FileID, &e.BatchSeq, &e.RowIndex,
			&e.Kind, &e.Amount, &e.BalanceAfter, &e.Refunded, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *CreditRepo) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx,
		`UPDATE accounts SET credits = credits + $2 WHERE id = $1 RETURNING credits`,
		accountID, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, domain.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("deposit: %w", err)
	}
	return balance, nil
}

func (r *CreditRepo) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, partition, credits, status, created_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.Name, &a.Partition, &a.Credits, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// CreateAccount opens a new account. ErrDuplicate if the id is taken.
func (r *CreditRepo) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.Partition == "" {
		a.Partition = "default"
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, name, partition, credits, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`, a.ID, a.Name, a.Partition, a.Credits, string(a.Status)).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// SetStatus activates or deactivates an account.
func (r *CreditRepo) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $2 WHERE id = $1`, accountID, string(status))
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
