package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

var (
	chargeExists = regexp.QuoteMeta("SELECT EXISTS(")
	debitCTE     = regexp.QuoteMeta("WITH debit AS (")
	selectAcct   = regexp.QuoteMeta("FROM accounts WHERE id = $1")
)

func accountRows(credits string, status domain.AccountStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "partition", "credits", "status", "created_at"}).
		AddRow("acct-1", "Acme", "p1", credits, string(status), time.Now().UTC())
}

var ref = domain.ChargeRef{AccountID: "acct-1", FileID: "f1", BatchSeq: 0, RowIndex: 2}

func TestDebitCharges(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WithArgs("acct-1", "f1", 0, 2).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(debitCTE).
		WithArgs("acct-1", "f1", 0, 2, decimal.NewFromInt(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow("9"))

	balance, ok, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, balance.Equal(decimal.NewFromInt(9)))
}

func TestDebitInsufficient(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(debitCTE).WillReturnRows(sqlmock.NewRows([]string{"balance_after"}))
	mock.ExpectQuery(selectAcct).WithArgs("acct-1").WillReturnRows(accountRows("0", domain.AccountActive))

	balance, ok, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, balance.IsZero())
}

func TestDebitDeactivatedAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(debitCTE).WillReturnRows(sqlmock.NewRows([]string{"balance_after"}))
	mock.ExpectQuery(selectAcct).WillReturnRows(accountRows("50", domain.AccountDeactivated))

	_, ok, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
}

func TestDebitUnknownAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(debitCTE).WillReturnRows(sqlmock.NewRows([]string{"balance_after"}))
	mock.ExpectQuery(selectAcct).WillReturnError(sql.ErrNoRows)

	_, _, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDebitAlreadyCharged(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(selectAcct).WillReturnRows(accountRows("0", domain.AccountActive))

	_, ok, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, ok, "a row that is already paid for is not charged again")
}

func TestDebitConcurrentDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(chargeExists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(debitCTE).WillReturnError(&pq.Error{Code: pgUniqueViolation})
	mock.ExpectQuery(selectAcct).WillReturnRows(accountRows("4", domain.AccountActive))

	balance, ok, err := repo.Debit(context.Background(), ref, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, balance.Equal(decimal.NewFromInt(4)))
}

func TestRefundBatch(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_ledger SET refunded = TRUE")).
		WithArgs("acct-1", "f1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "batch_seq", "row_index", "amount"}).
			AddRow("f1", 2, 0, "1").
			AddRow("f1", 2, 5, "1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET credits = credits + $2")).
		WithArgs("acct-1", decimal.NewFromInt(2)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow("12"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.RefundBatch(context.Background(), "acct-1", "f1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRefundBatchNothingToRefund(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_ledger SET refunded = TRUE")).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "batch_seq", "row_index", "amount"}))
	mock.ExpectRollback()

	n, err := repo.RefundBatch(context.Background(), "acct-1", "f1", 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefundChargeRollsBackOnFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_ledger SET refunded = TRUE")).
		WithArgs("acct-1", "f1", 0, 2).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "batch_seq", "row_index", "amount"}).
			AddRow("f1", 0, 2, "1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET credits")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	ok, err := repo.RefundCharge(context.Background(), ref)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCharges(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_ledger")).
		WithArgs("acct-1", "f1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "file_id", "batch_seq", "row_index",
			"kind", "amount", "balance_after", "refunded", "created_at"}).
			AddRow("c1", "acct-1", "f1", 0, 1, "CHARGE", "1", "9", false, now))

	charges, err := repo.Charges(context.Background(), "acct-1", "f1")
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, domain.LedgerCharge, charges[0].Kind)
	assert.Equal(t, 1, charges[0].RowIndex)
}

func TestDepositUnknownAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET credits = credits + $2")).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Deposit(context.Background(), "nobody", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateAccountDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs("acct-1", "Acme", "default", decimal.NewFromInt(10), "ACTIVE").
		WillReturnError(&pq.Error{Code: pgUniqueViolation})

	err := repo.CreateAccount(context.Background(), &domain.Account{ID: "acct-1", Name: "Acme", Credits: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}
