package credit

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

// Repository defines the data access contract for balances and the journal.
type Repository interface {
	// Debit subtracts amount only if the balance covers it and journals a
	// CHARGE for ref in the same atomic step. ok is false when the balance
	// is too low. A live charge already recorded for ref is not repeated.
	Debit(ctx context.Context, ref domain.ChargeRef, amount decimal.Decimal) (balance decimal.Decimal, ok bool, err error)

	// RefundCharge reverses the live charge for ref. False means there was
	// nothing to refund.
	RefundCharge(ctx context.Context, ref domain.ChargeRef) (bool, error)

	// RefundBatch reverses every live charge of one batch and returns how
	// many were refunded.
	RefundBatch(ctx context.Context, accountID, fileID string, batchSeq int) (int, error)

	// Charges returns the live (unrefunded) charges for a file.
	Charges(ctx context.Context, accountID, fileID string) ([]domain.LedgerEntry, error)

	// Deposit adds credits to an account.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)

	// GetAccount returns an account or ErrNotFound.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
}

// AccountStore manages the account lifecycle. Accounts are deactivated,
// never deleted.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error
}
