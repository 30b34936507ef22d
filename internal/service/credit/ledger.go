package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/metrics"
)

// Ledger is the credit service. It is safe for concurrent use.
type Ledger struct {
	repo    Repository
	metrics *metrics.Metrics
	log     *zerolog.Logger
}

// NewLedger creates a ledger backed by repo. m may be nil.
func NewLedger(repo Repository, m *metrics.Metrics) *Ledger {
	return &Ledger{repo: repo, metrics: m, log: logger.Named("credit")}
}

// ReserveAndCharge charges amount for one row. It returns false, without
// error, when the account cannot cover it.
func (l *Ledger) ReserveAndCharge(ctx context.Context, ref domain.ChargeRef, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	_, ok, err := l.repo.Debit(ctx, ref, amount)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAccountInactive) {
		return false, fmt.Errorf("account %s: %w", ref.AccountID, err)
	}
	if err != nil {
		return false, domain.Transient("credit debit", err)
	}
	if !ok {
		l.metrics.Credit("refused", 1)
		return false, nil
	}
	l.metrics.Credit("charged", 1)
	return true, nil
}

// Refund reverses the charge for one row.
func (l *Ledger) Refund(ctx context.Context, ref domain.ChargeRef) error {
	ok, err := l.repo.RefundCharge(ctx, ref)
	if err != nil {
		return domain.Transient("credit refund", err)
	}
	if ok {
		l.metrics.Credit("refunded", 1)
	}
	return nil
}

// RollbackBatch refunds every charge of a batch whose results were not
// committed.
func (l *Ledger) RollbackBatch(ctx context.Context, accountID, fileID string, batchSeq int) (int, error) {
	n, err := l.repo.RefundBatch(ctx, accountID, fileID, batchSeq)
	if err != nil {
		return 0, domain.Transient("credit rollback", err)
	}
	l.metrics.Credit("refunded", n)
	if n > 0 {
		l.log.Info().Str("account", accountID).Str("file", fileID).Int("batch", batchSeq).
			Int("refunded", n).Msg("batch charges rolled back")
	}
	return n, nil
}

// Balance returns the account's remaining credits.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Credits, nil
}

// Deposit tops up an account.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return l.repo.Deposit(ctx, accountID, amount)
}

// ReconcileReport lists what Reconcile found and fixed.
type ReconcileReport struct {
	Charges  int                       `json:"charges"`
	Refunded int                       `json:"refunded"`
	Faults   []domain.ConsistencyFault `json:"faults"`
}

type rowKey struct{ batch, row int }

// Reconcile compares the live charges of a file with its committed results.
// A charge with no charged result is refunded; a charged result with no
// charge is reported. Both are logged as consistency faults.
func (l *Ledger) Reconcile(ctx context.Context, accountID, fileID string, results []domain.VerificationResult) (ReconcileReport, error) {
	charges, err := l.repo.Charges(ctx, accountID, fileID)
	if err != nil {
		return ReconcileReport{}, domain.Transient("credit charges", err)
	}
	report := ReconcileReport{Charges: len(charges)}

	paid := make(map[rowKey]bool, len(results))
	for _, r := range results {
		if r.Cost > 0 {
			paid[rowKey{r.BatchSeq, r.RowIndex}] = true
		}
	}

	seen := make(map[rowKey]bool, len(charges))
	for _, c := range charges {
		k := rowKey{c.BatchSeq, c.RowIndex}
		ref := domain.ChargeRef{AccountID: accountID, FileID: fileID, BatchSeq: c.BatchSeq, RowIndex: c.RowIndex}
		if paid[k] {
			seen[k] = true
			continue
		}
		fault := domain.ConsistencyFault{Ref: ref, Reason: "charge without a charged result"}
		report.Faults = append(report.Faults, fault)
		l.log.Warn().Str("fault", fault.Error()).Msg("consistency fault; refunding")
		l.metrics.Credit("fault", 1)
		if err := l.Refund(ctx, ref); err != nil {
			return report, fmt.Errorf("reconcile refund: %w", err)
		}
		report.Refunded++
	}
	for k := range paid {
		if !seen[k] {
			fault := domain.ConsistencyFault{
				Ref:    domain.ChargeRef{AccountID: accountID, FileID: fileID, BatchSeq: k.batch, RowIndex: k.row},
				Reason: "charged result without a charge",
			}
			report.Faults = append(report.Faults, fault)
			l.metrics.Credit("fault", 1)
			l.log.Warn().Str("fault", fault.Error()).Msg("consistency fault")
		}
	}
	return report, nil
}
