package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

type accountState struct {
	mu      sync.Mutex
	account domain.Account
	journal []domain.LedgerEntry
}

// CreditRepo keeps balances per account. Each account has its own mutex, so
// charges for different accounts never wait on each other.
type CreditRepo struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
}

// NewCreditRepo creates an empty credit repository.
func NewCreditRepo() *CreditRepo {
	return &CreditRepo{accounts: make(map[string]*accountState)}
}

// PutAccount creates or replaces an account.
func (r *CreditRepo) PutAccount(a domain.Account) {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.accounts[a.ID] = &accountState{account: a}
	r.mu.Unlock()
}

func (r *CreditRepo) state(id string) (*accountState, error) {
	r.mu.RLock()
	s, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func sameRow(e domain.LedgerEntry, ref domain.ChargeRef) bool {
	return e.FileID == ref.FileID && e.BatchSeq == ref.BatchSeq && e.RowIndex == ref.RowIndex
}

func (r *CreditRepo) Debit(_ context.Context, ref domain.ChargeRef, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	s, err := r.state(ref.AccountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account.Status == domain.AccountDeactivated {
		return s.account.Credits, false, domain.ErrAccountInactive
	}

	for _, e := range s.journal {
		if e.Kind == domain.LedgerCharge && !e.Refunded && sameRow(e, ref) {
			return s.account.Credits, true, nil
		}
	}
	if s.account.Credits.LessThan(amount) {
		return s.account.Credits, false, nil
	}
	s.account.Credits = s.account.Credits.Sub(amount)
	s.journal = append(s.journal, domain.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    ref.AccountID,
		FileID:       ref.FileID,
		BatchSeq:     ref.BatchSeq,
		RowIndex:     ref.RowIndex,
		Kind:         domain.LedgerCharge,
		Amount:       amount,
		BalanceAfter: s.account.Credits,
		CreatedAt:    time.Now().UTC(),
	})
	return s.account.Credits, true, nil
}

// refundLocked reverses journal[i]. Caller holds s.mu.
func (s *accountState) refundLocked(i int) {
	e := &s.journal[i]
	e.Refunded = true
	s.account.Credits = s.account.Credits.Add(e.Amount)
	s.journal = append(s.journal, domain.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    e.AccountID,
		FileID:       e.FileID,
		BatchSeq:     e.BatchSeq,
		RowIndex:     e.RowIndex,
		Kind:         domain.LedgerRefund,
		Amount:       e.Amount,
		BalanceAfter: s.account.Credits,
		CreatedAt:    time.Now().UTC(),
	})
}

func (r *CreditRepo) RefundCharge(_ context.Context, ref domain.ChargeRef) (bool, error) {
	s, err := r.state(ref.AccountID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.journal {
		e := s.journal[i]
		if e.Kind == domain.LedgerCharge && !e.Refunded && sameRow(e, ref) {
			s.refundLocked(i)
			return true, nil
		}
	}
	return false, nil
}

func (r *CreditRepo) RefundBatch(_ context.Context, accountID, fileID string, batchSeq int) (int, error) {
	s, err := r.state(accountID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, end := 0, len(s.journal); i < end; i++ {
		e := s.journal[i]
		if e.Kind == domain.LedgerCharge && !e.Refunded && e.FileID == fileID && e.BatchSeq == batchSeq {
			s.refundLocked(i)
			n++
		}
	}
	return n, nil
}

func (r *CreditRepo) Charges(_ context.Context, accountID, fileID string) ([]domain.LedgerEntry, error) {
	s, err := r.state(accountID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.journal {
		if e.Kind == domain.LedgerCharge && !e.Refunded && e.FileID == fileID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *CreditRepo) Deposit(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s, err := r.state(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.Credits = s.account.Credits.Add(amount)
	return s.account.Credits, nil
}

func (r *CreditRepo) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	s, err := r.state(accountID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account
	return &a, nil
}

// CreateAccount opens a new account. ErrDuplicate if the id is taken.
func (r *CreditRepo) CreateAccount(_ context.Context, a *domain.Account) error {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.Partition == "" {
		a.Partition = "default"
	}
	a.CreatedAt = time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.ID]; ok {
		return domain.ErrDuplicate
	}
	r.accounts[a.ID] = &accountState{account: *a}
	return nil
}

func (r *CreditRepo) SetStatus(_ context.Context, accountID string, status domain.AccountStatus) error {
	s, err := r.state(accountID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.account.Status = status
	s.mu.Unlock()
	return nil
}
