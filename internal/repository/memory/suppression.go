package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

type suppKey struct {
	email    string
	category domain.SuppressionCategory
}

// SuppressionRepo is an in-memory suppression.Repository.
type SuppressionRepo struct {
	mu         sync.RWMutex
	store      map[suppKey]domain.SuppressionEntry
	tombstones map[suppKey]int64

	// Fail, when set, makes every call return it (simulates an outage).
	failMu sync.RWMutex
	fail   error
}

// NewSuppressionRepo creates an empty repository.
func NewSuppressionRepo() *SuppressionRepo {
	return &SuppressionRepo{
		store:      make(map[suppKey]domain.SuppressionEntry),
		tombstones: make(map[suppKey]int64),
	}
}

// SetFailure makes subsequent calls fail with err; nil restores service.
func (r *SuppressionRepo) SetFailure(err error) {
	r.failMu.Lock()
	r.fail = err
	r.failMu.Unlock()
}

func (r *SuppressionRepo) failure() error {
	r.failMu.RLock()
	defer r.failMu.RUnlock()
	return r.fail
}

func (r *SuppressionRepo) Insert(_ context.Context, e *domain.SuppressionEntry) (bool, error) {
	if err := r.failure(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := suppKey{e.Email, e.Category}
	if _, ok := r.store[k]; ok {
		return false, nil
	}
	if v, ok := r.tombstones[k]; ok && v >= e.Version {
		return false, nil
	}
	r.store[k] = *e
	return true, nil
}

func (r *SuppressionRepo) Exists(_ context.Context, email string, category domain.SuppressionCategory) (bool, error) {
	if err := r.failure(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.store[suppKey{email, category}]
	return ok, nil
}

func (r *SuppressionRepo) Get(_ context.Context, email string, category domain.SuppressionCategory) (*domain.SuppressionEntry, error) {
	if err := r.failure(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.store[suppKey{email, category}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (r *SuppressionRepo) Delete(_ context.Context, email string, category domain.SuppressionCategory, version int64) error {
	if err := r.failure(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := suppKey{email, category}
	if version > r.tombstones[k] {
		r.tombstones[k] = version
	}
	if _, ok := r.store[k]; !ok {
		return domain.ErrNotFound
	}
	delete(r.store, k)
	return nil
}

func (r *SuppressionRepo) Page(_ context.Context, after domain.SuppressionCursor, limit int) ([]domain.SuppressionEntry, error) {
	if err := r.failure(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	all := make([]domain.SuppressionEntry, 0, len(r.store))
	for _, e := range r.store {
		all = append(all, e)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Email != all[j].Email {
			return all[i].Email < all[j].Email
		}
		return all[i].Category < all[j].Category
	})
	start := sort.Search(len(all), func(i int) bool {
		e := all[i]
		return e.Email > after.Email || (e.Email == after.Email && e.Category > after.Category)
	})
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (r *SuppressionRepo) Count(_ context.Context) (int, error) {
	if err := r.failure(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store), nil
}
