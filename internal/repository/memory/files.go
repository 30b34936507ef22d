package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

type fileState struct {
	file      domain.FileUpload
	results   []domain.VerificationResult
	committed map[int]bool
}

// FileRepo stores uploads, results and batch markers, partitioned by tenant.
type FileRepo struct {
	mu    sync.Mutex
	files map[string]*fileState

	// FailCommits, when positive, makes that many CommitBatch calls fail.
	FailCommits int
	CommitErr   error
}

// NewFileRepo creates an empty repository.
func NewFileRepo() *FileRepo {
	return &FileRepo{files: make(map[string]*fileState)}
}

func fileKey(t domain.Tenant, fileID string) string {
	return t.Partition + "/" + t.AccountID + "/" + fileID
}

func (r *FileRepo) lookup(t domain.Tenant, fileID string) (*fileState, error) {
	if !t.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	s, ok := r.files[fileKey(t, fileID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (r *FileRepo) Create(_ context.Context, t domain.Tenant, f *domain.FileUpload) error {
	if !t.Valid() {
		return domain.ErrInvalidTenant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fileKey(t, f.ID)
	if _, ok := r.files[k]; ok {
		return domain.ErrDuplicate
	}
	cp := *f
	cp.AccountID = t.AccountID
	cp.Partition = t.Partition
	if cp.Status == "" {
		cp.Status = domain.FileUploaded
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.files[k] = &fileState{file: cp, committed: make(map[int]bool)}
	return nil
}

func (r *FileRepo) Get(_ context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return nil, err
	}
	f := s.file
	return &f, nil
}

func (r *FileRepo) Start(_ context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return nil, err
	}
	if s.file.Status.Terminal() {
		return nil, domain.ErrFileTerminal
	}
	if s.file.Status == domain.FileUploaded {
		now := time.Now().UTC()
		s.file.Status = domain.FileProcessing
		s.file.StartedAt = &now
	}
	f := s.file
	return &f, nil
}

func (r *FileRepo) CommitBatch(_ context.Context, t domain.Tenant, fileID string, batchSeq int, results []domain.VerificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCommits > 0 {
		r.FailCommits--
		return r.CommitErr
	}
	s, err := r.lookup(t, fileID)
	if err != nil {
		return err
	}
	if s.file.Status.Terminal() {
		return domain.ErrFileTerminal
	}
	if s.committed[batchSeq] {
		return domain.ErrDuplicate
	}
	s.results = append(s.results, results...)
	s.file.Counts.Merge(domain.CountResults(results))
	s.committed[batchSeq] = true
	return nil
}

func (r *FileRepo) CommittedBatches(_ context.Context, t domain.Tenant, fileID string) (map[int]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(s.committed))
	for k := range s.committed {
		out[k] = true
	}
	return out, nil
}

func (r *FileRepo) Finish(_ context.Context, t domain.Tenant, fileID string, status domain.FileStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return err
	}
	if s.file.Status.Terminal() {
		return domain.ErrFileTerminal
	}
	now := time.Now().UTC()
	s.file.Status = status
	s.file.Reason = reason
	s.file.CompletedAt = &now
	return nil
}

func (r *FileRepo) RequestCancel(_ context.Context, t domain.Tenant, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return err
	}
	if s.file.Status.Terminal() {
		return domain.ErrFileTerminal
	}
	s.file.CancelRequested = true
	return nil
}

func (r *FileRepo) Results(_ context.Context, t domain.Tenant, fileID string, limit, offset int) ([]domain.VerificationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(t, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VerificationResult, len(s.results))
	copy(out, s.results)
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchSeq != out[j].BatchSeq {
			return out[i].BatchSeq < out[j].BatchSeq
		}
		return out[i].RowIndex < out[j].RowIndex
	})
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Unfinished lists UPLOADED or PROCESSING files of every tenant last
// touched before the cutoff, oldest first.
func (r *FileRepo) Unfinished(_ context.Context, before time.Time, limit int) ([]domain.FileUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FileUpload
	for _, s := range r.files {
		if s.file.Status.Terminal() {
			continue
		}
		touched := s.file.CreatedAt
		if s.file.StartedAt != nil {
			touched = *s.file.StartedAt
		}
		if touched.Before(before) {
			out = append(out, s.file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
