package verification

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/rowsource"
	"github.com/venugopal1902/email-verifier/internal/service/credit"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
	"github.com/venugopal1902/email-verifier/internal/storage"
	"github.com/venugopal1902/email-verifier/internal/worker"
)

// Accounts is the account data the facade reads and manages.
type Accounts interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	credit.AccountStore
}

// Deps wires the facade. Rebalancer may be nil in processes that never
// change the shard set.
type Deps struct {
	Files      worker.FileRepository
	Accounts   Accounts
	Ledger     *credit.Ledger
	Cache      *suppression.Cache
	Rebalancer *suppression.Rebalancer
	Objects    storage.ObjectStore
	Jobs       worker.Dispatcher
	Scheduler  *worker.ChunkScheduler
	// ImportWorkers bounds concurrent adds during a suppression upload.
	ImportWorkers int
}

// Service implements the externally visible operations. It is safe for
// concurrent use.
type Service struct {
	Deps
	log *zerolog.Logger
}

// NewService creates the facade.
func NewService(d Deps) *Service {
	if d.ImportWorkers <= 0 {
		d.ImportWorkers = 8
	}
	return &Service{Deps: d, log: logger.Named("verification")}
}

// ResolveTenant maps an account id to its tenant context.
func (s *Service) ResolveTenant(ctx context.Context, accountID string) (domain.Tenant, error) {
	if accountID == "" {
		return domain.Tenant{}, domain.ErrInvalidTenant
	}
	a, err := s.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Tenant{}, err
	}
	return domain.Tenant{AccountID: a.ID, Partition: a.Partition}, nil
}

// SubmitFile stores an upload and queues it for processing. accepted is
// false when the file id was already submitted; the earlier submission
// stands. Deactivated accounts cannot submit.
func (s *Service) SubmitFile(ctx context.Context, t domain.Tenant, userID, fileID, name string, body io.Reader) (bool, error) {
	if !t.Valid() {
		return false, domain.ErrInvalidTenant
	}
	if fileID == "" {
		return false, &domain.ValidationError{Field: "file_id", Reason: "required"}
	}
	a, err := s.Accounts.GetAccount(ctx, t.AccountID)
	if err != nil {
		return false, err
	}
	if a.Status == domain.AccountDeactivated {
		return false, domain.ErrAccountInactive
	}

	br := bufio.NewReader(body)
	if _, err := br.Peek(1); errors.Is(err, io.EOF) {
		return false, ErrEmptyUpload
	}

	f := &domain.FileUpload{ID: fileID, UserID: userID, Name: name}
	if err := s.Files.Create(ctx, t, f); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("create file: %w", err)
	}

	key := storage.UploadKey(t.AccountID, fileID)
	if err := s.Objects.Put(ctx, key, br); err != nil {
		if ferr := s.Files.Finish(ctx, t, fileID, domain.FileFailed, "upload could not be stored"); ferr != nil {
			s.log.Error().Err(ferr).Str("file", fileID).Msg("failed to mark unstored upload")
		}
		return false, fmt.Errorf("store upload: %w", err)
	}

	job := worker.FileJob{AccountID: t.AccountID, Partition: t.Partition, FileID: fileID, ObjectKey: key}
	if err := s.Jobs.Publish(ctx, job); err != nil {
		// The file stays UPLOADED; the recovery sweep republishes it.
		return true, fmt.Errorf("queue file: %w", err)
	}
	s.log.Info().Str("account", t.AccountID).Str("file", fileID).Str("name", name).Msg("file accepted")
	return true, nil
}

// Progress is the status view of an upload.
type Progress struct {
	FileID          string            `json:"file_id"`
	Status          domain.FileStatus `json:"status"`
	Total           int64             `json:"total"`
	Valid           int64             `json:"valid"`
	Filtered        int64             `json:"filtered"`
	Risky           int64             `json:"risky"`
	Bounced         int64             `json:"bounced"`
	Invalid         int64             `json:"invalid"`
	Blocked         int64             `json:"blocked"`
	Reason          string            `json:"reason,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// GetProgress returns the counters and status of one file.
func (s *Service) GetProgress(ctx context.Context, t domain.Tenant, fileID string) (Progress, error) {
	f, err := s.Files.Get(ctx, t, fileID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		FileID:          f.ID,
		Status:          f.Status,
		Total:           f.Counts.Total,
		Valid:           f.Counts.Valid,
		Filtered:        f.Counts.Filtered,
		Risky:           f.Counts.Risky,
		Bounced:         f.Counts.Bounced,
		Invalid:         f.Counts.Invalid,
		Blocked:         f.Counts.Blocked,
		Reason:          f.Reason,
		CancelRequested: f.CancelRequested,
		CreatedAt:       f.CreatedAt,
		StartedAt:       f.StartedAt,
		CompletedAt:     f.CompletedAt,
	}, nil
}

// Results lists a file's per-row outcomes. limit 0 returns all.
func (s *Service) Results(ctx context.Context, t domain.Tenant, fileID string, limit, offset int) ([]domain.VerificationResult, error) {
	if _, err := s.Files.Get(ctx, t, fileID); err != nil {
		return nil, err
	}
	return s.Files.Results(ctx, t, fileID, limit, offset)
}

// CancelFile asks the scheduler to stop dispatching new batches. Batches
// already running finish and stay committed.
func (s *Service) CancelFile(ctx context.Context, t domain.Tenant, fileID string) error {
	if err := s.Files.RequestCancel(ctx, t, fileID); err != nil {
		return err
	}
	s.log.Info().Str("account", t.AccountID).Str("file", fileID).Msg("cancellation requested")
	return nil
}

// ProcessFile is the job handler. A missing upload fails the file for
// good; any other error is returned so the dispatcher redelivers.
func (s *Service) ProcessFile(ctx context.Context, job worker.FileJob) error {
	rc, err := s.Objects.Open(ctx, job.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		ferr := s.Files.Finish(ctx, job.Tenant(), job.FileID, domain.FileFailed, ErrUploadMissing.Error())
		if ferr != nil && !errors.Is(ferr, domain.ErrFileTerminal) {
			return ferr
		}
		s.log.Error().Str("file", job.FileID).Str("key", job.ObjectKey).Msg("upload missing; file failed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()

	return s.Scheduler.Run(ctx, job, rowsource.NewCSV(rc))
}

// FailFile marks a file FAILED once its job has used every delivery
// attempt. Committed batches and their charges stand.
func (s *Service) FailFile(ctx context.Context, job worker.FileJob, cause error) {
	reason := fmt.Sprintf("processing failed after %d attempts: %v", job.Attempt, cause)
	err := s.Files.Finish(context.WithoutCancel(ctx), job.Tenant(), job.FileID, domain.FileFailed, reason)
	if err != nil && !errors.Is(err, domain.ErrFileTerminal) {
		s.log.Error().Err(err).Str("file", job.FileID).Msg("could not mark exhausted file failed")
		return
	}
	s.log.Error().Err(cause).Str("account", job.AccountID).Str("file", job.FileID).
		Int("attempts", job.Attempt).Msg("file failed after repeated errors")
}

// ListSuppressionUpload adds every address of an uploaded list to one
// global list, recording the tenant as origin.
func (s *Service) ListSuppressionUpload(ctx context.Context, t domain.Tenant, category domain.SuppressionCategory, body io.Reader) (suppression.ImportResult, error) {
	src := rowsource.NewCSV(body)
	defer src.Close()
	res, err := s.Cache.Import(ctx, t, category, src, s.ImportWorkers)
	if err != nil {
		return res, err
	}
	s.log.Info().Str("account", t.AccountID).Str("category", string(category)).
		Int64("processed", res.Processed).Int64("added", res.Added).Msg("suppression list imported")
	return res, nil
}

// RemoveSuppressionEntry deletes one entry. Only its origin account or an
// admin may remove it.
func (s *Service) RemoveSuppressionEntry(ctx context.Context, actor domain.Actor, email string, category domain.SuppressionCategory) (bool, error) {
	return s.Cache.Remove(ctx, actor, email, category)
}

// CheckSuppression reports whether an address is on any of the lists.
func (s *Service) CheckSuppression(ctx context.Context, email string, categories ...domain.SuppressionCategory) (bool, error) {
	return s.Cache.Check(ctx, email, categories...)
}

// AddShard and RemoveShard change the ring and migrate the affected keys.
func (s *Service) AddShard(ctx context.Context, desc domain.ShardDescriptor) (suppression.MigrationReport, error) {
	if s.Rebalancer == nil {
		return suppression.MigrationReport{}, errors.New("rebalancing is not enabled in this process")
	}
	return s.Rebalancer.AddShard(ctx, desc)
}

func (s *Service) RemoveShard(ctx context.Context, id string) (suppression.MigrationReport, error) {
	if s.Rebalancer == nil {
		return suppression.MigrationReport{}, errors.New("rebalancing is not enabled in this process")
	}
	return s.Rebalancer.RemoveShard(ctx, id)
}

// ResumeRebalance retries a migration that failed part way.
func (s *Service) ResumeRebalance(ctx context.Context) (suppression.MigrationReport, error) {
	if s.Rebalancer == nil {
		return suppression.MigrationReport{}, errors.New("rebalancing is not enabled in this process")
	}
	return s.Rebalancer.Resume(ctx)
}

// Shards lists the shards of the current ring.
func (s *Service) Shards() []domain.ShardDescriptor {
	return s.Cache.Ring().Load().Current.Shards()
}

// OpenAccount creates an account with an opening balance.
func (s *Service) OpenAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if a.Credits.IsNegative() {
		return &domain.ValidationError{Field: "credits", Reason: "must not be negative"}
	}
	return s.Accounts.CreateAccount(ctx, a)
}

// DeactivateAccount stops an account from submitting files. Its data is kept.
func (s *Service) DeactivateAccount(ctx context.Context, accountID string) error {
	return s.Accounts.SetStatus(ctx, accountID, domain.AccountDeactivated)
}

// Deposit adds credits to an account and returns the new balance.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.Ledger.Deposit(ctx, accountID, amount)
}

// Balance returns an account's remaining credits.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.Ledger.Balance(ctx, accountID)
}
