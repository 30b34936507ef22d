package worker

import (
	"context"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

// FileRepository stores uploads, their results and which batches are done.
// Every call is scoped to a tenant; a file of another tenant is ErrNotFound.
type FileRepository interface {
	// Create stores a new upload. ErrDuplicate if the id is taken.
	Create(ctx context.Context, t domain.Tenant, f *domain.FileUpload) error
	Get(ctx context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error)
	// Start moves UPLOADED to PROCESSING. A file already PROCESSING (a
	// redelivered job) is returned as is; a terminal one is ErrFileTerminal.
	Start(ctx context.Context, t domain.Tenant, fileID string) (*domain.FileUpload, error)
	// CommitBatch inserts the results, adds them to the file counters and
	// marks the batch done in one transaction. ErrDuplicate if the batch
	// was already committed.
	CommitBatch(ctx context.Context, t domain.Tenant, fileID string, batchSeq int, results []domain.VerificationResult) error
	CommittedBatches(ctx context.Context, t domain.Tenant, fileID string) (map[int]bool, error)
	// Finish sets a terminal status. ErrFileTerminal if already terminal.
	Finish(ctx context.Context, t domain.Tenant, fileID string, status domain.FileStatus, reason string) error
	RequestCancel(ctx context.Context, t domain.Tenant, fileID string) error
	// Results lists results by batch and row. limit 0 returns all.
	Results(ctx context.Context, t domain.Tenant, fileID string, limit, offset int) ([]domain.VerificationResult, error)
}

// FileJob is the queued instruction "process file X for account Y".
type FileJob struct {
	AccountID string `json:"account_id"`
	Partition string `json:"partition"`
	FileID    string `json:"file_id"`
	// ObjectKey locates the uploaded rows in object storage.
	ObjectKey string `json:"object_key"`
	// Attempt counts deliveries, starting at 1.
	Attempt int `json:"attempt,omitempty"`
}

// Tenant returns the job's tenant context.
func (j FileJob) Tenant() domain.Tenant {
	return domain.Tenant{AccountID: j.AccountID, Partition: j.Partition}
}
