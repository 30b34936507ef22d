package domain

import "time"

// FileStatus is the processing state of an uploaded list.
type FileStatus string

const (
	FileUploaded   FileStatus = "UPLOADED"
	FileProcessing FileStatus = "PROCESSING"
	FileDone       FileStatus = "DONE"
	FileFailed     FileStatus = "FAILED"
	FileCancelled  FileStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s FileStatus) Terminal() bool {
	return s == FileDone || s == FileFailed || s == FileCancelled
}

// Classification is the verdict recorded for a single address.
type Classification string

const (
	ClassValid           Classification = "VALID"
	ClassRisky           Classification = "RISKY"
	ClassBounced         Classification = "BOUNCED"
	ClassFiltered        Classification = "FILTERED"
	ClassInvalidSyntax   Classification = "INVALID_SYNTAX"
	ClassNoMX            Classification = "NO_MX"
	ClassDisposable      Classification = "DISPOSABLE"
	ClassBlockedNoCredit Classification = "BLOCKED_NO_CREDIT"
)

// Counts holds the aggregate progress counters of a file.
type Counts struct {
	Total    int64 `json:"total" db:"total_count"`
	Valid    int64 `json:"valid" db:"valid_count"`
	Risky    int64 `json:"risky" db:"risky_count"`
	Bounced  int64 `json:"bounced" db:"bounced_count"`
	Filtered int64 `json:"filtered" db:"filtered_count"`
	Invalid  int64 `json:"invalid" db:"invalid_count"`
	Blocked  int64 `json:"blocked" db:"blocked_count"`
}

// Add counts one result. INVALID_SYNTAX, NO_MX and DISPOSABLE share the
// invalid counter.
func (c *Counts) Add(class Classification) {
	c.Total++
	switch class {
	case ClassValid:
		c.Valid++
	case ClassRisky:
		c.Risky++
	case ClassBounced:
		c.Bounced++
	case ClassFiltered:
		c.Filtered++
	case ClassBlockedNoCredit:
		c.Blocked++
	default:
		c.Invalid++
	}
}

// Merge adds o into c.
func (c *Counts) Merge(o Counts) {
	c.Total += o.Total
	c.Valid += o.Valid
	c.Risky += o.Risky
	c.Bounced += o.Bounced
	c.Filtered += o.Filtered
	c.Invalid += o.Invalid
	c.Blocked += o.Blocked
}

// CountResults tallies a batch of results.
func CountResults(results []VerificationResult) Counts {
	var c Counts
	for _, r := range results {
		c.Add(r.Classification)
	}
	return c
}

// FileUpload is an uploaded list and its processing state. Counters and
// status are immutable once the status is terminal.
type FileUpload struct {
	ID              string     `json:"id" db:"id"`
	AccountID       string     `json:"account_id" db:"account_id"`
	Partition       string     `json:"-" db:"partition"`
	UserID          string     `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Status          FileStatus `json:"status" db:"status"`
	Counts          Counts     `json:"counts"`
	Reason          string     `json:"reason,omitempty" db:"reason"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// VerificationResult is the outcome for one row. Written once, never mutated.
type VerificationResult struct {
	FileID         string         `json:"file_id" db:"file_id"`
	BatchSeq       int            `json:"batch_seq" db:"batch_seq"`
	RowIndex       int            `json:"row_index" db:"row_index"`
	Email          string         `json:"email" db:"email"`
	Classification Classification `json:"classification" db:"classification"`
	RoleBased      bool           `json:"role_based" db:"role_based"`
	Cost           int            `json:"cost" db:"cost"`
	Detail         string         `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// ShardDescriptor describes one cache shard on the hash ring.
type ShardDescriptor struct {
	ID           string `json:"id" yaml:"id"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	VirtualNodes int    `json:"virtual_nodes" yaml:"virtual_nodes"`
}
