package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by services and repositories.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("already exists")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrFileTerminal        = errors.New("file already in a terminal state")
	ErrAccountInactive     = errors.New("account is deactivated")
	ErrInvalidTenant       = errors.New("tenant context is required")
	ErrStaleVersion        = errors.New("version changed concurrently")
)

// ValidationError is a malformed input. In the pipeline it becomes a
// classification rather than a fault.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientInfraError wraps a failure of a shard, the durable store, or the
// network that may succeed on retry.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientInfraError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var t *TransientInfraError
	if errors.As(err, &t) {
		return err
	}
	return &TransientInfraError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientInfraError
	return errors.As(err, &t)
}

// InsufficientCreditsError halts charging for a file. It matches
// ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	AccountID string
	FileID    string
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("account %s: insufficient credits for file %s", e.AccountID, e.FileID)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// ConsistencyFault is a charge without a matching result, or the reverse.
// Faults are reconciled by refund, never dropped.
type ConsistencyFault struct {
	Ref    ChargeRef
	Reason string
}

func (e *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault on %s/%d/%d: %s", e.Ref.FileID, e.Ref.BatchSeq, e.Ref.RowIndex, e.Reason)
}
