package suppression

import (
	"errors"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

// Sentinel errors for the suppression service layer.
var (
	ErrNotFound         = domain.ErrNotFound
	ErrForbidden        = domain.ErrForbidden
	ErrRebalanceBlocked = errors.New("ring is inconsistent after a failed rebalance; resume it first")
	ErrClosed           = errors.New("suppression cache is closed")
	ErrRingConflict     = domain.ErrStaleVersion
	ErrRingNotConverged = errors.New("not every node runs the new ring yet")
)
