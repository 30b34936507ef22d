package api

import (
	"errors"
	"net/http"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/httputil"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
	"github.com/venugopal1902/email-verifier/internal/service/verification"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

// =============================================================================
// ERROR MAPPING
// Domain errors become status codes here. Internal errors (database details,
// shard addresses) are never sent to the caller; 5xx responses carry a
// generic message and the full error is logged server-side.
// =============================================================================

func statusFor(err error) int {
	var (
		verr    *domain.ValidationError
		tooLong *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLong):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr),
		errors.Is(err, verification.ErrEmptyUpload),
		errors.Is(err, hashring.ErrEmptyRing):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTenant):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, hashring.ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrFileTerminal),
		errors.Is(err, hashring.ErrDuplicateShard),
		errors.Is(err, suppression.ErrRebalanceBlocked):
		return http.StatusConflict
	case errors.Is(err, shardstore.ErrShardUnavailable),
		domain.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. 4xx messages describe the
// caller's mistake and are passed through.
func respondError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	switch {
	case code == http.StatusServiceUnavailable:
		logger.Warn("[api] dependency unavailable", "error", err)
		httputil.Error(w, code, "temporarily unavailable, retry later")
	case code >= 500:
		httputil.InternalError(w, err)
	default:
		httputil.Error(w, code, err.Error())
	}
}
