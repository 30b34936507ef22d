package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/httputil"
	"github.com/venugopal1902/email-verifier/internal/service/verification"
)

const defaultMaxUpload = 256 << 20

// Handlers adapts HTTP requests to the verification service.
type Handlers struct {
	svc       *verification.Service
	maxUpload int64
}

// NewHandlers creates the HTTP handlers. maxUploadBytes <= 0 uses 256 MiB.
func NewHandlers(svc *verification.Service, maxUploadBytes int64) *Handlers {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUpload
	}
	return &Handlers{svc: svc, maxUpload: maxUploadBytes}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// GetAccount returns the caller's balance.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	balance, err := h.svc.Balance(r.Context(), actor.AccountID)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"account_id": actor.AccountID, "credits": balance})
}

// =============================================================================
// FILES
// =============================================================================

// SubmitFile accepts a CSV body. The file id comes from ?id= or is generated.
func (h *Handlers) SubmitFile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	fileID := strings.TrimSpace(r.URL.Query().Get("id"))
	if fileID == "" {
		fileID = uuid.NewString()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = fileID + ".csv"
	}

	body := http.MaxBytesReader(w, r.Body, h.maxUpload)
	accepted, err := h.svc.SubmitFile(r.Context(), actor.Tenant, actor.UserID, fileID, name, body)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := map[string]any{"file_id": fileID, "accepted": accepted}
	if !accepted {
		httputil.OK(w, resp)
		return
	}
	w.Header().Set("Location", "/v1/files/"+fileID)
	httputil.Accepted(w, resp)
}

func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	p, err := h.svc.GetProgress(r.Context(), actor.Tenant, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, p)
}

func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	limit, offset := pagination(r.URL.Query())
	results, err := h.svc.Results(r.Context(), actor.Tenant, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	if results == nil {
		results = []domain.VerificationResult{}
	}
	httputil.OK(w, map[string]any{"results": results, "limit": limit, "offset": offset})
}

func (h *Handlers) CancelFile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	fileID := chi.URLParam(r, "id")
	if err := h.svc.CancelFile(r.Context(), actor.Tenant, fileID); err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]any{"file_id": fileID, "cancel_requested": true})
}

func pagination(q url.Values) (limit, offset int) {
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// =============================================================================
// SUPPRESSIONS
// =============================================================================

func categoryParam(r *http.Request) (domain.SuppressionCategory, bool) {
	return domain.ParseCategory(chi.URLParam(r, "category"))
}

// UploadSuppressions imports a CSV of addresses into one global list.
func (h *Handlers) UploadSuppressions(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r)
	if !ok {
		httputil.BadRequest(w, "unknown suppression category")
		return
	}
	actor := actorFrom(r.Context())
	res, err := h.svc.ListSuppressionUpload(r.Context(), actor.Tenant, category, http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (h *Handlers) RemoveSuppression(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r)
	if !ok {
		httputil.BadRequest(w, "unknown suppression category")
		return
	}
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		httputil.BadRequest(w, "invalid email")
		return
	}
	removed, err := h.svc.RemoveSuppressionEntry(r.Context(), actorFrom(r.Context()), email, category)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"removed": removed})
}

// CheckSuppression answers ?email=...&category=... (category optional).
func (h *Handlers) CheckSuppression(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}
	var categories []domain.SuppressionCategory
	if c := q.Get("category"); c != "" {
		category, ok := domain.ParseCategory(c)
		if !ok {
			httputil.BadRequest(w, "unknown suppression category")
			return
		}
		categories = append(categories, category)
	}
	hit, err := h.svc.CheckSuppression(r.Context(), email, categories...)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"email": domain.NormalizeEmail(email), "suppressed": hit})
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handlers) ListShards(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]any{"shards": h.svc.Shards()})
}

func (h *Handlers) AddShard(w http.ResponseWriter, r *http.Request) {
	var desc domain.ShardDescriptor
	if !httputil.Decode(w, r, &desc) {
		return
	}
	if desc.ID == "" || desc.Endpoint == "" {
		httputil.BadRequest(w, "id and endpoint are required")
		return
	}
	report, err := h.svc.AddShard(r.Context(), desc)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, report)
}

func (h *Handlers) RemoveShard(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RemoveShard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, report)
}

func (h *Handlers) ResumeRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.ResumeRebalance(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, report)
}

type openAccountRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Partition string          `json:"partition"`
	Credits   decimal.Decimal `json:"credits"`
}

func (h *Handlers) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	a := &domain.Account{ID: req.ID, Name: req.Name, Partition: req.Partition, Credits: req.Credits}
	if err := h.svc.OpenAccount(r.Context(), a); err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, a)
}

func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	balance, err := h.svc.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"account_id": id, "credits": balance})
}

func (h *Handlers) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeactivateAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}
