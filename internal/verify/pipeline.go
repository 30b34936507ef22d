// Package verify classifies a single email address. The stages run in a
// fixed order and stop at the first terminal verdict: syntax, global
// suppression, MX lookup, disposable domain, role account, then a paid
// SMTP handshake. Only the handshake costs a credit, and it is charged
// immediately before the probe runs.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/metrics"
)

// Suppressions is the global suppression list as the pipeline sees it.
type Suppressions interface {
	Check(ctx context.Context, email string, categories ...domain.SuppressionCategory) (bool, error)
	Add(ctx context.Context, email string, category domain.SuppressionCategory, origin string) (bool, error)
}

// Charger debits one row's verification cost.
type Charger interface {
	ReserveAndCharge(ctx context.Context, ref domain.ChargeRef, amount decimal.Decimal) (bool, error)
}

// Config holds per-stage settings. Zero values pick the defaults.
type Config struct {
	MXTimeout         time.Duration
	HandshakeTimeout  time.Duration
	DisposableDomains []string
	RoleAccounts      []string
	CreditsPerCheck   int
}

// Deps are the collaborators a Pipeline calls out to.
type Deps struct {
	Suppressions Suppressions
	Charger      Charger
	Resolver     Resolver
	Prober       Prober
	Metrics      *metrics.Metrics
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	deps       Deps
	cost       decimal.Decimal
	disposable stringSet
	roles      stringSet
	log        *zerolog.Logger
}

// New builds a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.MXTimeout <= 0 {
		cfg.MXTimeout = 2 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.CreditsPerCheck <= 0 {
		cfg.CreditsPerCheck = 1
	}
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		cost:       decimal.NewFromInt(int64(cfg.CreditsPerCheck)),
		disposable: newSet(defaultDisposable, cfg.DisposableDomains),
		roles:      newSet(defaultRoles, cfg.RoleAccounts),
		log:        logger.Named("verify"),
	}
}

// Row identifies the input being classified.
type Row struct {
	Tenant   domain.Tenant
	FileID   string
	BatchSeq int
	RowIndex int
	Email    string
}

func (r Row) chargeRef() domain.ChargeRef {
	return domain.ChargeRef{AccountID: r.Tenant.AccountID, FileID: r.FileID, BatchSeq: r.BatchSeq, RowIndex: r.RowIndex}
}

// Verify classifies one row. A nil error means the result is final. An
// InsufficientCreditsError comes with a usable BLOCKED_NO_CREDIT result.
// Any other error (unreadable suppression state, a failed charge, ctx
// cancelled) means the row has no verdict and its batch must be retried.
func (p *Pipeline) Verify(ctx context.Context, row Row) (domain.VerificationResult, error) {
	res := domain.VerificationResult{
		FileID:   row.FileID,
		BatchSeq: row.BatchSeq,
		RowIndex: row.RowIndex,
		Email:    row.Email,
	}
	finish := func(c domain.Classification, detail string) (domain.VerificationResult, error) {
		res.Classification = c
		res.Detail = detail
		res.CreatedAt = time.Now().UTC()
		p.deps.Metrics.Classification(string(c))
		return res, nil
	}

	start := time.Now()
	addr, verr := ParseAddress(row.Email)
	p.deps.Metrics.Stage("syntax", time.Since(start).Seconds())
	if verr != nil {
		return finish(domain.ClassInvalidSyntax, verr.Reason)
	}
	res.Email = addr.Email

	start = time.Now()
	suppressed, err := p.deps.Suppressions.Check(ctx, addr.Email)
	p.deps.Metrics.Stage("suppression", time.Since(start).Seconds())
	if err != nil {
		return res, domain.Transient("suppression stage", err)
	}
	if suppressed {
		return finish(domain.ClassFiltered, "on global suppression list")
	}

	start = time.Now()
	hosts, detail := p.lookupMX(ctx, addr.Domain)
	p.deps.Metrics.Stage("mx", time.Since(start).Seconds())
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(hosts) == 0 {
		return finish(domain.ClassNoMX, detail)
	}

	if p.disposable.isDisposable(addr.Domain) {
		return finish(domain.ClassDisposable, "disposable provider")
	}

	res.RoleBased = p.roles.isRole(addr.Local)

	ok, err := p.deps.Charger.ReserveAndCharge(ctx, row.chargeRef(), p.cost)
	if err != nil {
		return res, err
	}
	if !ok {
		out, _ := finish(domain.ClassBlockedNoCredit, "insufficient credits")
		return out, &domain.InsufficientCreditsError{AccountID: row.Tenant.AccountID, FileID: row.FileID}
	}
	res.Cost = p.cfg.CreditsPerCheck

	start = time.Now()
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	verdict, detail := p.deps.Prober.Probe(hctx, addr.Email, hosts)
	cancel()
	p.deps.Metrics.Stage("handshake", time.Since(start).Seconds())
	if err := ctx.Err(); err != nil {
		return res, err
	}

	switch verdict {
	case Accepted:
		if res.RoleBased {
			return finish(domain.ClassRisky, "role account; "+detail)
		}
		return finish(domain.ClassValid, detail)
	case Rejected:
		p.suppressBounce(ctx, addr.Email, row.Tenant.AccountID)
		return finish(domain.ClassBounced, detail)
	default:
		return finish(domain.ClassBounced, "inconclusive: "+detail)
	}
}

// lookupMX returns the exchangers, or none with the reason. A timeout or
// resolver failure counts as no MX.
func (p *Pipeline) lookupMX(ctx context.Context, host string) ([]string, string) {
	mctx, cancel := context.WithTimeout(ctx, p.cfg.MXTimeout)
	defer cancel()
	hosts, err := p.deps.Resolver.LookupMX(mctx, host)
	switch {
	case err == nil && len(hosts) > 0:
		return hosts, ""
	case errors.Is(mctx.Err(), context.DeadlineExceeded):
		return nil, "mx lookup timed out"
	case err != nil:
		return nil, fmt.Sprintf("mx lookup failed: %v", err)
	}
	return nil, "no mx records"
}

// suppressBounce adds a hard bounce to the global list. The verdict stands
// even if the list cannot be updated.
func (p *Pipeline) suppressBounce(ctx context.Context, email, account string) {
	if _, err := p.deps.Suppressions.Add(ctx, email, domain.CategoryBounce, account); err != nil {
		p.log.Warn().Err(err).Str("email", logger.RedactEmail(email)).Msg("could not add bounce to suppression list")
	}
}
