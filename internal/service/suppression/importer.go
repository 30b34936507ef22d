package suppression

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/rowsource"
)

// ImportResult reports a bulk suppression upload.
type ImportResult struct {
	Processed int64 `json:"processed"`
	Added     int64 `json:"added"`
	Duplicate int64 `json:"duplicate"`
	Invalid   int64 `json:"invalid"`
}

// Import adds every address in src to one list on behalf of tenant.
// Malformed addresses are counted and skipped; an infrastructure failure
// stops the import and returns the counts so far.
func (c *Cache) Import(ctx context.Context, tenant domain.Tenant, category domain.SuppressionCategory, src rowsource.Source, workers int) (ImportResult, error) {
	var res ImportResult
	if !tenant.Valid() {
		return res, domain.ErrInvalidTenant
	}
	if !category.Valid() {
		return res, &domain.ValidationError{Field: "category", Reason: "unknown category"}
	}
	if workers <= 0 {
		workers = 8
	}

	var processed, added, duplicate, invalid atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var readErr error
	for {
		row, err := src.Next(gctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		email := row.Email
		g.Go(func() error {
			ok, err := c.Add(gctx, email, category, tenant.AccountID)
			processed.Add(1)
			var verr *domain.ValidationError
			switch {
			case errors.As(err, &verr):
				invalid.Add(1)
				return nil
			case err != nil:
				return err
			case ok:
				added.Add(1)
			default:
				duplicate.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	res = ImportResult{
		Processed: processed.Load(),
		Added:     added.Load(),
		Duplicate: duplicate.Load(),
		Invalid:   invalid.Load(),
	}
	if err == nil {
		err = readErr
	}
	c.log.Info().Str("account", tenant.AccountID).Str("category", string(category)).
		Int64("processed", res.Processed).Int64("added", res.Added).Int64("invalid", res.Invalid).
		Msg("suppression import finished")
	return res, err
}
