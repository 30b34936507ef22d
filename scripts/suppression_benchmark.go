//go:build ignore
// +build ignore

// Suppression Benchmark Tool
// Measures how quickly the sharded suppression cache answers lookups for an
// audience when part of it is suppressed.
//
// Usage:
//   SHARD_URLS=s1=redis://localhost:6379/2,s2=redis://localhost:6379/3 \
//   go run scripts/suppression_benchmark.go \
//     --suppression-size=200000 \
//     --audience-size=100000 \
//     --workers=16

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/repository/memory"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type BenchmarkConfig struct {
	SuppressionSize int
	AudienceSize    int
	Workers         int

	// What fraction of the audience is on the suppression list
	OverlapPercentage float64
}

func syntheticEmail(prefix string, i int) string {
	return fmt.Sprintf("%s%09d@bench.example", prefix, i)
}

// =============================================================================
// PHASES
// =============================================================================

type phaseResult struct {
	Name    string
	Ops     int64
	Hits    int64
	Elapsed time.Duration
}

func (p phaseResult) rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Ops) / p.Elapsed.Seconds()
}

func load(ctx context.Context, cache *suppression.Cache, cfg BenchmarkConfig) (phaseResult, error) {
	start := time.Now()
	var ops atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := 0; i < cfg.SuppressionSize; i++ {
		email := syntheticEmail("s", i)
		g.Go(func() error {
			if _, err := cache.Add(gctx, email, domain.CategoryBounce, "benchmark"); err != nil {
				return err
			}
			ops.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return phaseResult{Name: "load suppression list", Ops: ops.Load(), Elapsed: time.Since(start)}, err
}

func lookup(ctx context.Context, cache *suppression.Cache, cfg BenchmarkConfig) (phaseResult, error) {
	overlap := int(float64(cfg.AudienceSize) * cfg.OverlapPercentage)
	start := time.Now()
	var ops, hits atomic.Int64

	work := make(chan string, cfg.Workers*4)
	var wg sync.WaitGroup
	var (
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for email := range work {
				hit, err := cache.Check(ctx, email)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					continue
				}
				if hit {
					hits.Add(1)
				}
				ops.Add(1)
			}
		}()
	}
	for i := 0; i < cfg.AudienceSize; i++ {
		if i < overlap {
			work <- syntheticEmail("s", i)
		} else {
			work <- syntheticEmail("a", i)
		}
	}
	close(work)
	wg.Wait()

	res := phaseResult{Name: "check audience", Ops: ops.Load(), Hits: hits.Load(), Elapsed: time.Since(start)}
	if firstErr != nil {
		return res, firstErr
	}
	if int(res.Hits) != overlap {
		return res, fmt.Errorf("expected %d suppressed, got %d", overlap, res.Hits)
	}
	return res, nil
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	cfg := BenchmarkConfig{}
	flag.IntVar(&cfg.SuppressionSize, "suppression-size", 200_000, "entries loaded onto the bounce list")
	flag.IntVar(&cfg.AudienceSize, "audience-size", 100_000, "addresses checked")
	flag.IntVar(&cfg.Workers, "workers", runtime.NumCPU()*4, "concurrent callers")
	flag.Float64Var(&cfg.OverlapPercentage, "overlap", 0.15, "fraction of the audience that is suppressed")
	flag.Parse()

	nodes, err := config.ParseShardURLs(os.Getenv("SHARD_URLS"))
	if err != nil || len(nodes) == 0 {
		fmt.Fprintln(os.Stderr, "SHARD_URLS is required, e.g. s1=redis://localhost:6379/2")
		os.Exit(1)
	}
	store := shardstore.NewRedisStore(shardstore.RedisOptions{Namespace: "suppress-bench"})
	defer store.Close()
	for _, n := range nodes {
		if err := store.Register(n); err != nil {
			fmt.Fprintf(os.Stderr, "register %s: %v\n", n.ID, err)
			os.Exit(1)
		}
	}
	ring, err := hashring.New(nodes, 128)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Durable writes go to memory so only the shard path is measured.
	cache := suppression.NewCache(hashring.NewHolder(ring), store, memory.NewSuppressionRepo(), suppression.Options{})
	defer cache.Close()

	ctx := context.Background()
	for _, s := range ring.Shards() {
		if err := store.Clear(ctx, s.ID); err != nil {
			fmt.Fprintf(os.Stderr, "clear %s: %v\n", s.ID, err)
			os.Exit(1)
		}
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  shards=%d suppression=%d audience=%d workers=%d overlap=%.0f%%\n",
		ring.Len(), cfg.SuppressionSize, cfg.AudienceSize, cfg.Workers, cfg.OverlapPercentage*100)
	fmt.Println("═══════════════════════════════════════════════════════════════")

	for _, phase := range []func(context.Context, *suppression.Cache, BenchmarkConfig) (phaseResult, error){load, lookup} {
		res, err := phase(ctx, cache, cfg)
		fmt.Printf("  %-24s %10d ops  %10.0f ops/s  %s\n", res.Name, res.Ops, res.rate(), res.Elapsed.Round(time.Millisecond))
		if err != nil {
			fmt.Fprintf(os.Stderr, "  FAILED: %v\n", err)
			os.Exit(1)
		}
	}
}
