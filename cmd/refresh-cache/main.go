// Command refresh-cache rebuilds the sharded suppression cache from the
// durable store and verifies the result.
//
//	refresh-cache              clear, reload, then verify
//	refresh-cache --check-only verify without reloading
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/venugopal1902/email-verifier/internal/app"
	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/repository/postgres"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
)

type checkResult struct {
	Name    string
	Passed  bool
	Detail  string
	Elapsed time.Duration
}

type options struct {
	CheckOnly bool
	PageSize  int
	Sample    int
}

func main() {
	var opts options
	flag.BoolVar(&opts.CheckOnly, "check-only", false, "verify without reloading the shards")
	flag.IntVar(&opts.PageSize, "page-size", 1000, "durable store page size")
	flag.IntVar(&opts.Sample, "sample", 100, "number of durable entries probed through the cache")
	configPath := flag.String("config", "config/config.yaml", "config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	app.InitLogger(cfg, "refresh-cache")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := app.OpenDB(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store, ring, err := app.OpenShards(cfg.Shards)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	repo := postgres.NewSuppressionRepo(db)
	cache := suppression.NewCache(hashring.NewHolder(ring), store, repo, suppression.Options{})
	defer cache.Close()

	// Route with the ring the services publish, not the config file's.
	sync := suppression.NewRingSync(cache, postgres.NewRingRepo(db), store, suppression.RingSyncOptions{Node: "refresh-" + app.NodeID()})
	if err := sync.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	defer sync.Forget(context.Background())
	snap := cache.Ring().Load()
	if snap.Migrating() {
		fmt.Fprintln(os.Stderr, "FATAL: a shard rebalance is in progress; retry when it finishes")
		os.Exit(1)
	}

	fmt.Println("=========================================================")
	fmt.Println(" Suppression Cache Refresh")
	fmt.Println("=========================================================")
	fmt.Printf("Shards:     %d (ring v%d)\n", snap.Current.Len(), snap.Version)
	fmt.Printf("Check only: %v\n", opts.CheckOnly)
	fmt.Println("---------------------------------------------------------")

	results := run(ctx, cache, repo, opts)
	if !report(results) {
		os.Exit(1)
	}
}

// run executes the refresh (unless CheckOnly) followed by the checks.
func run(ctx context.Context, cache *suppression.Cache, repo suppression.Repository, opts options) []checkResult {
	var results []checkResult

	start := time.Now()
	durable, err := repo.Count(ctx)
	results = append(results, checkResult{
		Name:    "durable store reachable",
		Passed:  err == nil,
		Detail:  detail(err, fmt.Sprintf("%d entries", durable)),
		Elapsed: time.Since(start),
	})
	if err != nil {
		return results
	}

	if !opts.CheckOnly {
		start = time.Now()
		rep, err := cache.Refresh(ctx, opts.PageSize)
		results = append(results, checkResult{
			Name:    "shards reloaded",
			Passed:  err == nil,
			Detail:  detail(err, fmt.Sprintf("%d entries across %d shards", rep.Entries, rep.Shards)),
			Elapsed: time.Since(start),
		})
		if err != nil {
			return results
		}
		results = append(results, checkResult{
			Name:   "reloaded count matches durable count",
			Passed: rep.Entries == durable,
			Detail: fmt.Sprintf("reloaded=%d durable=%d", rep.Entries, durable),
		})
	}

	results = append(results, checkSample(ctx, cache, repo, opts.Sample))
	return results
}

// checkSample looks up the first n durable entries through the cache.
func checkSample(ctx context.Context, cache *suppression.Cache, repo suppression.Repository, n int) checkResult {
	start := time.Now()
	res := checkResult{Name: "sampled entries visible in cache"}
	page, err := repo.Page(ctx, suppression.Cursor{}, n)
	if err != nil {
		res.Detail = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}
	var missing []string
	for _, e := range page {
		hit, err := cache.Check(ctx, e.Email, e.Category)
		if err != nil {
			res.Detail = err.Error()
			res.Elapsed = time.Since(start)
			return res
		}
		if !hit {
			missing = append(missing, string(e.Category)+":"+e.Email)
		}
	}
	res.Passed = len(missing) == 0
	res.Detail = fmt.Sprintf("%d sampled, %d missing", len(page), len(missing))
	if len(missing) > 0 {
		res.Detail += "\n" + strings.Join(missing, "\n")
	}
	res.Elapsed = time.Since(start)
	return res
}

func detail(err error, ok string) string {
	if err != nil {
		return err.Error()
	}
	return ok
}

func report(results []checkResult) bool {
	fmt.Println()
	allPassed := true
	for i, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			allPassed = false
		}
		fmt.Printf("  [%d] %-45s %s  (%s)\n", i+1, r.Name, status, r.Elapsed.Round(time.Millisecond))
		if r.Detail != "" {
			for _, line := range strings.Split(r.Detail, "\n") {
				fmt.Printf("      %s\n", line)
			}
		}
	}
	fmt.Println("=========================================================")
	if allPassed {
		fmt.Println("  OVERALL: PASS")
	} else {
		fmt.Println("  OVERALL: FAIL")
	}
	return allPassed
}
