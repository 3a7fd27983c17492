package feedback

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PoolConfig bounds the calls made to one external service.
type PoolConfig struct {
	// Concurrency is the number of in-flight requests.
	Concurrency int `yaml:"concurrency"`
	// RPS caps requests per second across all workers. Zero disables
	// throttling.
	RPS   float64     `yaml:"rps"`
	Retry RetryPolicy `yaml:"retry"`
}

// limiter spaces calls 1/RPS apart. A burst of one keeps every one-second
// window at or under the cap.
func (p PoolConfig) limiter() *rate.Limiter {
	if p.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(p.RPS), 1)
}

type enrichOutcome[T any] struct {
	results  map[int64]T
	failures []ItemFailure
}

// enrichAll calls fn for every issue through a bounded, throttled worker
// pool. Per-item failures are collected and never stop the pool; a
// *SystemicError (or ctx cancellation) stops it and is returned.
//
// Results are only handed back to the caller: nothing is written to the
// store from here.
func enrichAll[T any](
	ctx context.Context,
	log *slog.Logger,
	service string,
	cfg PoolConfig,
	issues []*Issue,
	fn func(ctx context.Context, iss *Issue) (T, error),
) (*enrichOutcome[T], error) {
	out := &enrichOutcome[T]{results: make(map[int64]T, len(issues))}
	if len(issues) == 0 {
		return out, nil
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	limiter := cfg.limiter()

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for _, iss := range issues {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			log := log.With("issue", iss.ID)

			var result T
			err := cfg.Retry.Do(egCtx, service, func(ctx context.Context) error {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				var err error
				result, err = fn(ctx, iss)
				if err != nil && isTransient(err) {
					log.Warn("retrying "+service+" call", "error", err)
				}
				return err
			})
			if err != nil {
				if isSystemic(err) {
					log.Error(service+" failed systemically", "error", err)
					return err
				}
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				log.Warn(service+" left issue un-enriched", "error", err)
				mu.Lock()
				out.failures = append(out.failures, ItemFailure{
					IssueID: iss.ID,
					Service: service,
					Error:   err.Error(),
				})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			out.results[iss.ID] = result
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out.failures, func(i, j int) bool {
		return out.failures[i].IssueID < out.failures[j].IssueID
	})
	return out, nil
}

// byContentHash groups issues whose analysed text is identical.
func byContentHash(iss *Issue) string {
	return iss.ContentHash
}

// byContentAndPage groups issues whose text and page are identical, for
// services that see the page.
func byContentAndPage(iss *Issue) string {
	if iss.ContentHash == "" {
		return ""
	}
	return iss.ContentHash + "\x00" + iss.Page
}

// enrichUnique is enrichAll with one call per distinct key. Issues with an
// empty key are never grouped. The first issue of each group is sent; its
// result or failure is copied to the other members.
func enrichUnique[T any](
	ctx context.Context,
	log *slog.Logger,
	service string,
	cfg PoolConfig,
	issues []*Issue,
	key func(*Issue) string,
	fn func(ctx context.Context, iss *Issue) (T, error),
) (*enrichOutcome[T], error) {
	var (
		reps    []*Issue
		members = make(map[int64][]int64)
		repOf   = make(map[string]int64)
	)
	for _, iss := range issues {
		k := key(iss)
		if rep, ok := repOf[k]; ok && k != "" {
			members[rep] = append(members[rep], iss.ID)
			continue
		}
		repOf[k] = iss.ID
		reps = append(reps, iss)
	}
	if dups := len(issues) - len(reps); dups > 0 {
		log.Debug("sharing results of duplicate issues", "service", service, "duplicates", dups)
	}

	out, err := enrichAll(ctx, log, service, cfg, reps, fn)
	if err != nil {
		return nil, err
	}
	for rep, ids := range members {
		if res, ok := out.results[rep]; ok {
			for _, id := range ids {
				out.results[id] = res
			}
		}
	}
	var extra []ItemFailure
	for _, f := range out.failures {
		for _, id := range members[f.IssueID] {
			extra = append(extra, ItemFailure{IssueID: id, Service: f.Service, Error: f.Error})
		}
	}
	if len(extra) > 0 {
		out.failures = append(out.failures, extra...)
		sort.Slice(out.failures, func(i, j int) bool {
			return out.failures[i].IssueID < out.failures[j].IssueID
		})
	}
	return out, nil
}
