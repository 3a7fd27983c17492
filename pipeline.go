package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/feedback/runlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// IssueSource lists tracker issues. *Fetcher implements it.
type IssueSource interface {
	Fetch(ctx context.Context, since time.Time) ([]RawIssue, error)
}

// SentimentSource and LabelSource are implemented by *SentimentEnricher
// and *Classifier.
type SentimentSource interface {
	Enrich(ctx context.Context, issues []*Issue) (map[int64]float64, []ItemFailure, error)
}

type LabelSource interface {
	Enrich(ctx context.Context, issues []*Issue, stored *Snapshot) (map[int64][]string, []ItemFailure, error)
}

// OrganisationSource is implemented by *Attributor.
type OrganisationSource interface {
	Enrich(ctx context.Context, issues []*Issue) (map[int64]string, []ItemFailure, error)
}

// Pipeline performs one incremental enrichment run.
type Pipeline struct {
	Log       *slog.Logger
	Source    IssueSource
	Normalize NormalizeConfig
	Vocab     *Vocabulary
	Sentiment SentimentSource
	Labels    LabelSource
	Store     *Store

	// Organisations attributes issues to organisations. Optional.
	Organisations OrganisationSource

	// Incremental fetches only issues updated since the cursor of the
	// last successful run. Requires Runs.
	Incremental bool
	// Runs records run history. Optional.
	Runs *runlog.Log
	// Publisher receives the committed snapshot. Optional.
	Publisher Publisher

	// Now defaults to time.Now.
	Now func() time.Time
}

// RunSummary describes the outcome of a run.
type RunSummary struct {
	RunID            string        `json:"run_id"`
	Fetched          int           `json:"fetched"`
	Excluded         int           `json:"excluded"`
	Pending          int           `json:"pending"`
	SentimentScored  int           `json:"sentiment_scored"`
	LabelsAssigned   int           `json:"labels_assigned"`
	OrgsAttributed   int           `json:"organisations_attributed"`
	Failures         []ItemFailure `json:"failures,omitempty"`
	Committed        bool          `json:"committed"`
	SnapshotIssues   int           `json:"snapshot_issues"`
	Duration         time.Duration `json:"duration"`
	IncrementalSince time.Time     `json:"incremental_since,omitempty"`
	// Cursor is the newest updated_at seen by this run.
	Cursor time.Time `json:"cursor"`
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run fetches, diffs, enriches and commits. On any returned error the
// committed snapshot is unchanged.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := p.now()
	sum := &RunSummary{RunID: uuid.NewString()}
	log := p.Log.With("run", sum.RunID)

	err := p.run(ctx, log, sum)
	sum.Duration = p.now().Sub(start)
	p.record(log, start, sum, err)
	if err != nil {
		log.Error("run failed", "error", err)
		return sum, err
	}
	log.Info("run finished",
		"fetched", sum.Fetched,
		"pending", sum.Pending,
		"sentiment_scored", sum.SentimentScored,
		"labels_assigned", sum.LabelsAssigned,
		"organisations_attributed", sum.OrgsAttributed,
		"failures", len(sum.Failures),
		"committed", sum.Committed,
		"took", sum.Duration.Truncate(time.Millisecond),
	)
	return sum, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, sum *RunSummary) error {
	prior, err := p.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	log.Debug("loaded snapshot", "issues", len(prior.Issues))

	var since time.Time
	if p.Incremental && p.Runs != nil && len(prior.Issues) > 0 {
		last, err := p.Runs.LastSuccessful(ctx)
		if err != nil {
			return fmt.Errorf("read run log: %w", err)
		}
		if last != nil {
			since = last.Cursor
		}
	}
	sum.IncrementalSince = since

	raws, err := p.Source.Fetch(ctx, since)
	if err != nil {
		return err
	}
	sum.Fetched = len(raws)
	sum.Cursor = since
	for _, raw := range raws {
		if raw.UpdatedAt.After(sum.Cursor) {
			sum.Cursor = raw.UpdatedAt.UTC()
		}
	}

	fetched := make([]*Issue, 0, len(raws))
	for _, raw := range raws {
		iss, ok := p.Normalize.Normalize(raw)
		if !ok {
			sum.Excluded++
			continue
		}
		fetched = append(fetched, iss)
	}

	gate := GateOptions{Vocab: p.Vocab, Attribution: p.Organisations != nil}
	if !since.IsZero() {
		fetched = withUnenriched(fetched, prior, gate)
	}

	pending := Gate(fetched, prior, gate)
	sum.Pending = len(pending)
	log.Info("gatekeeper done", "fetched", len(fetched), "excluded", sum.Excluded, "pending", len(pending))

	res, failures, err := p.enrich(ctx, pending, prior)
	if err != nil {
		return err
	}
	sum.SentimentScored = len(res.Sentiment)
	sum.LabelsAssigned = len(res.Labels)
	sum.OrgsAttributed = len(res.Organisations)
	sum.Failures = failures

	next := Merge(prior, fetched, res, MergeOptions{
		Now:       p.now(),
		Vocab:     p.Vocab,
		FullFetch: since.IsZero(),
	})
	sum.SnapshotIssues = len(next.Issues)

	committer := &Committer{Log: log, Store: p.Store}
	sum.Committed, err = committer.Commit(ctx, prior, next)
	if err != nil {
		return err
	}

	if sum.Committed && p.Publisher != nil {
		// The snapshot is committed: a failed export only loses the copy.
		if err := p.Publisher.Publish(ctx, p.Store.Path); err != nil {
			log.Error("publish snapshot", "error", err)
		}
	}
	return nil
}

// enrich runs the enrichers concurrently. Results stay in memory until
// Merge; a systemic failure of either enricher fails the run.
func (p *Pipeline) enrich(ctx context.Context, pending []Pending, prior *Snapshot) (*Results, []ItemFailure, error) {
	res := NewResults()
	var sentimentIssues, labelIssues, orgIssues []*Issue
	for _, pd := range pending {
		if pd.Sentiment {
			sentimentIssues = append(sentimentIssues, pd.Issue)
		}
		if pd.Labels {
			labelIssues = append(labelIssues, pd.Issue)
		}
		if pd.Organisation && p.Organisations != nil {
			orgIssues = append(orgIssues, pd.Issue)
		}
	}

	var sentimentFailures, labelFailures, orgFailures []ItemFailure
	eg, egCtx := errgroup.WithContext(ctx)
	if len(sentimentIssues) > 0 {
		eg.Go(func() error {
			var err error
			res.Sentiment, sentimentFailures, err = p.Sentiment.Enrich(egCtx, sentimentIssues)
			return err
		})
	}
	if len(labelIssues) > 0 {
		eg.Go(func() error {
			var err error
			res.Labels, labelFailures, err = p.Labels.Enrich(egCtx, labelIssues, prior)
			return err
		})
	}
	if len(orgIssues) > 0 {
		eg.Go(func() error {
			var err error
			res.Organisations, orgFailures, err = p.Organisations.Enrich(egCtx, orgIssues)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if res.Sentiment == nil {
		res.Sentiment = make(map[int64]float64)
	}
	if res.Labels == nil {
		res.Labels = make(map[int64][]string)
	}
	if res.Organisations == nil {
		res.Organisations = make(map[int64]string)
	}
	failures := append(sentimentFailures, labelFailures...)
	return res, append(failures, orgFailures...), nil
}

func (p *Pipeline) record(log *slog.Logger, start time.Time, sum *RunSummary, runErr error) {
	if p.Runs == nil {
		return
	}
	r := &runlog.Run{
		ID:              sum.RunID,
		StartedAt:       start,
		FinishedAt:      start.Add(sum.Duration),
		Status:          runlog.StatusSucceeded,
		Fetched:         sum.Fetched,
		Pending:         sum.Pending,
		SentimentScored: sum.SentimentScored,
		LabelsAssigned:  sum.LabelsAssigned,
		OrgsAttributed:  sum.OrgsAttributed,
		Failures:        len(sum.Failures),
		Committed:       sum.Committed,
	}
	if runErr != nil {
		r.Status = runlog.StatusFailed
		r.Error = runErr.Error()
	} else {
		r.Cursor = sum.Cursor
	}
	// Recording must not depend on the run's context, which may be the
	// reason the run failed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Runs.Record(ctx, r); err != nil {
		log.Error("record run", "error", err)
	}
}

// withUnenriched adds stored issues that still miss enrichment but were
// not returned by an incremental fetch, so they stay pending even after
// the cursor moved past them. Stale issues are gone from the tracker and
// are left alone.
func withUnenriched(fetched []*Issue, prior *Snapshot, gate GateOptions) []*Issue {
	seen := make(map[int64]struct{}, len(fetched))
	for _, iss := range fetched {
		seen[iss.ID] = struct{}{}
	}
	for _, iss := range prior.Sorted() {
		if _, ok := seen[iss.ID]; ok || iss.Stale {
			continue
		}
		if gate.needs(iss).any() {
			fetched = append(fetched, iss.Clone())
		}
	}
	return fetched
}
