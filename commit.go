package feedback

import (
	"context"
	"log/slog"
	"time"
)

// Results holds the enrichment outputs of one run, keyed by issue id.
type Results struct {
	Sentiment     map[int64]float64
	Labels        map[int64][]string
	Organisations map[int64]string
}

func NewResults() *Results {
	return &Results{
		Sentiment:     make(map[int64]float64),
		Labels:        make(map[int64][]string),
		Organisations: make(map[int64]string),
	}
}

type MergeOptions struct {
	Now   time.Time
	Vocab *Vocabulary
	// FullFetch is set when fetched holds every issue of the tracker, so
	// stored ids missing from it can be marked stale.
	FullFetch bool
}

// Merge computes the next snapshot from the prior one, the normalized
// issues fetched this run and the enrichment results. prior is not
// modified.
//
// Stored rows are never dropped. created_at keeps its first value. A
// content hash change clears stored enrichment before results apply, and
// every issue that receives a result has its enrichment_version bumped by
// exactly one.
func Merge(prior *Snapshot, fetched []*Issue, res *Results, opts MergeOptions) *Snapshot {
	if res == nil {
		res = NewResults()
	}
	now := opts.Now.UTC().Truncate(time.Microsecond)

	next := prior.Clone()

	seen := make(map[int64]struct{}, len(fetched))
	for _, iss := range fetched {
		seen[iss.ID] = struct{}{}

		row := iss.Clone()
		row.SentimentScore = nil
		row.AssignedLabels = nil
		row.Organisation = ""
		row.EnrichedAt = nil
		row.EnrichmentVersion = 0
		row.Stale = false

		if prev, ok := next.Issues[iss.ID]; ok {
			if !prev.CreatedAt.Equal(row.CreatedAt) {
				row.CreatedAt = prev.CreatedAt
				row.FeedbackRound = prev.FeedbackRound
			}
			row.EnrichmentVersion = prev.EnrichmentVersion
			if prev.ContentHash == iss.ContentHash {
				row.SentimentScore = prev.SentimentScore
				row.Organisation = prev.Organisation
				row.EnrichedAt = prev.EnrichedAt
				if opts.Vocab == nil || opts.Vocab.Closed(prev.AssignedLabels) {
					row.AssignedLabels = prev.AssignedLabels
				}
			}
		}

		applied := false
		if score, ok := res.Sentiment[iss.ID]; ok {
			score = clampScore(score)
			row.SentimentScore = &score
			applied = true
		}
		if labels, ok := res.Labels[iss.ID]; ok && (opts.Vocab == nil || opts.Vocab.Closed(labels)) {
			row.AssignedLabels = append([]string{}, labels...)
			applied = true
		}
		if org, ok := res.Organisations[iss.ID]; ok && org != "" {
			row.Organisation = org
			applied = true
		}
		if applied {
			row.EnrichmentVersion++
			t := now
			row.EnrichedAt = &t
		}
		next.Issues[iss.ID] = row
	}

	if opts.FullFetch {
		for id, row := range next.Issues {
			if _, ok := seen[id]; !ok {
				row.Stale = true
			}
		}
	}
	return next
}

func clampScore(s float64) float64 {
	switch {
	case s < -1:
		return -1
	case s > 1:
		return 1
	}
	return s
}

// Committer writes merged snapshots to the store.
type Committer struct {
	Log   *slog.Logger
	Store *Store
}

// Commit persists next unless it equals prior. It reports whether the
// snapshot file was rewritten. A cancelled ctx commits nothing.
func (c *Committer) Commit(ctx context.Context, prior, next *Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &MergeError{Err: err}
	}
	if next.Equal(prior) {
		c.Log.Info("snapshot unchanged, skipping write", "issues", len(next.Issues))
		return false, nil
	}
	if err := c.Store.Commit(ctx, next); err != nil {
		return false, err
	}
	c.Log.Info("snapshot committed", "path", c.Store.Path, "issues", len(next.Issues))
	return true, nil
}
