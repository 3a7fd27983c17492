package feedback

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"
	"time"

	"golang.org/x/exp/maps"
)

// Filter selects issues of a snapshot. The zero Filter matches every
// issue that is not stale.
type Filter struct {
	// Labels must all be assigned.
	Labels []string
	// Pages matches any of the listed pages.
	Pages        []string
	MinSentiment *float64
	MaxSentiment *float64
	// Form restricts to form submissions (true) or manual issues (false).
	Form *bool
	// Organisations and Rounds match any of the listed values.
	Organisations []string
	Rounds        []int
	IncludeStale  bool
}

func (f *Filter) Match(iss *Issue) bool {
	if iss.Stale && !f.IncludeStale {
		return false
	}
	for _, l := range f.Labels {
		if !slices.Contains(iss.AssignedLabels, l) {
			return false
		}
	}
	if len(f.Pages) > 0 && !slices.Contains(f.Pages, iss.Page) {
		return false
	}
	if f.MinSentiment != nil || f.MaxSentiment != nil {
		if !iss.hasSentiment() {
			return false
		}
		if f.MinSentiment != nil && *iss.SentimentScore < *f.MinSentiment {
			return false
		}
		if f.MaxSentiment != nil && *iss.SentimentScore > *f.MaxSentiment {
			return false
		}
	}
	if f.Form != nil && iss.IsFormSubmission != *f.Form {
		return false
	}
	if len(f.Organisations) > 0 && !slices.Contains(f.Organisations, iss.Organisation) {
		return false
	}
	if len(f.Rounds) > 0 && !slices.Contains(f.Rounds, iss.FeedbackRound) {
		return false
	}
	return true
}

// Select returns the matching issues by ascending id.
func (s *Snapshot) Select(f Filter) []*Issue {
	var out []*Issue
	for _, iss := range s.Sorted() {
		if f.Match(iss) {
			out = append(out, iss)
		}
	}
	return out
}

// Sample returns up to n issues chosen uniformly at random, by ascending
// id.
func Sample(issues []*Issue, n int, rng *rand.Rand) []*Issue {
	if n >= len(issues) {
		return slices.Clone(issues)
	}
	if n <= 0 {
		return nil
	}
	idx := rng.Perm(len(issues))[:n]
	sort.Ints(idx)
	out := make([]*Issue, 0, n)
	for _, i := range idx {
		out = append(out, issues[i])
	}
	return out
}

// Bucket is the width of a time bucket in Stats.
type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(s); b {
	case BucketDay, BucketWeek, BucketMonth:
		return b, nil
	case "":
		return BucketDay, nil
	}
	return "", fmt.Errorf("unknown bucket %q, want day, week or month", s)
}

// Start truncates t (in UTC) to the start of its bucket. Weeks start on
// Monday.
func (b Bucket) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch b {
	case BucketWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type BucketCount struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Stats aggregates a set of issues for the display layer.
type Stats struct {
	Total           int `json:"total"`
	Form            int `json:"form"`
	Manual          int `json:"manual"`
	DistinctAuthors int `json:"distinct_authors"`
	Unclassified    int `json:"unclassified"`
	Unattributed    int `json:"unattributed"`
	Scored          int `json:"scored"`
	// MeanSentiment is nil when no issue is scored.
	MeanSentiment *float64 `json:"mean_sentiment"`
	Labels        []Count  `json:"labels"`
	Pages         []Count  `json:"pages"`
	Organisations []Count  `json:"organisations"`
	// Rounds is ordered by round.
	Rounds  []Count       `json:"rounds"`
	Created []BucketCount `json:"created"`
}

// Aggregate counts issues by label, page, organisation, round and creation
// bucket. Label, page and organisation counts are ordered by descending
// count, then key.
func Aggregate(issues []*Issue, bucket Bucket) *Stats {
	var (
		st      = &Stats{}
		labels  = make(map[string]int)
		pages   = make(map[string]int)
		orgs    = make(map[string]int)
		rounds  = make(map[int]int)
		created = make(map[time.Time]int)
		authors = make(map[string]struct{})
		sum     float64
	)
	for _, iss := range issues {
		st.Total++
		if iss.IsFormSubmission {
			st.Form++
		} else {
			st.Manual++
		}
		if iss.Author != "" {
			authors[iss.Author] = struct{}{}
		}
		if iss.hasSentiment() {
			st.Scored++
			sum += *iss.SentimentScore
		}
		if !iss.hasLabels() {
			st.Unclassified++
		}
		for _, l := range iss.AssignedLabels {
			labels[l]++
		}
		if iss.hasOrganisation() {
			orgs[iss.Organisation]++
		} else {
			st.Unattributed++
		}
		pages[iss.Page]++
		rounds[iss.FeedbackRound]++
		created[bucket.Start(iss.CreatedAt)]++
	}
	st.DistinctAuthors = len(authors)
	if st.Scored > 0 {
		mean := sum / float64(st.Scored)
		st.MeanSentiment = &mean
	}
	st.Labels = sortedCounts(labels)
	st.Pages = sortedCounts(pages)
	st.Organisations = sortedCounts(orgs)

	roundKeys := maps.Keys(rounds)
	slices.Sort(roundKeys)
	st.Rounds = make([]Count, 0, len(roundKeys))
	for _, r := range roundKeys {
		st.Rounds = append(st.Rounds, Count{Key: strconv.Itoa(r), Count: rounds[r]})
	}

	starts := maps.Keys(created)
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	st.Created = make([]BucketCount, 0, len(starts))
	for _, s := range starts {
		st.Created = append(st.Created, BucketCount{Start: s, Count: created[s]})
	}
	return st
}

func sortedCounts(m map[string]int) []Count {
	keys := maps.Keys(m)
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make([]Count, 0, len(keys))
	for _, k := range keys {
		out = append(out, Count{Key: k, Count: m[k]})
	}
	return out
}
