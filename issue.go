package feedback

import (
	"slices"
	"time"
)

// RawIssue is an issue as returned by the tracker, before normalization.
type RawIssue struct {
	ID        int64
	Title     string
	Body      string
	Author    string
	State     string
	URL       string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issue is one row of the snapshot.
//
// SentimentScore and AssignedLabels are nil until enriched. A non-nil empty
// AssignedLabels means the classifier ran and found no applicable label.
type Issue struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	Author           string    `json:"author"`
	State            string    `json:"state"`
	URL              string    `json:"url"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Page             string    `json:"page"`
	IsFormSubmission bool      `json:"is_form_submission"`
	RawLabels        []string  `json:"raw_labels"`
	ContentHash      string    `json:"content_hash"`
	// FeedbackRound is the consultation round the issue was created in,
	// starting at 1.
	FeedbackRound int `json:"feedback_round"`

	SentimentScore    *float64   `json:"sentiment_score"`
	AssignedLabels    []string   `json:"assigned_labels"`
	// Organisation is empty until attributed. Attribution that finds no
	// organisation stores the configured unknown value instead.
	Organisation      string     `json:"organisation,omitempty"`
	EnrichmentVersion int64      `json:"enrichment_version"`
	EnrichedAt        *time.Time `json:"enriched_at,omitempty"`

	// Stale is set when a full fetch no longer returned the issue.
	Stale bool `json:"stale,omitempty"`
}

func (i *Issue) hasSentiment() bool {
	return i.SentimentScore != nil
}

func (i *Issue) hasLabels() bool {
	return i.AssignedLabels != nil
}

func (i *Issue) hasOrganisation() bool {
	return i.Organisation != ""
}

// Text is the input handed to the analysis services.
func (i *Issue) Text() string {
	if i.Body == "" {
		return i.Title
	}
	if i.Title == "" {
		return i.Body
	}
	return i.Title + "\n\n" + i.Body
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	c := *i
	c.RawLabels = slices.Clone(i.RawLabels)
	if i.AssignedLabels != nil {
		c.AssignedLabels = append([]string{}, i.AssignedLabels...)
	}
	if i.SentimentScore != nil {
		s := *i.SentimentScore
		c.SentimentScore = &s
	}
	if i.EnrichedAt != nil {
		t := *i.EnrichedAt
		c.EnrichedAt = &t
	}
	return &c
}

func equalIssue(a, b *Issue) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Body != b.Body ||
		a.Author != b.Author || a.State != b.State || a.URL != b.URL ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) ||
		a.Page != b.Page || a.IsFormSubmission != b.IsFormSubmission ||
		a.ContentHash != b.ContentHash || a.EnrichmentVersion != b.EnrichmentVersion ||
		a.FeedbackRound != b.FeedbackRound || a.Organisation != b.Organisation ||
		a.Stale != b.Stale {
		return false
	}
	if !slices.Equal(a.RawLabels, b.RawLabels) {
		return false
	}
	if (a.AssignedLabels == nil) != (b.AssignedLabels == nil) ||
		!slices.Equal(a.AssignedLabels, b.AssignedLabels) {
		return false
	}
	if (a.SentimentScore == nil) != (b.SentimentScore == nil) ||
		(a.SentimentScore != nil && *a.SentimentScore != *b.SentimentScore) {
		return false
	}
	if (a.EnrichedAt == nil) != (b.EnrichedAt == nil) ||
		(a.EnrichedAt != nil && !a.EnrichedAt.Equal(*b.EnrichedAt)) {
		return false
	}
	return true
}

// Snapshot is the full committed state, keyed by issue id.
type Snapshot struct {
	Issues map[int64]*Issue
}

func NewSnapshot() *Snapshot {
	return &Snapshot{Issues: make(map[int64]*Issue)}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for id, iss := range s.Issues {
		c.Issues[id] = iss.Clone()
	}
	return c
}

// Sorted returns the issues ordered by ascending id.
func (s *Snapshot) Sorted() []*Issue {
	out := make([]*Issue, 0, len(s.Issues))
	for _, iss := range s.Issues {
		out = append(out, iss)
	}
	slices.SortFunc(out, func(a, b *Issue) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Equal reports whether both snapshots hold identical rows.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if len(s.Issues) != len(o.Issues) {
		return false
	}
	for id, a := range s.Issues {
		b, ok := o.Issues[id]
		if !ok || !equalIssue(a, b) {
			return false
		}
	}
	return true
}
