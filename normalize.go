package feedback

import (
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// NormalizeConfig controls text cleaning, form detection and exclusion.
type NormalizeConfig struct {
	// FormTitlePrefix starts the title of every issue created through the
	// website feedback form, followed by the page path.
	FormTitlePrefix string `yaml:"form_title_prefix"`
	// Boilerplate literals are removed from titles and bodies.
	Boilerplate []string `yaml:"boilerplate"`
	// ManualPage is the page of issues opened directly on the tracker.
	ManualPage string `yaml:"manual_page"`

	ExcludeIDs    []int64  `yaml:"exclude_ids"`
	ExcludeBodies []string `yaml:"exclude_bodies"`
	ExcludePages  []string `yaml:"exclude_pages"`

	// RoundStarts are the ascending start times of the consultation rounds
	// after the first. An issue created before the first start belongs to
	// round 1.
	RoundStarts []time.Time `yaml:"round_starts"`

	// HashRawLabels folds tracker labels into the content hash, so that a
	// label change alone triggers re-enrichment.
	HashRawLabels bool `yaml:"hash_raw_labels"`
}

func DefaultNormalizeConfig() NormalizeConfig {
	return NormalizeConfig{
		FormTitlePrefix: "Feedback für die Seite",
		Boilerplate:     []string{"**Feedback:** <br>"},
		ManualPage:      "Via OpenCode",
		ExcludeBodies:   []string{"", "test", "Test"},
		RoundStarts:     []time.Time{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTagRe     = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)
)

func (c *NormalizeConfig) cleanOnce(s string) string {
	for _, b := range c.Boilerplate {
		if b != "" {
			s = strings.ReplaceAll(s, b, " ")
		}
	}
	s = htmlCommentRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// CleanText strips boilerplate and markup and collapses whitespace.
// It is applied until the output stops changing, so
// CleanText(CleanText(s)) == CleanText(s).
func (c *NormalizeConfig) CleanText(s string) string {
	for {
		next := c.cleanOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

// DetectForm reports whether the raw title matches the submission form
// template and returns the page path it names.
//
// Only a title made of the form prefix followed by a path starting with
// "/" counts as a form submission. A bare prefix, a prefix followed by
// anything else, or no prefix at all are treated as manual issues: when in
// doubt the answer is false.
func (c *NormalizeConfig) DetectForm(rawTitle string) (page string, ok bool) {
	if c.FormTitlePrefix == "" {
		return "", false
	}
	title := strings.TrimSpace(rawTitle)
	rest, found := strings.CutPrefix(title, c.FormTitlePrefix)
	if !found {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return cleanPage(rest), true
}

func cleanPage(p string) string {
	if p == "/" {
		return "home"
	}
	return strings.TrimSuffix(p, "/")
}

// Round returns the feedback round of an issue created at t.
func (c *NormalizeConfig) Round(t time.Time) int {
	round := 1
	for _, start := range c.RoundStarts {
		if t.Before(start) {
			break
		}
		round++
	}
	return round
}

// ContentHash hashes the fields whose change invalidates enrichment:
// title and body, plus the sorted raw labels when HashRawLabels is set.
func (c *NormalizeConfig) ContentHash(title, body string, rawLabels []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteByte(0)
	sb.WriteString(body)
	if c.HashRawLabels {
		sb.WriteByte(0)
		sb.WriteString(strings.Join(rawLabels, "\x1f"))
	}
	sum := xxh3.HashString128(sb.String()).Bytes()
	return hex.EncodeToString(sum[:])
}

// Normalize turns a raw tracker issue into snapshot fields. Enrichment
// fields are left empty. ok is false when the issue is excluded.
func (c *NormalizeConfig) Normalize(raw RawIssue) (iss *Issue, ok bool) {
	if slices.Contains(c.ExcludeIDs, raw.ID) {
		return nil, false
	}

	page, isForm := c.DetectForm(raw.Title)
	if !isForm {
		page = c.ManualPage
	}
	if slices.Contains(c.ExcludePages, page) {
		return nil, false
	}

	body := c.CleanText(raw.Body)
	if slices.Contains(c.ExcludeBodies, body) {
		return nil, false
	}
	title := c.CleanText(raw.Title)

	labels := normalizeLabels(raw.Labels)
	created := raw.CreatedAt.UTC().Truncate(time.Microsecond)

	return &Issue{
		ID:               raw.ID,
		Title:            title,
		Body:             body,
		Author:           raw.Author,
		State:            raw.State,
		URL:              raw.URL,
		CreatedAt:        created,
		UpdatedAt:        raw.UpdatedAt.UTC().Truncate(time.Microsecond),
		Page:             page,
		IsFormSubmission: isForm,
		RawLabels:        labels,
		ContentHash:      c.ContentHash(title, body, labels),
		FeedbackRound:    c.Round(created),
	}, true
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
