package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/coder/feedback/ghapi"
	"github.com/google/go-github/v59/github"
)

const trackerService = "tracker"

// Fetcher lists every issue of one tracker repository.
type Fetcher struct {
	Log    *slog.Logger
	Client *github.Client
	Owner  string
	Repo   string
	Retry  RetryPolicy
	// PerPage defaults to 100, the API maximum.
	PerPage int
}

// Fetch returns the issues updated at or after since (all issues when
// since is zero), ordered by ascending id without duplicates. Any page
// failure aborts the fetch with a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, since time.Time) ([]RawIssue, error) {
	log := f.Log.With("repo", f.Owner+"/"+f.Repo)
	issues, err := ghapi.Page(
		ctx,
		func(ctx context.Context, opt *github.ListOptions) ([]*github.Issue, *github.Response, error) {
			var (
				issues []*github.Issue
				resp   *github.Response
			)
			err := f.Retry.Do(ctx, trackerService, func(ctx context.Context) error {
				var err error
				issues, resp, err = f.Client.Issues.ListByRepo(
					ctx,
					f.Owner,
					f.Repo,
					&github.IssueListByRepoOptions{
						State:       "all",
						Sort:        "created",
						Direction:   "asc",
						Since:       since,
						ListOptions: *opt,
					},
				)
				if err != nil {
					err = classifyTrackerError(err)
					if isTransient(err) {
						log.Warn("retrying issue page", "page", opt.Page, "error", err)
					}
				}
				return err
			})
			return ghapi.OnlyTrueIssues(issues), resp, err
		},
		f.PerPage,
		-1,
	)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	byID := make(map[int64]RawIssue, len(issues))
	for _, issue := range issues {
		raw := toRawIssue(issue)
		if prev, ok := byID[raw.ID]; ok && !raw.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		byID[raw.ID] = raw
	}

	out := make([]RawIssue, 0, len(byID))
	for _, raw := range byID {
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	log.Debug("fetched issues", "count", len(out), "since", since)
	return out, nil
}

func toRawIssue(issue *github.Issue) RawIssue {
	var labels []string
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}
	return RawIssue{
		ID:        int64(issue.GetNumber()),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Author:    issue.GetUser().GetLogin(),
		State:     issue.GetState(),
		URL:       issue.GetHTMLURL(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
}

// classifyTrackerError wraps retryable failures in a
// *TransientServiceError and leaves everything else as is.
func classifyTrackerError(err error) error {
	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
		respErr  *github.ErrorResponse
		netErr   net.Error
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return &TransientServiceError{Service: trackerService, Status: http.StatusForbidden, Err: err}
	case errors.As(err, &respErr) && respErr.Response != nil:
		status := respErr.Response.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			return &TransientServiceError{Service: trackerService, Status: status, Err: err}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return fmt.Errorf("authentication failed (status %d): %w", status, err)
		}
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return &TransientServiceError{Service: trackerService, Err: err}
	}
	return err
}
