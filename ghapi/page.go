package ghapi

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"
)

// Page returns at most n items from a paginated list. A negative n
// lists every page. An error on any page discards the pages already
// read: callers never see a truncated list.
func Page[T any](
	ctx context.Context,
	get func(context.Context, *github.ListOptions) ([]T, *github.Response, error),
	perPage int,
	n int,
) ([]T, error) {
	var all []T
	if n == 0 {
		return all, nil
	}
	if perPage <= 0 {
		perPage = 100
	}
	opt := &github.ListOptions{PerPage: perPage}
	for {
		items, resp, err := get(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("list page %d: %w", max(opt.Page, 1), err)
		}
		for _, item := range items {
			all = append(all, item)
			if len(all) == n {
				return all, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return all, nil
}

// OnlyTrueIssues drops pull requests, which the issues API also returns.
func OnlyTrueIssues(
	slice []*github.Issue,
) []*github.Issue {
	var result []*github.Issue
	for _, item := range slice {
		if item.IsPullRequest() {
			continue
		}
		result = append(result, item)
	}
	return result
}
