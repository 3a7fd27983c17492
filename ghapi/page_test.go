package ghapi

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pages serves items in pages of size perPage.
func pages(items []int, failOn int) func(context.Context, *github.ListOptions) ([]int, *github.Response, error) {
	return func(ctx context.Context, opt *github.ListOptions) ([]int, *github.Response, error) {
		page := max(opt.Page, 1)
		if page == failOn {
			return nil, nil, errors.New("boom")
		}
		start := (page - 1) * opt.PerPage
		end := min(start+opt.PerPage, len(items))
		resp := &github.Response{}
		if end < len(items) {
			resp.NextPage = page + 1
		}
		return items[start:end], resp, nil
	}
}

func TestPage(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3, 4, 5, 6, 7}

	got, err := Page(context.Background(), pages(items, 0), 3, -1)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	got, err = Page(context.Background(), pages(items, 0), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, got)

	got, err = Page(context.Background(), pages(items, 0), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Page(context.Background(), pages(items, 2), 3, -1)
	require.Error(t, err)
	assert.Nil(t, got, "no partial result")
}

func TestOnlyTrueIssues(t *testing.T) {
	t.Parallel()
	issues := []*github.Issue{
		{Number: github.Int(1)},
		{Number: github.Int(2), PullRequestLinks: &github.PullRequestLinks{URL: github.String("u")}},
		{Number: github.Int(3)},
	}
	got := OnlyTrueIssues(issues)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[1].GetNumber())
}
