package feedback

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVocab(t *testing.T, labels ...string) *Vocabulary {
	t.Helper()
	if len(labels) == 0 {
		labels = []string{"Verkehr", "Umwelt", "Wohnen", "Unklar"}
	}
	v, err := NewVocabulary(labels)
	require.NoError(t, err)
	return v
}

// fastRetry retries quickly so tests do not sleep.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Floor:       time.Millisecond,
		Ceil:        2 * time.Millisecond,
		CallTimeout: 5 * time.Second,
	}
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rawIssue(id int64, title, body string) RawIssue {
	return RawIssue{
		ID:        id,
		Title:     title,
		Body:      body,
		Author:    "user" + string(rune('a'+id%26)),
		State:     "open",
		URL:       "https://github.com/o/r/issues/1",
		CreatedAt: testEpoch.Add(time.Duration(id) * time.Hour),
		UpdatedAt: testEpoch.Add(time.Duration(id) * time.Hour),
	}
}

func normalized(t *testing.T, raw RawIssue) *Issue {
	t.Helper()
	cfg := DefaultNormalizeConfig()
	iss, ok := cfg.Normalize(raw)
	require.True(t, ok, "issue %d excluded", raw.ID)
	return iss
}

func ptr[T any](v T) *T {
	return &v
}
