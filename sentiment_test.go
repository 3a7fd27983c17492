package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/language/v1"
	"google.golang.org/api/option"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	texts  []string
	scores map[string]float64
	errs   map[string]error
}

func (f *fakeAnalyzer) Score(ctx context.Context, text string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if err, ok := f.errs[text]; ok {
		return 0, err
	}
	return f.scores[text], nil
}

func (f *fakeAnalyzer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func newNaturalLanguage(t *testing.T, h http.HandlerFunc) *NaturalLanguage {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	svc, err := language.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return &NaturalLanguage{Service: svc, Language: "de"}
}

func TestNaturalLanguageScore(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		nl := newNaturalLanguage(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/documents:analyzeSentiment", r.URL.Path)
			var req language.AnalyzeSentimentRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "PLAIN_TEXT", req.Document.Type)
			assert.Equal(t, "de", req.Document.Language)
			assert.Equal(t, "Schöne Idee", req.Document.Content)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"documentSentiment":{"score":0.7,"magnitude":0.9},"language":"de"}`))
		})
		score, err := nl.Score(context.Background(), "Schöne Idee")
		require.NoError(t, err)
		assert.InDelta(t, 0.7, score, 1e-9)
	})

	for _, tc := range []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.True(t, isTransient(err))
		}},
		{"server error", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			assert.True(t, isTransient(err))
		}},
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.True(t, isSystemic(err))
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			assert.True(t, isSystemic(err))
		}},
		{"invalid argument", http.StatusBadRequest, func(t *testing.T, err error) {
			assert.True(t, isInvalidInput(err))
			assert.False(t, isTransient(err))
			assert.False(t, isSystemic(err))
			assert.ErrorContains(t, err, "invalid argument")
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			nl := newNaturalLanguage(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, tc.status)
			})
			_, err := nl.Score(context.Background(), "text")
			require.Error(t, err)
			tc.check(t, err)
		})
	}

	t.Run("missing sentiment", func(t *testing.T) {
		t.Parallel()
		nl := newNaturalLanguage(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"language":"de"}`))
		})
		_, err := nl.Score(context.Background(), "text")
		var malformed *MalformedResponseError
		require.ErrorAs(t, err, &malformed)
	})
}

func TestSentimentEnricher(t *testing.T) {
	t.Parallel()

	issues := []*Issue{
		normalized(t, rawIssue(1, "Toll", "Super Sache")),
		normalized(t, rawIssue(2, "Schlecht", "Gefällt mir nicht")),
		normalized(t, rawIssue(3, "Toll", "Super Sache")),
		normalized(t, rawIssue(4, "Kaputt", "Ungültig")),
		normalized(t, rawIssue(5, "Extrem", "Übertrieben")),
	}
	issues = append(issues, &Issue{ID: 6, ContentHash: "empty"})

	fa := &fakeAnalyzer{
		scores: map[string]float64{
			"Toll\n\nSuper Sache":           0.9,
			"Schlecht\n\nGefällt mir nicht": -0.6,
			"Extrem\n\nÜbertrieben":         1.5,
		},
		errs: map[string]error{
			"Kaputt\n\nUngültig": &InvalidInputError{Service: sentimentService, Err: errors.New("unsupported language")},
		},
	}
	e := &SentimentEnricher{
		Log:      testLogger(),
		Analyzer: fa,
		Pool:     PoolConfig{Concurrency: 2, Retry: fastRetry(3)},
	}

	scores, failures, err := e.Enrich(context.Background(), issues)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 0.9, 2: -0.6, 3: 0.9, 5: 1, 6: 0}, scores)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(4), failures[0].IssueID)
	assert.Equal(t, sentimentService, failures[0].Service)
	// 1 and 3 share a content hash; 6 is empty and never sent; 4 is
	// rejected on all three attempts.
	assert.Equal(t, 6, fa.calls())
	for _, s := range scores {
		assert.False(t, math.IsNaN(s))
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestSentimentEnricherSystemic(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	e := &SentimentEnricher{
		Log: testLogger(),
		Analyzer: analyzerFunc(func(ctx context.Context, text string) (float64, error) {
			calls.Add(1)
			return 0, &SystemicError{Service: sentimentService, Err: errors.New("401 unauthorized")}
		}),
		Pool: PoolConfig{Concurrency: 1, Retry: fastRetry(3)},
	}
	_, _, err := e.Enrich(context.Background(), testIssues(t, 5))
	var sysErr *SystemicError
	require.ErrorAs(t, err, &sysErr)
	assert.Equal(t, int32(1), calls.Load())
}

type analyzerFunc func(ctx context.Context, text string) (float64, error)

func (f analyzerFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}
