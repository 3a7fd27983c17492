package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/language/v1"
)

const sentimentService = "sentiment"

// SentimentAnalyzer scores text in [-1, 1].
type SentimentAnalyzer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// NaturalLanguage scores text with the Cloud Natural Language API.
type NaturalLanguage struct {
	Service *language.Service
	// Language is an optional ISO-639-1 hint, e.g. "de".
	Language string
}

func (n *NaturalLanguage) Score(ctx context.Context, text string) (float64, error) {
	resp, err := n.Service.Documents.AnalyzeSentiment(&language.AnalyzeSentimentRequest{
		Document: &language.Document{
			Content:  text,
			Type:     "PLAIN_TEXT",
			Language: n.Language,
		},
		EncodingType: "UTF8",
	}).Context(ctx).Do()
	if err != nil {
		return 0, classifyGoogleError(sentimentService, err)
	}
	if resp.DocumentSentiment == nil {
		return 0, &MalformedResponseError{Service: sentimentService, Reason: "no document sentiment"}
	}
	return resp.DocumentSentiment.Score, nil
}

// classifyGoogleError maps Google API failures onto the error taxonomy.
func classifyGoogleError(service string, err error) error {
	var (
		apiErr *googleapi.Error
		netErr net.Error
	)
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &TransientServiceError{Service: service, Status: apiErr.Code, Err: err}
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return &SystemicError{Service: service, Err: err}
		case apiErr.Code == http.StatusBadRequest:
			return &InvalidInputError{Service: service, Err: err}
		}
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return &TransientServiceError{Service: service, Err: err}
	}
	return err
}

// SentimentEnricher scores pending issues.
type SentimentEnricher struct {
	Log      *slog.Logger
	Analyzer SentimentAnalyzer
	Pool     PoolConfig
	// MaxTokens truncates the submitted text. Zero submits it whole.
	MaxTokens int
}

// Enrich returns a score for every issue that could be scored. Transient
// errors and rejected input are retried under the pool's policy; issues
// that exhausted their retries are returned as failures. A systemic error
// aborts the whole batch.
func (e *SentimentEnricher) Enrich(ctx context.Context, issues []*Issue) (map[int64]float64, []ItemFailure, error) {
	pool := e.Pool
	if pool.Retry.Retryable == nil {
		pool.Retry.Retryable = func(err error) bool {
			return isTransient(err) || isInvalidInput(err)
		}
	}
	out, err := enrichUnique(ctx, e.Log, sentimentService, pool, issues,
		byContentHash,
		func(ctx context.Context, iss *Issue) (float64, error) {
			text := truncateTokens(iss.Text(), e.MaxTokens)
			if text == "" {
				return 0, nil
			}
			score, err := e.Analyzer.Score(ctx, text)
			if err != nil {
				return 0, err
			}
			if math.IsNaN(score) {
				return 0, &MalformedResponseError{Service: sentimentService, Reason: "score is NaN"}
			}
			return clampScore(score), nil
		},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sentiment: %w", err)
	}
	return out.results, out.failures, nil
}
