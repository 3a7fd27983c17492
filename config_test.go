package feedback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "labels.txt", "# Themen\nVerkehr\n\nUmwelt\nUnklar\nVerkehr\n")
	path := writeFile(t, dir, "feedback.yaml", `
tracker:
  owner: stadt
  repo: beteiligung
  incremental: true
  retry:
    max_attempts: 7
    floor: 2s
vocabulary_file: labels.txt
fallback_label: Unklar
normalize:
  exclude_ids: [12, 13]
  hash_raw_labels: true
  round_starts: [2025-06-01, 2026-01-01]
classifier:
  examples: 5
  pool:
    concurrency: 2
attribution:
  unknown: Unbekannt
  pool:
    rps: 2
server:
  cache_ttl: 30s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "stadt", cfg.Tracker.Owner)
	assert.True(t, cfg.Tracker.Incremental)
	assert.Equal(t, 7, cfg.Tracker.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Tracker.Retry.Floor)
	assert.Equal(t, 30*time.Second, cfg.Tracker.Retry.Ceil, "unset fields keep their default")
	assert.Equal(t, []int64{12, 13}, cfg.Normalize.ExcludeIDs)
	assert.True(t, cfg.Normalize.HashRawLabels)
	assert.Equal(t, "Feedback für die Seite", cfg.Normalize.FormTitlePrefix)
	assert.Equal(t, 5, cfg.Classifier.Examples)
	assert.Equal(t, 2, cfg.Classifier.Pool.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Server.CacheTTL)
	assert.False(t, cfg.BigQuery.Enabled())
	assert.True(t, cfg.Attribution.Enabled)
	assert.Equal(t, "Unbekannt", cfg.Attribution.Unknown)
	assert.Equal(t, 2.0, cfg.Attribution.Pool.RPS)
	assert.Equal(t, 4, cfg.Attribution.Pool.Concurrency)
	assert.Equal(t, cfg.Classifier.Model, cfg.AttributionModel())
	assert.Equal(t, []time.Time{
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, cfg.Normalize.RoundStarts)

	vocab, err := cfg.LoadVocabulary()
	require.NoError(t, err)
	assert.Equal(t, []string{"Verkehr", "Umwelt", "Unklar"}, vocab.Labels())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Tracker.Owner = "o"
		cfg.Tracker.Repo = "r"
		cfg.Vocabulary = []string{"a"}
		return cfg
	}
	base := valid()
	require.NoError(t, base.Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no repo", func(c *Config) { c.Tracker.Repo = "" }, "tracker.owner"},
		{"no vocabulary", func(c *Config) { c.Vocabulary = nil }, "vocabulary"},
		{"both vocabularies", func(c *Config) { c.VocabularyFile = "x.txt" }, "cannot have both"},
		{"no store", func(c *Config) { c.StorePath = "" }, "store_path"},
		{"no concurrency", func(c *Config) { c.Sentiment.Pool.Concurrency = 0 }, "sentiment.pool.concurrency"},
		{"negative rps", func(c *Config) { c.Classifier.Pool.RPS = -1 }, "classifier.pool.rps"},
		{"attribution without concurrency", func(c *Config) { c.Attribution.Pool.Concurrency = 0 }, "attribution.pool.concurrency"},
		{"unordered rounds", func(c *Config) {
			c.Normalize.RoundStarts = []time.Time{testEpoch, testEpoch.Add(-time.Hour)}
		}, "round_starts"},
		{"bigquery without table", func(c *Config) {
			c.BigQuery.Dataset = "ds"
			c.BigQuery.Table = ""
		}, "bigquery.table"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestConfigFallbackOutsideVocabulary(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Vocabulary = []string{"Verkehr"}
	cfg.FallbackLabel = "Unklar"
	_, err := cfg.LoadVocabulary()
	assert.ErrorContains(t, err, "fallback label")
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, dir, "bad.yaml", "tracker: [unterminated"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, dir, "empty.yaml", "tracker:\n  owner: o\n"))
	assert.ErrorContains(t, err, "tracker.owner and tracker.repo are required")
}

func TestVocabulary(t *testing.T) {
	t.Parallel()
	v, err := NewVocabulary([]string{" Verkehr ", "Umwelt", "Verkehr", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"Verkehr", "Umwelt"}, v.Labels())
	assert.True(t, v.Contains("Umwelt"))
	assert.False(t, v.Contains("umwelt"))
	assert.True(t, v.Closed(nil))
	assert.True(t, v.Closed([]string{"Umwelt", "Verkehr"}))
	assert.False(t, v.Closed([]string{"Umwelt", "Wohnen"}))

	_, err = NewVocabulary([]string{" ", ""})
	require.Error(t, err)
}
