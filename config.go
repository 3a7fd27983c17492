package feedback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"
)

// Config is the pipeline configuration file.
type Config struct {
	Tracker TrackerConfig `yaml:"tracker"`

	// Vocabulary lists the labels inline. VocabularyFile loads them from a
	// file instead; exactly one of the two must be set.
	Vocabulary     []string `yaml:"vocabulary"`
	VocabularyFile string   `yaml:"vocabulary_file"`
	FallbackLabel  string   `yaml:"fallback_label"`

	Normalize  NormalizeConfig  `yaml:"normalize"`
	Sentiment  SentimentConfig  `yaml:"sentiment"`
	Classifier ClassifierConfig `yaml:"classifier"`
	// Attribution assigns each issue to the organisation behind it.
	Attribution AttributionConfig `yaml:"attribution"`

	// StorePath is the committed Parquet snapshot.
	StorePath string `yaml:"store_path"`
	// RunLogPath is the SQLite run history.
	RunLogPath string `yaml:"run_log_path"`

	BigQuery BigQueryConfig `yaml:"bigquery"`
	Server   ServerConfig   `yaml:"server"`

	dir string
}

type TrackerConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// InstallID is the GitHub App installation. Looked up from the repo
	// when empty.
	InstallID   string      `yaml:"install_id"`
	AppID       string      `yaml:"app_id"`
	Incremental bool        `yaml:"incremental"`
	PerPage     int         `yaml:"per_page"`
	Retry       RetryPolicy `yaml:"retry"`
}

type SentimentConfig struct {
	Language  string     `yaml:"language"`
	MaxTokens int        `yaml:"max_tokens"`
	Pool      PoolConfig `yaml:"pool"`
}

type ClassifierConfig struct {
	Model       string     `yaml:"model"`
	Instruction string     `yaml:"instruction"`
	Examples    int        `yaml:"examples"`
	MaxTokens   int        `yaml:"max_tokens"`
	Pool        PoolConfig `yaml:"pool"`
}

type AttributionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Model defaults to the classifier model.
	Model       string     `yaml:"model"`
	Instruction string     `yaml:"instruction"`
	Unknown     string     `yaml:"unknown"`
	MaxTokens   int        `yaml:"max_tokens"`
	Pool        PoolConfig `yaml:"pool"`
}

// BigQueryConfig enables the publisher when Dataset is set.
type BigQueryConfig struct {
	Project string `yaml:"project"`
	Dataset string `yaml:"dataset"`
	Table   string `yaml:"table"`
}

func (c BigQueryConfig) Enabled() bool {
	return c.Dataset != ""
}

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// CacheTTL is how long a loaded snapshot is served before the file is
	// read again.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Tracker: TrackerConfig{
			PerPage: 100,
			Retry:   DefaultRetryPolicy(),
		},
		Normalize: DefaultNormalizeConfig(),
		Sentiment: SentimentConfig{
			Language:  "de",
			MaxTokens: 4000,
			Pool: PoolConfig{
				Concurrency: 4,
				RPS:         10,
				Retry:       DefaultRetryPolicy(),
			},
		},
		Classifier: ClassifierConfig{
			Model:     openai.GPT4TurboPreview,
			Examples:  20,
			MaxTokens: 2000,
			Pool: PoolConfig{
				Concurrency: 4,
				RPS:         5,
				Retry:       DefaultRetryPolicy(),
			},
		},
		Attribution: AttributionConfig{
			Enabled:   true,
			Unknown:   DefaultUnknownOrganisation,
			MaxTokens: 2000,
			Pool: PoolConfig{
				Concurrency: 4,
				RPS:         5,
				Retry:       DefaultRetryPolicy(),
			},
		},
		StorePath:  "issues.parquet",
		RunLogPath: "runs.db",
		BigQuery: BigQueryConfig{
			Table: "issues",
		},
		Server: ServerConfig{
			BindAddr: "localhost:8080",
			CacheTTL: time.Minute,
		},
	}
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Tracker.Owner == "" || c.Tracker.Repo == "" {
		errs = append(errs, errors.New("tracker.owner and tracker.repo are required"))
	}
	switch {
	case len(c.Vocabulary) == 0 && c.VocabularyFile == "":
		errs = append(errs, errors.New("vocabulary or vocabulary_file is required"))
	case len(c.Vocabulary) > 0 && c.VocabularyFile != "":
		errs = append(errs, errors.New("cannot have both vocabulary and vocabulary_file"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if c.Classifier.Model == "" {
		errs = append(errs, errors.New("classifier.model is required"))
	}
	if c.Classifier.Examples < 0 {
		errs = append(errs, errors.New("classifier.examples must not be negative"))
	}
	pools := map[string]PoolConfig{
		"sentiment.pool":  c.Sentiment.Pool,
		"classifier.pool": c.Classifier.Pool,
	}
	if c.Attribution.Enabled {
		pools["attribution.pool"] = c.Attribution.Pool
	}
	for name, p := range pools {
		if p.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("%s.concurrency must be at least 1", name))
		}
		if p.RPS < 0 {
			errs = append(errs, fmt.Errorf("%s.rps must not be negative", name))
		}
	}
	if !slices.IsSortedFunc(c.Normalize.RoundStarts, func(a, b time.Time) int { return a.Compare(b) }) {
		errs = append(errs, errors.New("normalize.round_starts must be ascending"))
	}
	if c.BigQuery.Enabled() && c.BigQuery.Table == "" {
		errs = append(errs, errors.New("bigquery.table is required with bigquery.dataset"))
	}
	return errors.Join(errs...)
}

// LoadVocabulary builds the vocabulary and checks the fallback label
// belongs to it.
func (c *Config) LoadVocabulary() (*Vocabulary, error) {
	var (
		vocab *Vocabulary
		err   error
	)
	if c.VocabularyFile != "" {
		path := c.VocabularyFile
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		vocab, err = LoadVocabularyFile(path)
	} else {
		vocab, err = NewVocabulary(c.Vocabulary)
	}
	if err != nil {
		return nil, err
	}
	if c.FallbackLabel != "" && !vocab.Contains(c.FallbackLabel) {
		return nil, fmt.Errorf("fallback label %q is not in the vocabulary", c.FallbackLabel)
	}
	return vocab, nil
}

// AttributionModel is the model used for attribution.
func (c *Config) AttributionModel() string {
	if c.Attribution.Model != "" {
		return c.Attribution.Model
	}
	return c.Classifier.Model
}
