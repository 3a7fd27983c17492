package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/compute/metadata"
	"github.com/beatlabs/github-auth/app"
	appkey "github.com/beatlabs/github-auth/key"
	"github.com/coder/feedback"
	"github.com/coder/feedback/ghapi"
	"github.com/coder/feedback/runlog"
	"github.com/coder/serpent"
	"github.com/google/go-github/v59/github"
	"github.com/jussi-kalliokoski/slogdriver"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/language/v1"
	"google.golang.org/api/option"
)

func newLogger() *slog.Logger {
	gcpProjectID, err := metadata.ProjectID()
	if err != nil {
		logOpts := &tint.Options{
			AddSource:  true,
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen + " 05.999",
		}
		return slog.New(tint.NewHandler(os.Stderr, logOpts))
	}

	return slog.New(
		slogdriver.NewHandler(
			os.Stderr,
			slogdriver.Config{
				ProjectID: gcpProjectID,
				Level:     slog.LevelDebug,
			},
		),
	)
}

type rootCmd struct {
	configPath string

	appPEMFile  string
	appPEMEnv   string
	githubToken string
	openAIKey   string
	googleKey   string
}

func (r *rootCmd) config() (*feedback.Config, error) {
	return feedback.LoadConfig(r.configPath)
}

func (r *rootCmd) appConfig(appID string) (*app.Config, error) {
	var (
		err    error
		appKey *rsa.PrivateKey
	)
	if r.appPEMEnv != "" {
		appKey, err = appkey.Parse([]byte(r.appPEMEnv))
		if err != nil {
			return nil, fmt.Errorf("parse app key: %w", err)
		}
	} else {
		appKey, err = appkey.FromFile(r.appPEMFile)
		if err != nil {
			return nil, fmt.Errorf("load app key: %w", err)
		}
	}

	appConfig, err := app.NewConfig(appID, appKey)
	if err != nil {
		return nil, fmt.Errorf("create app config: %w", err)
	}

	return appConfig, nil
}

// githubClient authenticates as a GitHub App installation when an app key is
// given, with a token otherwise, and anonymously as a last resort.
func (r *rootCmd) githubClient(ctx context.Context, log *slog.Logger, cfg *feedback.Config) (*github.Client, error) {
	switch {
	case r.appPEMEnv != "" || r.appPEMFile != "":
		if cfg.Tracker.AppID == "" {
			return nil, fmt.Errorf("tracker.app_id is required with an app key")
		}
		appConfig, err := r.appConfig(cfg.Tracker.AppID)
		if err != nil {
			return nil, err
		}
		installID := cfg.Tracker.InstallID
		if installID == "" {
			id, err := ghapi.InstallIDForRepo(ctx, appConfig.Client(), cfg.Tracker.Owner, cfg.Tracker.Repo)
			if err != nil {
				return nil, fmt.Errorf("find installation: %w", err)
			}
			installID = strconv.FormatInt(id, 10)
			log.Debug("found installation", "install_id", installID)
		}
		instConfig, err := appConfig.InstallationConfig(installID)
		if err != nil {
			return nil, fmt.Errorf("get installation config: %w", err)
		}
		return github.NewClient(instConfig.Client(ctx)), nil
	case r.githubToken != "":
		return github.NewClient(nil).WithAuthToken(strings.TrimSpace(r.githubToken)), nil
	}
	log.Warn("no GitHub credentials, using anonymous access")
	return github.NewClient(nil), nil
}

func (r *rootCmd) ai(ctx context.Context) (*openai.Client, error) {
	openAIKey := strings.TrimSpace(r.openAIKey)
	if openAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	oai := openai.NewClient(openAIKey)

	// Validate the OpenAI API key.
	_, err := oai.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	return oai, nil
}

// languageService uses GOOGLE_API_KEY when set and application default
// credentials otherwise.
func (r *rootCmd) languageService(ctx context.Context) (*language.Service, error) {
	var opts []option.ClientOption
	if key := strings.TrimSpace(r.googleKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	svc, err := language.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("natural language client: %w", err)
	}
	return svc, nil
}

func (r *rootCmd) bigQuery(ctx context.Context, cfg *feedback.Config) (*bigquery.Client, error) {
	project := cfg.BigQuery.Project
	if project == "" {
		var err error
		project, err = metadata.ProjectID()
		if err != nil {
			return nil, fmt.Errorf("bigquery.project is not set and no GCP project was detected: %w", err)
		}
	}
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return client, nil
}

func main() {
	var root rootCmd
	cmd := &serpent.Command{
		Use:   "feedback",
		Short: "feedback enriches consultation feedback issues with sentiment and labels",
		Children: []*serpent.Command{
			root.runCmd(),
			root.serveCmd(),
			root.runsCmd(),
		},
		Handler: func(inv *serpent.Invocation) error {
			return fmt.Errorf("missing subcommand: run, serve or runs")
		},
		Options: []serpent.Option{
			{
				Flag:          "config",
				FlagShorthand: "c",
				Env:           "FEEDBACK_CONFIG",
				Default:       "feedback.yaml",
				Description:   "Path to the pipeline configuration file.",
				Value:         serpent.StringOf(&root.configPath),
			},
			{
				Flag:        "app-pem-file",
				Description: "Path to the GitHub App PEM file.",
				Value:       serpent.StringOf(&root.appPEMFile),
			},
			// SECRETS: only configurable via environment variables.
			{
				Description: "OpenAI API key.",
				Env:         "OPENAI_API_KEY",
				Value:       serpent.StringOf(&root.openAIKey),
			},
			{
				Env:         "GITHUB_APP_PEM",
				Description: "APP PEM in raw form.",
				Value:       serpent.StringOf(&root.appPEMEnv),
			},
			{
				Env:         "GITHUB_TOKEN",
				Description: "GitHub token, used when no app key is given.",
				Value:       serpent.StringOf(&root.githubToken),
			},
			{
				Env:         "GOOGLE_API_KEY",
				Description: "Cloud Natural Language API key. Application default credentials are used when empty.",
				Value:       serpent.StringOf(&root.googleKey),
			},
		},
	}

	err := cmd.Invoke().WithOS().Run()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func openRunLog(cfg *feedback.Config) (*runlog.Log, error) {
	if cfg.RunLogPath == "" {
		return nil, nil
	}
	return runlog.Open(cfg.RunLogPath)
}
