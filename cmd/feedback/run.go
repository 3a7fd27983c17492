package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/coder/feedback"
	"github.com/coder/serpent"
)

func (r *rootCmd) pipeline(ctx context.Context, log *slog.Logger, cfg *feedback.Config) (*feedback.Pipeline, func(), error) {
	vocab, err := cfg.LoadVocabulary()
	if err != nil {
		return nil, nil, fmt.Errorf("vocabulary: %w", err)
	}

	gh, err := r.githubClient(ctx, log, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("github: %w", err)
	}

	oai, err := r.ai(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: %w", err)
	}

	nl, err := r.languageService(ctx)
	if err != nil {
		return nil, nil, err
	}

	runs, err := openRunLog(cfg)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){}
	if runs != nil {
		closers = append(closers, func() { runs.Close() })
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	p := &feedback.Pipeline{
		Log: log,
		Source: &feedback.Fetcher{
			Log:     log.With("component", "fetcher"),
			Client:  gh,
			Owner:   cfg.Tracker.Owner,
			Repo:    cfg.Tracker.Repo,
			Retry:   cfg.Tracker.Retry,
			PerPage: cfg.Tracker.PerPage,
		},
		Normalize: cfg.Normalize,
		Vocab:     vocab,
		Sentiment: &feedback.SentimentEnricher{
			Log: log.With("component", "sentiment"),
			Analyzer: &feedback.NaturalLanguage{
				Service:  nl,
				Language: cfg.Sentiment.Language,
			},
			Pool:      cfg.Sentiment.Pool,
			MaxTokens: cfg.Sentiment.MaxTokens,
		},
		Labels: &feedback.Classifier{
			Log:           log.With("component", "classifier"),
			OpenAI:        oai,
			Model:         cfg.Classifier.Model,
			Vocab:         vocab,
			Instruction:   cfg.Classifier.Instruction,
			FallbackLabel: cfg.FallbackLabel,
			Examples:      cfg.Classifier.Examples,
			MaxTokens:     cfg.Classifier.MaxTokens,
			Pool:          cfg.Classifier.Pool,
		},
		Store:       &feedback.Store{Path: cfg.StorePath},
		Incremental: cfg.Tracker.Incremental,
		Runs:        runs,
	}

	if cfg.Attribution.Enabled {
		p.Organisations = &feedback.Attributor{
			Log:         log.With("component", "attribution"),
			OpenAI:      oai,
			Model:       cfg.AttributionModel(),
			Instruction: cfg.Attribution.Instruction,
			Unknown:     cfg.Attribution.Unknown,
			MaxTokens:   cfg.Attribution.MaxTokens,
			Pool:        cfg.Attribution.Pool,
		}
	}

	if cfg.BigQuery.Enabled() {
		bq, err := r.bigQuery(ctx, cfg)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { bq.Close() })
		p.Publisher = &feedback.BigQueryPublisher{
			Log:      log.With("component", "bigquery"),
			BigQuery: bq,
			Dataset:  cfg.BigQuery.Dataset,
			Table:    cfg.BigQuery.Table,
		}
	}
	return p, closeAll, nil
}

func (r *rootCmd) runCmd() *serpent.Command {
	var full bool
	return &serpent.Command{
		Use:   "run",
		Short: "Fetch, enrich and commit the issue snapshot once",
		Handler: func(inv *serpent.Invocation) error {
			log := newLogger()
			cfg, err := r.config()
			if err != nil {
				return err
			}
			if full {
				cfg.Tracker.Incremental = false
			}

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt)
			defer stop()

			p, closeAll, err := r.pipeline(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			sum, err := p.Run(ctx)
			if sum != nil {
				enc := json.NewEncoder(inv.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(sum)
			}
			return err
		},
		Options: []serpent.Option{
			{
				Flag:        "full",
				Description: "Fetch every issue even when incremental mode is configured.",
				Value:       serpent.BoolOf(&full),
			},
		},
	}
}

func (r *rootCmd) serveCmd() *serpent.Command {
	var bindAddr string
	return &serpent.Command{
		Use:   "serve",
		Short: "Serve the read-only query API over the committed snapshot",
		Handler: func(inv *serpent.Invocation) error {
			log := newLogger()
			cfg, err := r.config()
			if err != nil {
				return err
			}
			if bindAddr == "" {
				bindAddr = cfg.Server.BindAddr
			}
			// support Cloud Run
			if port := os.Getenv("PORT"); port != "" {
				bindAddr = ":" + port
			}

			ctx, cancel := context.WithCancel(inv.Context())
			defer cancel()

			runs, err := openRunLog(cfg)
			if err != nil {
				return err
			}
			if runs != nil {
				defer runs.Close()
			}

			listener, err := net.Listen("tcp", bindAddr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			log.Info("listening", "addr", listener.Addr())

			go func() {
				<-ctx.Done()
				listener.Close()
			}()

			srv := &feedback.Server{
				Log:      log,
				Store:    &feedback.Store{Path: cfg.StorePath},
				Runs:     runs,
				CacheTTL: cfg.Server.CacheTTL,
			}
			srv.Init()

			return http.Serve(listener, srv)
		},
		Options: []serpent.Option{
			{
				Flag:        "bind-addr",
				Description: "Address to bind to. Overrides server.bind_addr.",
				Value:       serpent.StringOf(&bindAddr),
			},
		},
	}
}
