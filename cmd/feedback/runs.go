package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/coder/feedback"
	"github.com/coder/feedback/runlog"
	"github.com/coder/serpent"
)

type KV[Key any, Value any] struct {
	Key   Key
	Value Value
}

func (kv KV[Key, Value]) String() string {
	return fmt.Sprintf("%v: %v", kv.Key, kv.Value)
}

func topN(counts []feedback.Count, n int) []KV[string, int] {
	kvs := make([]KV[string, int], 0, len(counts))
	for _, c := range counts {
		kvs = append(kvs, KV[string, int]{c.Key, c.Count})
	}
	sort.SliceStable(kvs, func(i, j int) bool {
		return kvs[i].Value > kvs[j].Value
	})
	if len(kvs) < n {
		n = len(kvs)
	}
	return kvs[:n]
}

func printRuns(w io.Writer, runs []runlog.Run) error {
	twr := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(twr, "STARTED\tSTATUS\tTOOK\tFETCHED\tPENDING\tSENTIMENT\tLABELS\tORGS\tFAILURES\tCOMMITTED\tERROR\n")
	for _, r := range runs {
		fmt.Fprintf(twr, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond),
			r.Fetched,
			r.Pending,
			r.SentimentScored,
			r.LabelsAssigned,
			r.OrgsAttributed,
			r.Failures,
			r.Committed,
			r.Error,
		)
	}
	return twr.Flush()
}

func printStats(w io.Writer, st *feedback.Stats) error {
	twr := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(twr, "Total issues:\t%d\n", st.Total)
	if st.Total > 0 {
		fmt.Fprintf(twr, "Form submissions:\t%d\t%.2f%%\n", st.Form, float64(st.Form)/float64(st.Total)*100)
		fmt.Fprintf(twr, "Unclassified:\t%d\t%.2f%%\n", st.Unclassified, float64(st.Unclassified)/float64(st.Total)*100)
	}
	fmt.Fprintf(twr, "Distinct authors:\t%d\n", st.DistinctAuthors)
	if st.MeanSentiment != nil {
		fmt.Fprintf(twr, "Mean sentiment:\t%.3f\t(%d scored)\n", *st.MeanSentiment, st.Scored)
	}
	fmt.Fprintf(twr, "Top labels:\t%v\n", topN(st.Labels, 20))
	fmt.Fprintf(twr, "Top pages:\t%v\n", topN(st.Pages, 20))
	if len(st.Organisations) > 0 {
		fmt.Fprintf(twr, "Top organisations:\t%v\n", topN(st.Organisations, 20))
	}
	fmt.Fprintf(twr, "Feedback rounds:\t%v\n", topN(st.Rounds, len(st.Rounds)))
	return twr.Flush()
}

func (r *rootCmd) runsCmd() *serpent.Command {
	var n int64
	return &serpent.Command{
		Use:   "runs",
		Short: "Show recent runs and a summary of the committed snapshot",
		Handler: func(inv *serpent.Invocation) error {
			cfg, err := r.config()
			if err != nil {
				return err
			}
			ctx := inv.Context()

			runs, err := openRunLog(cfg)
			if err != nil {
				return err
			}
			if runs != nil {
				defer runs.Close()
				recent, err := runs.Recent(ctx, int(n))
				if err != nil {
					return err
				}
				if err := printRuns(inv.Stdout, recent); err != nil {
					return err
				}
				fmt.Fprintln(inv.Stdout)
			}

			store := &feedback.Store{Path: cfg.StorePath}
			snap, err := store.Load(ctx)
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			return printStats(inv.Stdout, feedback.Aggregate(snap.Select(feedback.Filter{}), feedback.BucketMonth))
		},
		Options: []serpent.Option{
			{
				Flag:        "n",
				Description: "Number of runs to show.",
				Value:       serpent.Int64Of(&n),
				Default:     "10",
			},
		},
	}
}
