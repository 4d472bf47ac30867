package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/internal/artifacts"
	"github.com/xkilldash9x/missionloop/internal/config"
	"github.com/xkilldash9x/missionloop/internal/observability"
	"github.com/xkilldash9x/missionloop/internal/store"
)

// runLister is the read side of the run index.
type runLister interface {
	RecentRuns(ctx context.Context, limit int) ([]store.RunRow, error)
}

// storeProvider opens the run index. Tests inject a fake instead of a live database.
type storeProvider interface {
	Create(ctx context.Context, cfg *config.Config) (runLister, func(), error)
}

type defaultStoreProvider struct{}

func newStoreProvider() storeProvider {
	return defaultStoreProvider{}
}

// Create connects to the database named by cfg.Database.URL.
func (defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (runLister, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database URL is not configured (MISSIONLOOP_DATABASE_URL)")
	}
	s, cleanup, err := store.Connect(ctx, cfg.Database.URL, observability.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	return s, cleanup, nil
}

func newReportCmd(provider storeProvider) *cobra.Command {
	var format string
	var recent int

	reportCmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize a run directory or list recent runs from the index",
		Long: `With a run directory, reads its iteration records and summary and prints them.
With --recent N, lists the N most recent runs recorded in the database index.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if recent > 0 {
				cfg, err := getConfigFromContext(ctx)
				if err != nil {
					return err
				}
				return reportRecent(ctx, out, cfg, provider, recent, format)
			}
			if len(args) != 1 {
				return errors.New("a run directory or --recent is required")
			}
			return reportRun(out, args[0], format)
		},
	}

	reportCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text or json")
	reportCmd.Flags().IntVar(&recent, "recent", 0, "List the N most recent indexed runs")
	return reportCmd
}

func reportRun(w io.Writer, dir, format string) error {
	run, err := artifacts.Load(dir)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		return writeJSON(w, run)
	case "text", "":
	default:
		return fmt.Errorf("unsupported format %q (use text or json)", format)
	}

	if run.Sealed() {
		s := run.Summary
		fmt.Fprintf(w, "Run %s: %s (%s)\n", s.RunID, s.Result, s.StopReason)
		fmt.Fprintf(w, "Target: %s %s\n", s.Target.Kind, s.Target.Location)
		fmt.Fprintf(w, "Iterations: %d of %d, errors: %d\n", s.IterationCount, s.MaxIterations, s.ErrorCount)
		if s.Error != "" {
			fmt.Fprintf(w, "Error: %s\n", s.Error)
		}
	} else {
		fmt.Fprintf(w, "Run in %s has no summary (interrupted or still running)\n", run.Dir)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITER\tELAPSED\tELEMENTS\tACTIONS\tFAILED\tVERDICT\tCREDENTIAL\tERROR")
	for i := range run.Iterations {
		it := &run.Iterations[i]
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			it.Number,
			(time.Duration(it.ElapsedMs) * time.Millisecond).String(),
			it.ElementCount,
			len(it.Actions),
			it.FailedActions(),
			it.VerdictLabel(),
			it.Credential,
			it.Error,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if run.Sealed() && len(run.Summary.SuggestedNextActions) > 0 {
		fmt.Fprintln(w, "Suggested next actions:")
		for _, next := range run.Summary.SuggestedNextActions {
			fmt.Fprintf(w, "  - %s\n", next)
		}
	}
	return nil
}

func reportRecent(ctx context.Context, w io.Writer, cfg *config.Config, provider storeProvider, limit int, format string) error {
	lister, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	rows, err := lister.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	observability.GetLogger().Debug("Loaded recent runs.", zap.Int("count", len(rows)))

	switch format {
	case "json":
		return writeJSON(w, rows)
	case "text", "":
	default:
		return fmt.Errorf("unsupported format %q (use text or json)", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTARGET\tRESULT\tREASON\tITERATIONS\tERRORS\tDIR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Format(time.RFC3339),
			r.TargetKind, r.TargetLocation,
			r.Result,
			r.StopReason,
			r.IterationCount,
			r.ErrorCount,
			r.ArtifactDir,
		)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
