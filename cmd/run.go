package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
	"github.com/xkilldash9x/missionloop/internal/controller"
	"github.com/xkilldash9x/missionloop/internal/credentials"
	"github.com/xkilldash9x/missionloop/internal/judge"
	"github.com/xkilldash9x/missionloop/internal/observability"
	"github.com/xkilldash9x/missionloop/internal/sequencer"
	"github.com/xkilldash9x/missionloop/internal/store"
	"github.com/xkilldash9x/missionloop/internal/target"
)

// runIndex is the part of the store a run needs.
type runIndex interface {
	controller.Indexer
	EnsureSchema(ctx context.Context) error
}

// runDeps are the external collaborators of the run command, swapped out in tests.
type runDeps struct {
	openTarget   func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.TargetAdapter, error)
	newTransport func(cfg config.JudgeConfig, logger *zap.Logger) (judge.Transport, error)
	connectIndex func(ctx context.Context, url string, logger *zap.Logger) (runIndex, func(), error)
}

func defaultRunDeps() runDeps {
	return runDeps{
		openTarget:   target.New,
		newTransport: judge.NewTransport,
		connectIndex: func(ctx context.Context, url string, logger *zap.Logger) (runIndex, func(), error) {
			s, cleanup, err := store.Connect(ctx, url, logger)
			if err != nil {
				return nil, nil, err
			}
			return s, cleanup, nil
		},
	}
}

func newRunCmd(deps runDeps) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mission against the configured target",
		Long: `Opens the configured target and iterates enumerate, act, capture and judge until the
judge passes the mission, the iteration or time budget runs out, the credential pool
is exhausted or a fatal error occurs.

Exit codes: 0 passed, 1 errored, 3 exhausted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			res, err := runMission(ctx, cfg, deps, observability.GetLogger())
			if err != nil {
				return err
			}

			printRunSummary(cmd.OutOrStdout(), res)
			if code := exitCodeFor(res.Summary.Result); code != ExitPassed {
				return &ExitError{Code: code, Result: res.Summary.Result, Reason: res.Summary.StopReason}
			}
			return nil
		},
	}

	runCmd.Flags().String("target-kind", "", "Target kind: browser, desktop or mobile")
	runCmd.Flags().String("target-name", "", "Human-readable name recorded in the run artifacts")
	runCmd.Flags().String("url", "", "Start URL for browser targets")
	runCmd.Flags().Int("max-iterations", 0, "Maximum number of iterations")
	runCmd.Flags().Duration("max-duration", 0, "Wall-clock budget for the whole run")
	runCmd.Flags().Int("judge-every", 0, "Consult the judge every Nth iteration")
	runCmd.Flags().Bool("propose", false, "Ask the judge for the next actions after a FAIL verdict")
	runCmd.Flags().StringP("output", "o", "", "Root directory for run artifacts")
	return runCmd
}

// runMission wires the collaborators from cfg and executes one Run.
func runMission(ctx context.Context, cfg *config.Config, deps runDeps, logger *zap.Logger) (*controller.Result, error) {
	rotator, err := credentials.Load(
		cfg.Credentials.PoolFile,
		cfg.Credentials.UsageFile,
		credentials.WithGranularity(credentials.Granularity(cfg.Credentials.Period)),
		credentials.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential pool: %w", err)
	}

	transport, err := deps.newTransport(cfg.Judge, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize judge transport: %w", err)
	}
	client := judge.NewClient(transport, rotator, judge.Options{
		RateLimit:  cfg.Judge.RateLimit,
		ExpectJSON: cfg.Judge.ExpectJSON,
	}, logger)

	instruction, err := judge.LoadInstruction("judge", cfg.Judge.Instruction, cfg.Judge.InstructionFile, judge.DefaultInstruction)
	if err != nil {
		return nil, err
	}
	proposal, err := judge.LoadInstruction("proposal", "", cfg.Judge.ProposalFile, judge.DefaultProposalInstruction)
	if err != nil {
		return nil, err
	}

	var index controller.Indexer
	if cfg.Database.URL != "" {
		idx, cleanup, err := deps.connectIndex(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Warn("Run index unavailable, continuing without it.", zap.Error(err))
		} else {
			defer cleanup()
			if err := idx.EnsureSchema(ctx); err != nil {
				logger.Warn("Failed to prepare run index schema, continuing without it.", zap.Error(err))
			} else {
				index = idx
			}
		}
	}

	ctrl, err := controller.New(cfg, controller.Deps{
		Open: func(ctx context.Context) (schemas.TargetAdapter, error) {
			return deps.openTarget(ctx, cfg, logger)
		},
		Sequencer:           sequencer.New(cfg.SequencerFor(), logger),
		Judge:               client,
		Instruction:         instruction,
		ProposalInstruction: proposal,
		Index:               index,
	}, logger)
	if err != nil {
		return nil, err
	}
	return ctrl.Run(ctx)
}

func printRunSummary(w io.Writer, res *controller.Result) {
	s := res.Summary
	fmt.Fprintf(w, "Run %s: %s (%s)\n", s.RunID, strings.ToUpper(string(s.Result)), s.StopReason)
	fmt.Fprintf(w, "  Target:     %s %s\n", s.Target.Kind, s.Target.Location)
	fmt.Fprintf(w, "  Iterations: %d of %d\n", s.IterationCount, s.MaxIterations)
	fmt.Fprintf(w, "  Errors:     %d\n", s.ErrorCount)
	fmt.Fprintf(w, "  Duration:   %s\n", s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:      %s\n", s.Error)
	}
	for _, next := range s.SuggestedNextActions {
		fmt.Fprintf(w, "  Next:       %s\n", next)
	}
	fmt.Fprintf(w, "  Artifacts:  %s\n", res.Dir)
}
