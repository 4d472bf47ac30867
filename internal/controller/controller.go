// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/artifacts"
	"github.com/xkilldash9x/missionloop/internal/config"
	"github.com/xkilldash9x/missionloop/internal/judge"
	"github.com/xkilldash9x/missionloop/internal/metrics"
	"github.com/xkilldash9x/missionloop/internal/sequencer"
)

// MetricsFile is the per-run metrics dump written next to summary.json.
const MetricsFile = "metrics.prom"

const teardownTimeout = 30 * time.Second

// State is the controller's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePassed    State = "passed"
	StateExhausted State = "exhausted"
	StateErrored   State = "errored"
)

var stateForResult = map[schemas.RunResult]State{
	schemas.ResultPassed:    StatePassed,
	schemas.ResultExhausted: StateExhausted,
	schemas.ResultErrored:   StateErrored,
}

// ErrAlreadyStarted is returned when Run is called on a controller that has left Idle.
var ErrAlreadyStarted = errors.New("controller has already run")

// Judge is the part of the judge client the controller drives.
type Judge interface {
	Judge(ctx context.Context, req judge.Request) (*judge.Outcome, error)
	Propose(ctx context.Context, req judge.Request) (judge.Proposal, error)
}

// Indexer records sealed runs somewhere queryable.
type Indexer interface {
	IndexRun(ctx context.Context, dir string, summary schemas.Summary, iterations []schemas.Iteration) error
}

// OpenFunc opens the target surface. It is called once per Run.
type OpenFunc func(ctx context.Context) (schemas.TargetAdapter, error)

// Deps are the collaborators of a Controller.
type Deps struct {
	Open                OpenFunc
	Sequencer           *sequencer.Sequencer
	Judge               Judge
	Instruction         *judge.Instruction
	ProposalInstruction *judge.Instruction
	// Index is optional.
	Index Indexer

	NewRunID func() string
	Now      func() time.Time
}

// Result describes a finished, sealed run.
type Result struct {
	Dir     string
	Summary schemas.Summary
	Run     *schemas.Run
}

// Controller drives one Run: it iterates sequencing, capture and judging inside the
// configured bounds and seals the artifact trail when the Run ends.
type Controller struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// New creates a controller in the Idle state.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if cfg == nil || logger == nil || deps.Open == nil || deps.Sequencer == nil || deps.Judge == nil || deps.Instruction == nil {
		return nil, fmt.Errorf("cannot initialize controller with nil dependencies")
	}
	if deps.ProposalInstruction == nil && cfg.Mission.ProposeActions {
		return nil, fmt.Errorf("propose_actions requires a proposal instruction")
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("controller"),
		state:  StateIdle,
	}, nil
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// mission carries the mutable state of one Run.
type mission struct {
	run      *schemas.Run
	adapter  schemas.TargetAdapter
	writer   *artifacts.Writer
	recorder *metrics.Recorder
	logger   *zap.Logger

	// elements is the latest enumeration.
	elements []schemas.ElementDescriptor
	// pending holds judge-proposed actions for the next iteration.
	pending      []judge.ProposedAction
	proposalNote string
}

// Run executes the Run to completion. A Run that ends Errored or Exhausted is not an
// error: it is reported through the Result. An error is returned only when the
// artifact trail itself could not be created or sealed.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	if !c.transition(StateIdle, StateRunning) {
		return nil, ErrAlreadyStarted
	}

	runID := c.deps.NewRunID()
	logger := c.logger.With(zap.String("run_id", runID))

	writer, err := artifacts.Create(c.cfg.Artifacts.OutputDir, runID, logger)
	if err != nil {
		c.transition(StateRunning, StateErrored)
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	m := &mission{
		run: &schemas.Run{
			ID:            runID,
			Target:        configuredTarget(c.cfg.Target),
			StartedAt:     c.deps.Now().UTC(),
			MaxIterations: c.cfg.Mission.MaxIterations,
			MaxDuration:   c.cfg.Mission.MaxDuration,
		},
		writer: writer,
		logger: logger,
	}
	if c.cfg.Metrics.Enabled {
		m.recorder = metrics.NewRecorder(runID)
	}

	// Zero means no wall-clock budget.
	var deadline time.Time
	if c.cfg.Mission.MaxDuration > 0 {
		deadline = m.run.StartedAt.Add(c.cfg.Mission.MaxDuration)
	}

	logger.Info("Run started.",
		zap.String("target_kind", string(m.run.Target.Kind)),
		zap.Int("max_iterations", m.run.MaxIterations),
		zap.Duration("max_duration", m.run.MaxDuration),
		zap.String("dir", writer.Dir()))

	adapter, err := c.deps.Open(ctx)
	if err != nil {
		c.stop(ctx, m, err)
	} else {
		m.adapter = adapter
		m.run.Target = adapter.Describe()
		c.loop(ctx, m, deadline)
	}

	return c.finish(m)
}

// loop runs iterations until a terminal condition is met. The deadline is only
// consulted before an iteration starts; work already under way runs to completion
// under its own action and judge timeouts.
func (c *Controller) loop(ctx context.Context, m *mission, deadline time.Time) {
	for n := 1; ; n++ {
		if n > c.cfg.Mission.MaxIterations {
			c.end(m, schemas.ResultExhausted, schemas.StopMaxIterations, "")
			return
		}
		if !deadline.IsZero() && !c.deps.Now().UTC().Before(deadline) {
			c.end(m, schemas.ResultExhausted, schemas.StopDeadline, "")
			return
		}
		if ctx.Err() != nil {
			c.stop(ctx, m, ctx.Err())
			return
		}

		it, verdictOutcome, err := c.iterate(ctx, m, n)
		if err != nil {
			it.Error = err.Error()
		}
		if werr := m.writer.WriteIteration(&it); werr != nil {
			m.logger.Error("Failed to persist iteration.", zap.Int("iteration", n), zap.Error(werr))
			c.end(m, schemas.ResultErrored, schemas.StopFatalError, werr.Error())
			return
		}
		m.run.Iterations = append(m.run.Iterations, it)
		if m.recorder != nil {
			m.recorder.ObserveIteration(&it)
			if verdictOutcome != nil {
				m.recorder.ObserveJudge(verdictOutcome.Duration, verdictOutcome.Rotations)
			}
		}

		if err != nil {
			c.stop(ctx, m, err)
			return
		}
		if it.Verdict.Passed() {
			m.logger.Info("Judge accepted the surface.", zap.Int("iteration", n), zap.String("rationale", it.Verdict.Rationale))
			c.end(m, schemas.ResultPassed, schemas.StopVerdictPass, "")
			return
		}
		m.logger.Info("Iteration finished.",
			zap.Int("iteration", n),
			zap.String("verdict", it.VerdictLabel()),
			zap.Int("actions", len(it.Actions)),
			zap.Int("failed_actions", it.FailedActions()))

		if c.cfg.Mission.ProposeActions && n < c.cfg.Mission.MaxIterations && it.Verdict != nil && it.Verdict.Status == schemas.VerdictFail {
			if err := c.propose(ctx, m, &it); err != nil {
				c.stop(ctx, m, err)
				return
			}
		}
	}
}

// stop ends the Run according to the class of err.
func (c *Controller) stop(ctx context.Context, m *mission, err error) {
	result, reason := classify(ctx, err)
	switch result {
	case schemas.ResultErrored:
		m.logger.Error("Run aborted by a fatal error.", zap.Error(err))
	default:
		m.logger.Warn("Run stopped before a passing verdict.", zap.String("stop_reason", string(reason)), zap.Error(err))
	}
	c.end(m, result, reason, err.Error())
}

func (c *Controller) end(m *mission, result schemas.RunResult, reason schemas.StopReason, errText string) {
	m.run.Result = result
	m.run.StopReason = reason
	m.run.Error = errText
}

// finish disposes the target, writes metrics and seals the run directory.
func (c *Controller) finish(m *mission) (*Result, error) {
	teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if m.adapter != nil {
		if err := m.adapter.Dispose(teardownCtx); err != nil {
			m.logger.Warn("Failed to dispose target.", zap.Error(err))
		}
	}

	m.run.EndedAt = c.deps.Now().UTC()
	summary := buildSummary(m.run)

	if m.recorder != nil {
		m.recorder.ObserveRun(summary)
		if err := m.recorder.WriteTextfile(filepath.Join(m.writer.Dir(), MetricsFile)); err != nil {
			m.logger.Warn("Failed to write run metrics.", zap.Error(err))
		}
		if path := c.cfg.Metrics.Textfile; path != "" {
			if err := m.recorder.WriteTextfile(path); err != nil {
				m.logger.Warn("Failed to write metrics textfile.", zap.String("path", path), zap.Error(err))
			}
		}
	}

	c.transition(StateRunning, stateForResult[summary.Result])
	if err := m.writer.Seal(summary); err != nil {
		return nil, fmt.Errorf("failed to seal run %s: %w", m.run.ID, err)
	}

	if c.deps.Index != nil {
		if err := c.deps.Index.IndexRun(teardownCtx, m.writer.Dir(), summary, m.run.Iterations); err != nil {
			m.logger.Warn("Failed to index run.", zap.Error(err))
		}
	}

	m.logger.Info("Run finished.",
		zap.String("result", string(summary.Result)),
		zap.String("stop_reason", string(summary.StopReason)),
		zap.Int("iterations", summary.IterationCount),
		zap.Int("errors", summary.ErrorCount))
	return &Result{Dir: m.writer.Dir(), Summary: summary, Run: m.run}, nil
}

func configuredTarget(t config.TargetConfig) schemas.TargetDescriptor {
	return schemas.TargetDescriptor{Kind: schemas.TargetKind(t.Kind), Name: t.Name, Location: t.URL}
}
