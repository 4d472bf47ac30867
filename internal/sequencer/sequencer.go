// internal/sequencer/sequencer.go
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

// Record sources.
const (
	SourceSequencer = "sequencer"
	SourceProposal  = "proposal"
)

// Step is one action against one element.
type Step struct {
	Element schemas.ElementDescriptor
	Action  schemas.ActionKind
	Payload string
}

// Sequence is an ordered list of steps. Index is 1-based within one Build.
type Sequence struct {
	Index int
	Steps []Step
}

// Sequencer turns enumerated elements into bounded action sequences and runs them.
type Sequencer struct {
	cfg    config.SequencerConfig
	logger *zap.Logger
}

// New creates a Sequencer.
func New(cfg config.SequencerConfig, logger *zap.Logger) *Sequencer {
	return &Sequencer{cfg: cfg, logger: logger.Named("sequencer")}
}

// StepFor builds the step the sequencer performs on an element given its declared kind.
func (s *Sequencer) StepFor(el schemas.ElementDescriptor) Step {
	action := schemas.ActionFor(el.Kind)
	step := Step{Element: el, Action: action}
	switch action {
	case schemas.ActionFill:
		step.Payload = s.cfg.FillText
	case schemas.ActionKey:
		step.Payload = s.cfg.Key
	}
	return step
}

// Build caps the element list, then emits every single-element sequence up to
// MaxSingles and, when Depth > 1, unordered pairs (i < j) up to MaxPairs. Order follows
// the enumeration order. An empty element list yields no sequences.
func (s *Sequencer) Build(elements []schemas.ElementDescriptor) []Sequence {
	if s.cfg.MaxElements >= 0 && len(elements) > s.cfg.MaxElements {
		elements = elements[:s.cfg.MaxElements]
	}

	var seqs []Sequence
	add := func(steps ...Step) {
		seqs = append(seqs, Sequence{Index: len(seqs) + 1, Steps: steps})
	}

	for i := 0; i < len(elements) && i < s.cfg.MaxSingles; i++ {
		add(s.StepFor(elements[i]))
	}

	if s.cfg.Depth > 1 {
		pairs := 0
	outer:
		for i := 0; i < len(elements); i++ {
			for j := i + 1; j < len(elements); j++ {
				if pairs >= s.cfg.MaxPairs {
					break outer
				}
				add(s.StepFor(elements[i]), s.StepFor(elements[j]))
				pairs++
			}
		}
	}
	return seqs
}

// Execute runs every step of every sequence against adapter in order and returns one
// record per attempted step. Step failures are soft: they are logged and recorded and
// execution continues. An error is returned only when the target became unreachable,
// the context ended, or FatalOnActionError promotes a step failure.
func (s *Sequencer) Execute(ctx context.Context, adapter schemas.TargetAdapter, seqs []Sequence, source string) ([]schemas.ActionRecord, error) {
	records := make([]schemas.ActionRecord, 0, len(seqs))
	for _, seq := range seqs {
		for _, step := range seq.Steps {
			if err := ctx.Err(); err != nil {
				return records, err
			}

			err := s.act(ctx, adapter, step)
			rec := schemas.ActionRecord{
				Sequence:  seq.Index,
				ElementID: step.Element.ID,
				Selector:  step.Element.Selector,
				Action:    step.Action,
				Payload:   step.Payload,
				Source:    source,
				OK:        err == nil,
			}
			if err != nil {
				rec.Error = err.Error()
			}
			records = append(records, rec)

			if err != nil {
				if errors.Is(err, schemas.ErrTargetUnreachable) {
					return records, err
				}
				if s.cfg.FatalOnActionError {
					return records, fmt.Errorf("action %s on %s failed: %w", step.Action, step.Element.ID, err)
				}
				s.logger.Warn("Action failed, continuing.",
					zap.Int("sequence", seq.Index),
					zap.String("element_id", step.Element.ID),
					zap.String("action", string(step.Action)),
					zap.Error(err))
			} else {
				s.logger.Debug("Action performed.",
					zap.Int("sequence", seq.Index),
					zap.String("element_id", step.Element.ID),
					zap.String("action", string(step.Action)))
			}

			if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
				return records, err
			}
		}
	}
	return records, nil
}

// act runs one step under the per-action timeout. An overrun is reported as
// ErrActionTimeout even when the adapter surfaces a plain context error.
func (s *Sequencer) act(ctx context.Context, adapter schemas.TargetAdapter, step Step) error {
	actCtx := ctx
	if s.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()
	}

	err := adapter.Act(actCtx, step.Element, step.Action, step.Payload)
	if err != nil && ctx.Err() == nil && errors.Is(actCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, schemas.ErrActionTimeout) {
		return fmt.Errorf("%w after %s: %v", schemas.ErrActionTimeout, s.cfg.ActionTimeout, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
