package controller

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/judge"
	"github.com/xkilldash9x/missionloop/internal/sequencer"
)

const maxCatalog = 60

// iterate runs one pass: pending proposals, enumerate, build, execute, snapshot and
// judge. The returned iteration is always populated up to the failing step so it can
// be persisted; a non-nil error ends the Run.
func (c *Controller) iterate(ctx context.Context, m *mission, n int) (it schemas.Iteration, outcome *judge.Outcome, err error) {
	started := c.deps.Now()
	it = schemas.Iteration{
		Number:       n,
		StartedAt:    started.UTC(),
		Actions:      []schemas.ActionRecord{},
		ProposalNote: m.proposalNote,
	}
	defer func() { it.ElapsedMs = c.deps.Now().Sub(started).Milliseconds() }()

	logger := m.logger.With(zap.Int("iteration", n))
	proposed := m.pending
	m.pending, m.proposalNote = nil, ""

	elements, err := m.adapter.Enumerate(ctx)
	if err != nil {
		return it, nil, fmt.Errorf("enumerate: %w", err)
	}
	it.ElementCount = len(elements)
	m.elements = elements
	logger.Debug("Elements enumerated.", zap.Int("count", len(elements)))

	if len(proposed) > 0 {
		seqs, note := c.proposalSequences(proposed, elements)
		if note != "" {
			it.ProposalNote = strings.TrimSpace(it.ProposalNote + " " + note)
		}
		records, err := c.deps.Sequencer.Execute(ctx, m.adapter, seqs, sequencer.SourceProposal)
		it.Actions = append(it.Actions, records...)
		if err != nil {
			return it, nil, err
		}
	}

	records, err := c.deps.Sequencer.Execute(ctx, m.adapter, c.deps.Sequencer.Build(elements), sequencer.SourceSequencer)
	it.Actions = append(it.Actions, records...)
	if err != nil {
		return it, nil, err
	}

	snap, err := m.adapter.Snapshot(ctx)
	if err != nil {
		return it, nil, fmt.Errorf("snapshot: %w", err)
	}
	it.Snapshot = snap

	if !c.judgeDue(n) {
		it.JudgeSkipped = true
		logger.Debug("Judging skipped for this iteration.")
		return it, nil, nil
	}

	instruction, err := c.deps.Instruction.Render(c.instructionData(m, n))
	if err != nil {
		return it, nil, err
	}
	req := judge.NewRequest(instruction, c.requestMetadata(m, &it), snap)
	outcome, err = c.deps.Judge.Judge(ctx, req)
	if outcome != nil {
		it.RawJudge = outcome.Raw
		it.Credential = outcome.Credential
	}
	if err != nil {
		return it, outcome, err
	}
	verdict := outcome.Verdict
	it.Verdict = &verdict
	return it, outcome, nil
}

func (c *Controller) judgeDue(n int) bool {
	every := c.cfg.Mission.JudgeEvery
	if every <= 1 {
		return true
	}
	return n%every == 0
}

func (c *Controller) instructionData(m *mission, n int) judge.InstructionData {
	return judge.InstructionData{
		RunID:         m.run.ID,
		Iteration:     n,
		MaxIterations: m.run.MaxIterations,
		Target:        m.run.Target,
	}
}

// requestMetadata is the run context sent to the judge next to the snapshot.
func (c *Controller) requestMetadata(m *mission, it *schemas.Iteration) map[string]any {
	return map[string]any{
		"run_id":            m.run.ID,
		"iteration":         it.Number,
		"max_iterations":    m.run.MaxIterations,
		"target":            m.run.Target,
		"element_count":     it.ElementCount,
		"actions_attempted": len(it.Actions),
		"actions_failed":    it.FailedActions(),
	}
}

// propose asks the judge for follow-up actions after a failing verdict. Only pool
// exhaustion and context errors are returned.
func (c *Controller) propose(ctx context.Context, m *mission, it *schemas.Iteration) error {
	instruction, err := c.deps.ProposalInstruction.Render(c.instructionData(m, it.Number))
	if err != nil {
		m.proposalNote = err.Error()
		return nil
	}

	metadata := c.requestMetadata(m, it)
	metadata["rationale"] = it.Verdict.Rationale
	metadata["suggested_fixes"] = it.Verdict.SuggestedFixes
	metadata["elements"] = elementCatalog(m.elements)

	proposal, err := c.deps.Judge.Propose(ctx, judge.NewRequest(instruction, metadata, it.Snapshot))
	if err != nil {
		return err
	}
	m.pending = proposal.Actions
	m.proposalNote = proposal.Note
	m.logger.Debug("Judge proposed actions.", zap.Int("iteration", it.Number), zap.Int("actions", len(proposal.Actions)))
	return nil
}

// elementCatalog lists the enumerated elements the judge may propose actions on.
func elementCatalog(elements []schemas.ElementDescriptor) []map[string]string {
	if len(elements) > maxCatalog {
		elements = elements[:maxCatalog]
	}
	out := make([]map[string]string, 0, len(elements))
	for _, el := range elements {
		out = append(out, map[string]string{
			"element_id": el.ID,
			"kind":       string(el.Kind),
			"label":      el.Label,
		})
	}
	return out
}

// proposalSequences resolves proposed actions against the current enumeration. Actions
// naming unknown elements are dropped and noted.
func (c *Controller) proposalSequences(proposed []judge.ProposedAction, elements []schemas.ElementDescriptor) ([]sequencer.Sequence, string) {
	byID := make(map[string]schemas.ElementDescriptor, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}

	var (
		seqs    []sequencer.Sequence
		missing []string
	)
	for _, p := range proposed {
		el, ok := byID[p.ElementID]
		if !ok {
			missing = append(missing, p.ElementID)
			continue
		}
		step := c.deps.Sequencer.StepFor(el)
		step.Action = p.Action
		switch {
		case p.Text != "":
			step.Payload = p.Text
		case p.Action == schemas.ActionClick:
			step.Payload = ""
		}
		seqs = append(seqs, sequencer.Sequence{Index: len(seqs) + 1, Steps: []sequencer.Step{step}})
	}
	if len(missing) == 0 {
		return seqs, ""
	}
	return seqs, "proposed elements not found: " + strings.Join(missing, ", ")
}
