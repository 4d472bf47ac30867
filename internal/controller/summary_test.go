package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/credentials"
)

func TestClassify(t *testing.T) {
	live := context.Background()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name       string
		ctx        context.Context
		err        error
		wantResult schemas.RunResult
		wantReason schemas.StopReason
	}{
		{"pool exhausted", live, fmt.Errorf("judge: %w", credentials.ErrPoolExhausted), schemas.ResultExhausted, schemas.StopPoolExhausted},
		{"caller canceled", canceled, context.Canceled, schemas.ResultExhausted, schemas.StopContextCanceled},
		{"action timeout", live, context.DeadlineExceeded, schemas.ResultErrored, schemas.StopFatalError},
		{"unreachable", live, schemas.ErrTargetUnreachable, schemas.ResultErrored, schemas.StopFatalError},
		{"judge transport", live, errors.New("judge call with k1 failed: 401"), schemas.ResultErrored, schemas.StopFatalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, reason := classify(tt.ctx, tt.err)
			assert.Equal(t, tt.wantResult, result)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestSuggestNextActions(t *testing.T) {
	fail := func(fixes ...string) schemas.Iteration {
		return schemas.Iteration{Verdict: &schemas.Verdict{Status: schemas.VerdictFail, SuggestedFixes: fixes}}
	}

	t.Run("caps fixes at five", func(t *testing.T) {
		run := &schemas.Run{Result: schemas.ResultExhausted, Iterations: []schemas.Iteration{fail("a", "b", "c", "d", "e", "f")}}
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, suggestNextActions(run))
	})

	t.Run("uses the latest verdict", func(t *testing.T) {
		run := &schemas.Run{Result: schemas.ResultExhausted, Iterations: []schemas.Iteration{
			fail("old"),
			{Verdict: &schemas.Verdict{Status: schemas.VerdictUnparseable}},
			{JudgeSkipped: true},
		}}
		assert.Equal(t, []string{hintUnparseable}, suggestNextActions(run))
	})

	t.Run("pool exhaustion hint", func(t *testing.T) {
		run := &schemas.Run{Result: schemas.ResultExhausted, StopReason: schemas.StopPoolExhausted}
		assert.Equal(t, []string{hintPool}, suggestNextActions(run))
	})

	t.Run("passed run", func(t *testing.T) {
		run := &schemas.Run{Result: schemas.ResultPassed, Iterations: []schemas.Iteration{fail("x")}}
		assert.Equal(t, []string{}, suggestNextActions(run))
	})
}

func TestBuildSummary(t *testing.T) {
	run := &schemas.Run{
		ID:     "r1",
		Result: schemas.ResultErrored,
		Error:  "boom",
		Iterations: []schemas.Iteration{
			{Number: 1, Actions: []schemas.ActionRecord{{OK: false}, {OK: true}}},
			{Number: 2, Error: "snapshot: target unreachable"},
		},
	}
	s := buildSummary(run)
	assert.Equal(t, 2, s.IterationCount)
	assert.Equal(t, 2, s.ErrorCount)
	assert.Equal(t, "boom", s.Error)
	assert.Equal(t, []string{hintErrored}, s.SuggestedNextActions)
}
