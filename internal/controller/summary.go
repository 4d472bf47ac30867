package controller

import (
	"context"
	"errors"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/credentials"
)

const maxSuggestions = 5

// Fixed hints used when the last verdict carries no suggested fixes.
const (
	hintUnparseable = "Review the judge instruction: the last reply did not follow the PASS/FAIL grammar."
	hintErrored     = "Inspect the summary error and the last iteration artifacts, then re-run once the target is reachable."
	hintPool        = "Add credentials to the pool or wait for the next accounting period."
	hintBudget      = "Raise mission.max_iterations or mission.max_duration, or address the last failing verdict."
	hintCanceled    = "The run was interrupted; re-run to continue from a fresh iteration."
)

// classify maps the error that ended a Run onto its terminal result. ctx is the
// caller's context. The mission deadline never reaches here: it is checked between
// iterations.
func classify(ctx context.Context, err error) (schemas.RunResult, schemas.StopReason) {
	switch {
	case errors.Is(err, credentials.ErrPoolExhausted):
		return schemas.ResultExhausted, schemas.StopPoolExhausted
	case ctx.Err() != nil:
		return schemas.ResultExhausted, schemas.StopContextCanceled
	default:
		return schemas.ResultErrored, schemas.StopFatalError
	}
}

// buildSummary derives the sealed summary from the finished run.
func buildSummary(run *schemas.Run) schemas.Summary {
	return schemas.Summary{
		RunID:                run.ID,
		Target:               run.Target,
		StartedAt:            run.StartedAt,
		EndedAt:              run.EndedAt,
		Result:               run.Result,
		StopReason:           run.StopReason,
		MaxIterations:        run.MaxIterations,
		MaxDurationMs:        run.MaxDuration.Milliseconds(),
		IterationCount:       len(run.Iterations),
		ErrorCount:           run.ErrorCount(),
		Error:                run.Error,
		SuggestedNextActions: suggestNextActions(run),
	}
}

// suggestNextActions returns the fixes of the last failing verdict, or a fixed hint
// describing how the run ended. A passed run has none.
func suggestNextActions(run *schemas.Run) []string {
	if run.Result == schemas.ResultPassed {
		return []string{}
	}

	var last *schemas.Verdict
	for i := len(run.Iterations) - 1; i >= 0; i-- {
		if v := run.Iterations[i].Verdict; v != nil {
			last = v
			break
		}
	}
	if last != nil && last.Status == schemas.VerdictFail && len(last.SuggestedFixes) > 0 {
		fixes := last.SuggestedFixes
		if len(fixes) > maxSuggestions {
			fixes = fixes[:maxSuggestions]
		}
		return append([]string{}, fixes...)
	}

	switch {
	case run.Result == schemas.ResultErrored:
		return []string{hintErrored}
	case run.StopReason == schemas.StopPoolExhausted:
		return []string{hintPool}
	case run.StopReason == schemas.StopContextCanceled:
		return []string{hintCanceled}
	case last != nil && last.Status == schemas.VerdictUnparseable:
		return []string{hintUnparseable}
	default:
		return []string{hintBudget}
	}
}
