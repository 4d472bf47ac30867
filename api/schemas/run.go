package schemas

import (
	"time"
)

// RunResult is the terminal status of a Run.
type RunResult string

const (
	ResultPassed    RunResult = "passed"
	ResultExhausted RunResult = "exhausted"
	ResultErrored   RunResult = "errored"
)

// StopReason explains which rule ended the Run.
type StopReason string

const (
	StopVerdictPass     StopReason = "verdict_pass"
	StopMaxIterations   StopReason = "max_iterations"
	StopDeadline        StopReason = "deadline"
	StopPoolExhausted   StopReason = "credential_pool_exhausted"
	StopFatalError      StopReason = "fatal_error"
	StopContextCanceled StopReason = "context_canceled"
)

// ActionRecord is one executed step of an action sequence.
type ActionRecord struct {
	Sequence  int        `json:"sequence"`
	ElementID string     `json:"element_id"`
	Selector  string     `json:"selector"`
	Action    ActionKind `json:"action"`
	Payload   string     `json:"payload,omitempty"`
	Source    string     `json:"source"` // "sequencer" or "proposal"
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
}

// Iteration is one capture-judge-decide cycle. Numbers start at 1 and are contiguous.
type Iteration struct {
	Number       int            `json:"iteration"`
	StartedAt    time.Time      `json:"started_at"`
	ElapsedMs    int64          `json:"elapsed_ms"`
	ElementCount int            `json:"element_count"`
	Actions      []ActionRecord `json:"actions"`
	Snapshot     *Snapshot      `json:"snapshot,omitempty"`
	Verdict      *Verdict       `json:"verdict"`
	JudgeSkipped bool           `json:"judge_skipped,omitempty"`
	Credential   string         `json:"credential,omitempty"`
	ProposalNote string         `json:"proposal_note,omitempty"`
	Error        string         `json:"error,omitempty"`

	// RawJudge is written to iter_<n>_judge.txt rather than embedded in iter_<n>.json.
	RawJudge string `json:"-"`
}

// FailedActions counts the soft action failures recorded in the iteration.
func (it *Iteration) FailedActions() int {
	n := 0
	for _, a := range it.Actions {
		if !a.OK {
			n++
		}
	}
	return n
}

// VerdictLabel is the verdict status, "skipped" when judging was skipped and "none"
// when the iteration ended before a verdict.
func (it *Iteration) VerdictLabel() string {
	switch {
	case it.Verdict != nil:
		return string(it.Verdict.Status)
	case it.JudgeSkipped:
		return "skipped"
	default:
		return "none"
	}
}

// Summary is the sealed, machine-parseable outcome written to summary.json.
type Summary struct {
	RunID                string           `json:"run_id"`
	Target               TargetDescriptor `json:"target"`
	StartedAt            time.Time        `json:"started_at"`
	EndedAt              time.Time        `json:"ended_at"`
	Result               RunResult        `json:"result"`
	StopReason           StopReason       `json:"stop_reason"`
	MaxIterations        int              `json:"max_iterations"`
	MaxDurationMs        int64            `json:"max_duration_ms"`
	IterationCount       int              `json:"iteration_count"`
	ErrorCount           int              `json:"error_count"`
	Error                string           `json:"error,omitempty"`
	SuggestedNextActions []string         `json:"suggested_next_actions"`
}

// Run is one execution of the engine against one target.
type Run struct {
	ID            string
	Target        TargetDescriptor
	StartedAt     time.Time
	EndedAt       time.Time
	MaxIterations int
	MaxDuration   time.Duration
	Result        RunResult
	StopReason    StopReason
	Error         string
	Iterations    []Iteration
}

// ErrorCount is the number of failed action steps plus iterations that recorded an error.
func (r *Run) ErrorCount() int {
	n := 0
	for i := range r.Iterations {
		n += r.Iterations[i].FailedActions()
		if r.Iterations[i].Error != "" {
			n++
		}
	}
	return n
}
