// internal/artifacts/load.go
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

var iterFileRegex = regexp.MustCompile(`^iter_(\d+)\.json$`)

// LoadedRun is a run directory read back from disk.
type LoadedRun struct {
	Dir        string              `json:"dir"`
	Summary    *schemas.Summary    `json:"summary"`
	Iterations []schemas.Iteration `json:"iterations"`
}

// Sealed reports whether the run has a summary.
func (r *LoadedRun) Sealed() bool { return r.Summary != nil }

// Load reads a run directory and checks that iteration numbers are contiguous from 1
// and agree with the summary. An unsealed run (no summary.json) loads without error.
func Load(dir string) (*LoadedRun, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	run := &LoadedRun{Dir: dir}
	var numbers []int
	for _, e := range entries {
		if m := iterFileRegex.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	for i, n := range numbers {
		if n != i+1 {
			return nil, fmt.Errorf("iteration files are not contiguous: expected %d, found %d", i+1, n)
		}
		var it schemas.Iteration
		if err := readJSON(filepath.Join(dir, IterationFile(n)), &it); err != nil {
			return nil, err
		}
		if it.Number != n {
			return nil, fmt.Errorf("%s records iteration %d", IterationFile(n), it.Number)
		}
		if raw, err := os.ReadFile(filepath.Join(dir, JudgeFile(n))); err == nil {
			it.RawJudge = string(raw)
		}
		run.Iterations = append(run.Iterations, it)
	}

	var summary schemas.Summary
	err = readJSON(filepath.Join(dir, SummaryFile), &summary)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return run, nil
	case err != nil:
		return nil, err
	}
	if summary.IterationCount != len(run.Iterations) {
		return nil, fmt.Errorf("summary reports %d iterations but %d files exist", summary.IterationCount, len(run.Iterations))
	}
	run.Summary = &summary
	return run, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
