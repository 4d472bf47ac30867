// internal/artifacts/writer.go
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

var (
	// ErrRunSealed is returned for any write after Seal.
	ErrRunSealed = errors.New("run directory is sealed")
	// ErrOutOfOrder is returned when an iteration is not the successor of the last one written.
	ErrOutOfOrder = errors.New("iteration written out of order")
)

// SummaryFile is the terminal file of every run directory.
const SummaryFile = "summary.json"

// IterationFile returns the metadata file name for iteration n.
func IterationFile(n int) string { return fmt.Sprintf("iter_%d.json", n) }

// JudgeFile returns the raw judge text file name for iteration n.
func JudgeFile(n int) string { return fmt.Sprintf("iter_%d_judge.txt", n) }

// ImageFile returns the screenshot file name for iteration n.
func ImageFile(n int, format string) string {
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("iter_%d.%s", n, format)
}

// Writer persists one Run into its own directory. Files are created exclusively and
// never rewritten.
type Writer struct {
	mu     sync.Mutex
	dir    string
	last   int
	sealed bool
	logger *zap.Logger
}

// Create makes <root>/<runID>. The run directory must not exist yet.
func Create(root, runID string, logger *zap.Logger) (*Writer, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	dir := filepath.Join(root, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Writer{dir: dir, logger: logger.Named("artifacts").With(zap.String("dir", dir))}, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string { return w.dir }

// WriteIteration persists the screenshot, the raw judge text and the iteration record,
// in that order. it.Snapshot.ImagePath is set to the screenshot's file name.
func (w *Writer) WriteIteration(it *schemas.Iteration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return ErrRunSealed
	}
	if it.Number != w.last+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, it.Number, w.last+1)
	}

	if it.Snapshot != nil && len(it.Snapshot.Image) > 0 {
		name := ImageFile(it.Number, it.Snapshot.ImageFormat)
		if err := w.create(name, it.Snapshot.Image); err != nil {
			return err
		}
		it.Snapshot.ImagePath = name
	}
	if err := w.create(JudgeFile(it.Number), []byte(it.RawJudge)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode iteration %d: %w", it.Number, err)
	}
	if err := w.create(IterationFile(it.Number), data); err != nil {
		return err
	}

	w.last = it.Number
	w.logger.Debug("Iteration persisted.", zap.Int("iteration", it.Number))
	return nil
}

// WriteFile adds an auxiliary file to an unsealed run.
func (w *Writer) WriteFile(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return ErrRunSealed
	}
	return w.create(name, data)
}

// Seal writes summary.json. Nothing can be written afterwards.
func (w *Writer) Seal(summary schemas.Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return ErrRunSealed
	}
	if summary.IterationCount != w.last {
		return fmt.Errorf("summary reports %d iterations but %d were written", summary.IterationCount, w.last)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := w.create(SummaryFile, data); err != nil {
		return err
	}
	w.sealed = true
	w.logger.Info("Run sealed.", zap.String("result", string(summary.Result)), zap.Int("iterations", summary.IterationCount))
	return nil
}

// create writes a new file, failing if it already exists, and flushes it to disk.
func (w *Writer) create(name string, data []byte) error {
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	return f.Close()
}
