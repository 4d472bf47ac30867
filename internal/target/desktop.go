// internal/target/desktop.go
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

const (
	probeFile      = "desktop_probe.json"
	actionsFile    = "actions.json"
	defaultBackend = "uia"

	// helperGrace covers interpreter start-up and the screenshot on top of the
	// helper's own window timeout when desktop.action_timeout is unset.
	helperGrace = 30 * time.Second
)

// Helper exit codes.
const (
	exitNoAutomation   = 2
	exitWindowNotFound = 3
	exitScreenshot     = 4
)

var errScreenshotFailed = errors.New("desktop helper could not capture the window")

// DefaultDesktopHelper is the probe command used when desktop.helper is unset.
var DefaultDesktopHelper = []string{"python", "scripts/desktop_probe.py"}

var (
	textControls   = map[string]bool{"Edit": true, "Document": true}
	choiceControls = map[string]bool{"ComboBox": true, "List": true}
	clickControls  = map[string]bool{
		"Button": true, "CheckBox": true, "RadioButton": true, "Hyperlink": true,
		"MenuItem": true, "TabItem": true, "ListItem": true, "TreeItem": true,
		"SplitButton": true, "DataItem": true,
	}
)

type probeRect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r probeRect) rect() *schemas.Rect {
	return &schemas.Rect{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom}
}

type probeControl struct {
	Name         string    `json:"name"`
	ControlType  string    `json:"control_type"`
	ClassName    string    `json:"class_name"`
	AutomationID string    `json:"automation_id"`
	Enabled      bool      `json:"enabled"`
	Visible      bool      `json:"visible"`
	Rect         probeRect `json:"rect"`
}

// probeResult is the document the helper writes after each invocation.
type probeResult struct {
	App          string         `json:"app"`
	AttachOnly   bool           `json:"attach_only"`
	Backend      string         `json:"backend"`
	WindowTitle  string         `json:"window_title"`
	ControlCount int            `json:"control_count"`
	Controls     []probeControl `json:"controls"`
	Screenshot   string         `json:"screenshot"`
}

// helperAction is one entry of the helper's --actions-json document.
type helperAction struct {
	Type         string `json:"type"`
	AutomationID string `json:"automation_id,omitempty"`
	Name         string `json:"name,omitempty"`
	ControlType  string `json:"control_type,omitempty"`
	Index        int    `json:"index,omitempty"`
	X            int    `json:"x,omitempty"`
	Y            int    `json:"y,omitempty"`
	Text         string `json:"text,omitempty"`
	Keys         string `json:"keys,omitempty"`
	DelayMs      int64  `json:"delay_ms,omitempty"`
}

// DesktopAdapter drives a native window through the out-of-process probe helper.
// Every operation is one helper invocation in its own output directory.
type DesktopAdapter struct {
	target config.TargetConfig
	cfg    config.DesktopConfig
	runner Runner
	logger *zap.Logger

	workDir     string
	ownsWorkDir bool

	mu          sync.Mutex
	invocations int

	disposeOnce sync.Once
	disposeErr  error
}

// NewDesktopAdapter launches (or attaches to) the configured application window.
func NewDesktopAdapter(ctx context.Context, target config.TargetConfig, cfg config.DesktopConfig, runner Runner, logger *zap.Logger) (*DesktopAdapter, error) {
	if cfg.App == "" && !cfg.AttachOnly {
		return nil, errors.New("desktop target requires desktop.app unless desktop.attach_only is set")
	}
	if len(cfg.Helper) == 0 {
		cfg.Helper = DefaultDesktopHelper
	}
	if cfg.Backend == "" {
		cfg.Backend = defaultBackend
	}

	d := &DesktopAdapter{
		target: target,
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("target.desktop"),
	}

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create desktop work dir: %w", err)
		}
		d.workDir = cfg.WorkDir
	} else {
		dir, err := os.MkdirTemp("", "missionloop-desktop-")
		if err != nil {
			return nil, fmt.Errorf("failed to create desktop work dir: %w", err)
		}
		d.workDir = dir
		d.ownsWorkDir = true
	}

	if _, err := d.probe(ctx, nil, false); err != nil && !errors.Is(err, errScreenshotFailed) {
		d.cleanup()
		return nil, err
	}
	d.logger.Info("Desktop target opened.", zap.String("app", cfg.App), zap.String("window_title", cfg.WindowTitle))
	return d, nil
}

// helperArgs builds the argument list for one invocation. Only the first
// invocation may launch the application.
func (d *DesktopAdapter) helperArgs(outDir, actionsPath string, first, closeApp bool) []string {
	args := append([]string{}, d.cfg.Helper[1:]...)
	args = append(args,
		"--out-dir", outDir,
		"--backend", d.cfg.Backend,
		"--max-controls", strconv.Itoa(d.maxControls()),
		"--timeout-ms", strconv.FormatInt(d.cfg.Timeout.Milliseconds(), 10),
		"--settle-ms", strconv.FormatInt(d.cfg.Settle.Milliseconds(), 10),
	)
	if d.cfg.WindowTitle != "" {
		args = append(args, "--window-title", d.cfg.WindowTitle)
	}
	if d.cfg.App != "" {
		args = append(args, "--app", d.cfg.App)
		if first && d.cfg.AppArgs != "" {
			args = append(args, "--app-args", d.cfg.AppArgs)
		}
	}
	args = append(args, "--reuse")
	if !first || d.cfg.AttachOnly {
		args = append(args, "--attach-only")
	}
	if actionsPath != "" {
		args = append(args, "--actions-json", actionsPath)
	}
	if closeApp {
		args = append(args, "--close")
	}
	return args
}

// invocationTimeout bounds one helper run.
func (d *DesktopAdapter) invocationTimeout() time.Duration {
	if d.cfg.ActionTimeout > 0 {
		return d.cfg.ActionTimeout
	}
	return d.cfg.Timeout + d.cfg.Settle + helperGrace
}

func (d *DesktopAdapter) maxControls() int {
	if d.cfg.MaxControls > 0 {
		return d.cfg.MaxControls
	}
	return 120
}

// probe runs the helper once. The returned error wraps ErrTargetUnreachable when
// the window is gone, and errScreenshotFailed when only the capture failed.
func (d *DesktopAdapter) probe(ctx context.Context, actions []helperAction, closeApp bool) (*probeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.invocations++
	first := d.invocations == 1
	outDir := filepath.Join(d.workDir, fmt.Sprintf("probe_%04d", d.invocations))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create probe dir: %w", err)
	}

	actionsPath := ""
	if len(actions) > 0 {
		data, err := json.Marshal(map[string]any{"actions": actions})
		if err != nil {
			return nil, fmt.Errorf("failed to encode helper actions: %w", err)
		}
		actionsPath = filepath.Join(outDir, actionsFile)
		if err := os.WriteFile(actionsPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write helper actions: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.invocationTimeout())
	defer cancel()

	args := d.helperArgs(outDir, actionsPath, first, closeApp)
	out, err := d.runner.Run(runCtx, d.cfg.Helper[0], args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch code := exitCode(err); code {
		case exitScreenshot:
			return nil, fmt.Errorf("%w: %v", errScreenshotFailed, err)
		case exitNoAutomation, exitWindowNotFound, -1:
			return nil, fmt.Errorf("%w: %v", schemas.ErrTargetUnreachable, err)
		default:
			return nil, fmt.Errorf("desktop helper failed: %w", err)
		}
	}

	resultPath := strings.TrimSpace(string(out))
	if resultPath == "" {
		resultPath = filepath.Join(outDir, probeFile)
	}
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read helper output: %w", err)
	}
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode helper output: %w", err)
	}
	if res.Screenshot != "" && !filepath.IsAbs(res.Screenshot) {
		res.Screenshot = filepath.Join(outDir, filepath.Base(res.Screenshot))
	}
	return &res, nil
}

// Kind implements schemas.TargetAdapter.
func (d *DesktopAdapter) Kind() schemas.TargetKind { return schemas.TargetDesktop }

// Describe implements schemas.TargetAdapter.
func (d *DesktopAdapter) Describe() schemas.TargetDescriptor {
	return schemas.TargetDescriptor{
		Kind:     schemas.TargetDesktop,
		Name:     d.target.Name,
		Location: d.cfg.App,
		Details: map[string]string{
			"backend":      d.cfg.Backend,
			"window_title": d.cfg.WindowTitle,
		},
	}
}

// Enumerate implements schemas.TargetAdapter.
func (d *DesktopAdapter) Enumerate(ctx context.Context) ([]schemas.ElementDescriptor, error) {
	res, err := d.probe(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	return controlsToElements(res.Controls), nil
}

// controlsToElements maps actionable, enabled and visible controls to descriptors.
func controlsToElements(controls []probeControl) []schemas.ElementDescriptor {
	ids := idAllocator{}
	var out []schemas.ElementDescriptor
	for i, c := range controls {
		index := locatorIndex(controls, i)

		var kind schemas.ElementKind
		switch {
		case textControls[c.ControlType]:
			kind = schemas.ElementText
		case choiceControls[c.ControlType]:
			kind = schemas.ElementChoice
		case clickControls[c.ControlType]:
			kind = schemas.ElementClickable
		default:
			continue
		}
		if !c.Enabled || !c.Visible {
			continue
		}

		selector := fmt.Sprintf("control_type=%s;automation_id=%s;name=%s;index=%d", c.ControlType, c.AutomationID, c.Name, index)
		out = append(out, schemas.ElementDescriptor{
			ID:       ids.next(fingerprint("ctl-", selector)),
			Selector: selector,
			Kind:     kind,
			Label:    c.Name,
			Geometry: c.Rect.rect(),
			Attributes: map[string]string{
				"automation_id": c.AutomationID,
				"name":          c.Name,
				"control_type":  c.ControlType,
				"class_name":    c.ClassName,
				"index":         strconv.Itoa(index),
			},
		})
	}
	return out
}

// locatorIndex is the position of controls[i] among the controls matching its
// locator. The helper treats an empty locator field as a wildcard, so an earlier
// control matches when it agrees on every field controls[i] has set.
func locatorIndex(controls []probeControl, i int) int {
	want := controls[i]
	index := 0
	for _, c := range controls[:i] {
		if want.AutomationID != "" && c.AutomationID != want.AutomationID {
			continue
		}
		if want.Name != "" && c.Name != want.Name {
			continue
		}
		if want.ControlType != "" && c.ControlType != want.ControlType {
			continue
		}
		index++
	}
	return index
}

// locate targets el by its control locator, falling back to a click on the
// element's centre when it has none. The helper's window_rect is not the window
// (it reports the last control's rectangle), so coordinates are passed through
// and the helper retries them against its own window origin.
func (d *DesktopAdapter) locate(el schemas.ElementDescriptor) helperAction {
	a := el.Attributes
	if a["automation_id"] != "" || a["name"] != "" || a["control_type"] != "" {
		index, _ := strconv.Atoi(a["index"])
		return helperAction{
			Type:         "click_control",
			AutomationID: a["automation_id"],
			Name:         a["name"],
			ControlType:  a["control_type"],
			Index:        index,
		}
	}
	var x, y int
	if el.Geometry != nil {
		x, y = el.Geometry.Center()
	}
	return helperAction{Type: "click", X: x, Y: y}
}

// desktopKeys converts a key name into the helper's send_keys notation.
func desktopKeys(name string) string {
	if strings.HasPrefix(name, "{") {
		return name
	}
	switch strings.ToLower(name) {
	case "", "enter", "return":
		return "{ENTER}"
	case "escape", "esc":
		return "{ESC}"
	default:
		return "{" + strings.ToUpper(name) + "}"
	}
}

// Act implements schemas.TargetAdapter.
func (d *DesktopAdapter) Act(ctx context.Context, el schemas.ElementDescriptor, kind schemas.ActionKind, payload string) error {
	actions := []helperAction{d.locate(el)}
	switch kind {
	case schemas.ActionClick:
	case schemas.ActionFill:
		actions = append(actions, helperAction{Type: "type_text", Text: payload})
	case schemas.ActionSelect:
		if payload != "" {
			actions = append(actions, helperAction{Type: "type_text", Text: payload})
		}
		actions = append(actions, helperAction{Type: "keypress", Keys: "{ENTER}"})
	case schemas.ActionKey:
		actions = append(actions, helperAction{Type: "keypress", Keys: desktopKeys(payload)})
	default:
		return fmt.Errorf("unsupported action %q", kind)
	}
	if d.cfg.Settle > 0 {
		actions[len(actions)-1].DelayMs = d.cfg.Settle.Milliseconds()
	}

	_, err := d.probe(ctx, actions, false)
	if errors.Is(err, errScreenshotFailed) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on %s", schemas.ErrActionTimeout, kind, el.ID)
	}
	return err
}

// Snapshot implements schemas.TargetAdapter.
func (d *DesktopAdapter) Snapshot(ctx context.Context) (*schemas.Snapshot, error) {
	snap := &schemas.Snapshot{
		ImageFormat: "png",
		Metadata:    map[string]any{"backend": d.cfg.Backend},
		CapturedAt:  time.Now().UTC(),
	}

	res, err := d.probe(ctx, nil, false)
	if errors.Is(err, errScreenshotFailed) {
		snap.AddCaptureError(err.Error())
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Metadata["window_title"] = res.WindowTitle
	snap.Metadata["control_count"] = res.ControlCount
	snap.Metadata["element_count"] = len(controlsToElements(res.Controls))

	if res.Screenshot == "" {
		snap.AddCaptureError("helper reported no screenshot")
		return snap, nil
	}
	image, err := os.ReadFile(res.Screenshot)
	if err != nil {
		snap.AddCaptureError("screenshot: " + err.Error())
		return snap, nil
	}
	snap.Image = image
	return snap, nil
}

// Dispose implements schemas.TargetAdapter.
func (d *DesktopAdapter) Dispose(ctx context.Context) error {
	d.disposeOnce.Do(func() {
		if d.cfg.CloseOnDispose {
			if _, err := d.probe(ctx, nil, true); err != nil && !errors.Is(err, errScreenshotFailed) {
				d.disposeErr = fmt.Errorf("failed to close desktop app: %w", err)
			}
		}
		d.cleanup()
		d.logger.Debug("Desktop target disposed.")
	})
	return d.disposeErr
}

func (d *DesktopAdapter) cleanup() {
	if d.ownsWorkDir {
		if err := os.RemoveAll(d.workDir); err != nil {
			d.logger.Warn("Failed to remove desktop work dir.", zap.String("dir", d.workDir), zap.Error(err))
		}
	}
}
