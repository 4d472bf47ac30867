package target

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

// fakeHelper imitates the probe helper: it writes the screenshot and the probe
// document into --out-dir and prints the document path.
type fakeHelper struct {
	mu       sync.Mutex
	calls    [][]string
	actions  [][]helperAction
	exitCode map[int]int // invocation number -> exit code
	controls []probeControl
}

func flagValue(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func (f *fakeHelper) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	n := len(f.calls)

	var actions []helperAction
	if path := flagValue(args, "--actions-json"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var doc struct {
			Actions []helperAction `json:"actions"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		actions = doc.Actions
	}
	f.actions = append(f.actions, actions)

	if code, ok := f.exitCode[n]; ok {
		return nil, &CommandError{Command: name, ExitCode: code, Stderr: "ERROR: scripted"}
	}

	outDir := flagValue(args, "--out-dir")
	shot := filepath.Join(outDir, "desktop_1.png")
	if err := os.WriteFile(shot, fakePNG, 0o644); err != nil {
		return nil, err
	}
	doc := probeResult{
		App:          flagValue(args, "--app"),
		AttachOnly:   hasFlag(args, "--attach-only"),
		Backend:      flagValue(args, "--backend"),
		WindowTitle:  "Calculator",
		ControlCount: len(f.controls) + 3,
		Controls:     f.controls,
		Screenshot:   shot,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(outDir, probeFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return []byte(path + "\n"), nil
}

func calculatorControls() []probeControl {
	return []probeControl{
		{Name: "Display", ControlType: "Edit", AutomationID: "display", Enabled: true, Visible: true, Rect: probeRect{Left: 110, Top: 60, Right: 490, Bottom: 120}},
		{Name: "Seven", ControlType: "Button", AutomationID: "", Enabled: true, Visible: true, Rect: probeRect{Left: 110, Top: 200, Right: 190, Bottom: 260}},
		{Name: "Seven", ControlType: "Button", AutomationID: "", Enabled: true, Visible: true, Rect: probeRect{Left: 210, Top: 200, Right: 290, Bottom: 260}},
		{Name: "Mode", ControlType: "ComboBox", AutomationID: "mode", Enabled: true, Visible: true, Rect: probeRect{Left: 300, Top: 130, Right: 490, Bottom: 170}},
		{Name: "Hidden", ControlType: "Button", Enabled: true, Visible: false},
		{Name: "Off", ControlType: "Button", Enabled: false, Visible: true},
		{Name: "Pane", ControlType: "Pane", Enabled: true, Visible: true},
	}
}

func desktopConfig(t *testing.T) config.DesktopConfig {
	return config.DesktopConfig{
		Helper:      []string{"python", "probe.py"},
		App:         `C:\calc.exe`,
		AppArgs:     "--fresh",
		WindowTitle: "Calc.*",
		Timeout:     2 * time.Second,
		WorkDir:     t.TempDir(),
	}
}

func newDesktop(t *testing.T, cfg config.DesktopConfig, helper *fakeHelper) *DesktopAdapter {
	t.Helper()
	d, err := NewDesktopAdapter(context.Background(), config.TargetConfig{Kind: "desktop", Name: "calc"}, cfg, helper, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d
}

func TestDesktopAdapter_LaunchThenAttach(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	d := newDesktop(t, desktopConfig(t), helper)

	_, err := d.Enumerate(context.Background())
	require.NoError(t, err)

	require.Len(t, helper.calls, 2)
	launch, attach := helper.calls[0], helper.calls[1]
	assert.Equal(t, "python", launch[0])
	assert.Equal(t, "probe.py", launch[1])
	assert.Equal(t, `C:\calc.exe`, flagValue(launch, "--app"))
	assert.Equal(t, "--fresh", flagValue(launch, "--app-args"))
	assert.Equal(t, "uia", flagValue(launch, "--backend"))
	assert.Equal(t, "2000", flagValue(launch, "--timeout-ms"))
	assert.False(t, hasFlag(launch, "--attach-only"))

	assert.True(t, hasFlag(attach, "--attach-only"))
	assert.Empty(t, flagValue(attach, "--app-args"))
	assert.NotEqual(t, flagValue(launch, "--out-dir"), flagValue(attach, "--out-dir"))
}

func TestDesktopAdapter_Enumerate(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	d := newDesktop(t, desktopConfig(t), helper)

	els, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, els, 4)

	assert.Equal(t, schemas.ElementText, els[0].Kind)
	assert.Equal(t, schemas.ElementClickable, els[1].Kind)
	assert.Equal(t, "0", els[1].Attributes["index"])
	assert.Equal(t, "1", els[2].Attributes["index"], "second control with the same locator")
	assert.NotEqual(t, els[1].ID, els[2].ID)
	assert.Equal(t, schemas.ElementChoice, els[3].Kind)
	assert.Equal(t, &schemas.Rect{Left: 110, Top: 60, Right: 490, Bottom: 120}, els[0].Geometry)
}

func TestDesktopAdapter_Act(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	cfg := desktopConfig(t)
	cfg.Settle = 100 * time.Millisecond
	d := newDesktop(t, cfg, helper)

	els, err := d.Enumerate(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Act(context.Background(), els[0], schemas.ActionFill, "12+3"))
	require.NoError(t, d.Act(context.Background(), els[2], schemas.ActionClick, ""))
	require.NoError(t, d.Act(context.Background(), els[1], schemas.ActionKey, "Enter"))

	fill := helper.actions[2]
	require.Len(t, fill, 2)
	assert.Equal(t, helperAction{Type: "click_control", AutomationID: "display", Name: "Display", ControlType: "Edit"}, fill[0])
	assert.Equal(t, helperAction{Type: "type_text", Text: "12+3", DelayMs: 100}, fill[1])

	click := helper.actions[3]
	require.Len(t, click, 1)
	assert.Equal(t, 1, click[0].Index)

	key := helper.actions[4]
	require.Len(t, key, 2)
	assert.Equal(t, "{ENTER}", key[1].Keys)
}

func TestDesktopAdapter_ActCoordinateFallback(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	d := newDesktop(t, desktopConfig(t), helper)

	el := schemas.ElementDescriptor{ID: "raw", Geometry: &schemas.Rect{Left: 200, Top: 150, Right: 220, Bottom: 170}}
	require.NoError(t, d.Act(context.Background(), el, schemas.ActionClick, ""))

	last := helper.actions[len(helper.actions)-1]
	require.Len(t, last, 1)
	assert.Equal(t, helperAction{Type: "click", X: 210, Y: 160}, last[0])
}

func TestControlsToElements_WildcardLocatorIndex(t *testing.T) {
	controls := []probeControl{
		{AutomationID: "save", Name: "OK", ControlType: "Button", Enabled: true, Visible: true},
		{AutomationID: "", Name: "OK", ControlType: "Button", Enabled: true, Visible: true},
		{AutomationID: "cancel", Name: "OK", ControlType: "Button", Enabled: true, Visible: true},
	}

	els := controlsToElements(controls)
	require.Len(t, els, 3)
	assert.Equal(t, "0", els[0].Attributes["index"])
	// An empty automation id matches the first control as well.
	assert.Equal(t, "1", els[1].Attributes["index"])
	assert.Equal(t, "0", els[2].Attributes["index"], "set fields must all match")
}

// deadlineRunner records how long each helper run was allowed to take.
type deadlineRunner struct {
	*fakeHelper
	budgets []time.Duration
}

func (r *deadlineRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		r.budgets = append(r.budgets, time.Until(dl))
	}
	return r.fakeHelper.Run(ctx, name, args...)
}

func TestDesktopAdapter_InvocationTimeout(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		runner := &deadlineRunner{fakeHelper: &fakeHelper{controls: calculatorControls()}}
		cfg := desktopConfig(t)
		cfg.ActionTimeout = 45 * time.Second
		d, err := NewDesktopAdapter(context.Background(), config.TargetConfig{Kind: "desktop"}, cfg, runner, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.Len(t, runner.budgets, 1)
		assert.InDelta(t, float64(45*time.Second), float64(runner.budgets[0]), float64(time.Second))
		assert.Equal(t, 45*time.Second, d.invocationTimeout())
	})

	t.Run("derived from the helper timeout", func(t *testing.T) {
		cfg := desktopConfig(t)
		cfg.Settle = 500 * time.Millisecond
		d := newDesktop(t, cfg, &fakeHelper{controls: calculatorControls()})
		assert.Equal(t, 2*time.Second+500*time.Millisecond+helperGrace, d.invocationTimeout())
	})
}

func TestDesktopAdapter_Snapshot(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	d := newDesktop(t, desktopConfig(t), helper)

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fakePNG, snap.Image)
	assert.Equal(t, "png", snap.ImageFormat)
	assert.Equal(t, "Calculator", snap.Metadata["window_title"])
	assert.Equal(t, 10, snap.Metadata["control_count"])
	assert.Equal(t, 4, snap.Metadata["element_count"])
	assert.NotContains(t, snap.Metadata, "capture_errors")
}

func TestDesktopAdapter_SnapshotCaptureFailure(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls(), exitCode: map[int]int{2: exitScreenshot}}
	d := newDesktop(t, desktopConfig(t), helper)

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err, "a failed capture is recorded, not raised")
	assert.Nil(t, snap.Image)
	assert.Contains(t, snap.Metadata, "capture_errors")
}

func TestDesktopAdapter_Unreachable(t *testing.T) {
	t.Run("window not found at launch", func(t *testing.T) {
		helper := &fakeHelper{exitCode: map[int]int{1: exitWindowNotFound}}
		_, err := NewDesktopAdapter(context.Background(), config.TargetConfig{}, desktopConfig(t), helper, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, schemas.ErrTargetUnreachable)
	})

	t.Run("window lost later", func(t *testing.T) {
		helper := &fakeHelper{exitCode: map[int]int{2: exitWindowNotFound}}
		d := newDesktop(t, desktopConfig(t), helper)
		_, err := d.Snapshot(context.Background())
		assert.ErrorIs(t, err, schemas.ErrTargetUnreachable)
	})

	t.Run("app required unless attaching", func(t *testing.T) {
		cfg := desktopConfig(t)
		cfg.App = ""
		_, err := NewDesktopAdapter(context.Background(), config.TargetConfig{}, cfg, &fakeHelper{}, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestDesktopAdapter_Dispose(t *testing.T) {
	helper := &fakeHelper{controls: calculatorControls()}
	cfg := desktopConfig(t)
	cfg.CloseOnDispose = true
	d := newDesktop(t, cfg, helper)

	require.NoError(t, d.Dispose(context.Background()))
	require.NoError(t, d.Dispose(context.Background()))

	require.Len(t, helper.calls, 2, "dispose runs the helper once")
	closing := helper.calls[1]
	assert.True(t, hasFlag(closing, "--close"))
	assert.True(t, hasFlag(closing, "--attach-only"))
}

func TestDesktopKeys(t *testing.T) {
	assert.Equal(t, "{ENTER}", desktopKeys(""))
	assert.Equal(t, "{ESC}", desktopKeys("Escape"))
	assert.Equal(t, "{TAB}", desktopKeys("tab"))
	assert.Equal(t, "{F5}", desktopKeys("{F5}"))
}
