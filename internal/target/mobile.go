// internal/target/mobile.go
package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// shellMeta are characters the device shell would interpret inside "input text".
const shellMeta = `\'"()<>|;&*~$` + "`"

// MobileAdapter drives an Android device through adb.
type MobileAdapter struct {
	target config.TargetConfig
	cfg    config.MobileConfig
	runner Runner
	logger *zap.Logger

	disposeOnce sync.Once
	disposeErr  error
}

// NewMobileAdapter checks the device is reachable and launches the configured
// package when one is set.
func NewMobileAdapter(ctx context.Context, target config.TargetConfig, cfg config.MobileConfig, runner Runner, logger *zap.Logger) (*MobileAdapter, error) {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	m := &MobileAdapter{
		target: target,
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("target.mobile"),
	}

	out, err := m.adb(ctx, "get-state")
	if err != nil || strings.TrimSpace(string(out)) != "device" {
		return nil, fmt.Errorf("%w: device %q is not ready: %v", schemas.ErrTargetUnreachable, cfg.Serial, err)
	}

	if cfg.Package != "" {
		var launch []string
		if cfg.Activity != "" {
			launch = []string{"shell", "am", "start", "-n", cfg.Package + "/" + cfg.Activity}
		} else {
			launch = []string{"shell", "monkey", "-p", cfg.Package, "-c", "android.intent.category.LAUNCHER", "1"}
		}
		if _, err := m.adb(ctx, launch...); err != nil {
			return nil, fmt.Errorf("%w: failed to launch %s: %v", schemas.ErrTargetUnreachable, cfg.Package, err)
		}
	}

	m.logger.Info("Mobile target opened.", zap.String("serial", cfg.Serial), zap.String("package", cfg.Package))
	return m, nil
}

func (m *MobileAdapter) adb(ctx context.Context, args ...string) ([]byte, error) {
	if m.cfg.Serial != "" {
		args = append([]string{"-s", m.cfg.Serial}, args...)
	}
	return m.runner.Run(ctx, m.cfg.ADBPath, args...)
}

// Kind implements schemas.TargetAdapter.
func (m *MobileAdapter) Kind() schemas.TargetKind { return schemas.TargetMobile }

// Describe implements schemas.TargetAdapter.
func (m *MobileAdapter) Describe() schemas.TargetDescriptor {
	return schemas.TargetDescriptor{
		Kind:     schemas.TargetMobile,
		Name:     m.target.Name,
		Location: m.cfg.Serial,
		Details: map[string]string{
			"package":  m.cfg.Package,
			"activity": m.cfg.Activity,
		},
	}
}

// dumpUI returns the raw uiautomator hierarchy.
func (m *MobileAdapter) dumpUI(ctx context.Context) ([]byte, error) {
	out, err := m.adb(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, m.classify("ui dump", err)
	}
	return extractHierarchy(out)
}

// extractHierarchy cuts the XML document out of the dump output, which carries
// a trailing status line.
func extractHierarchy(out []byte) ([]byte, error) {
	start := bytes.Index(out, []byte("<?xml"))
	if start < 0 {
		start = bytes.Index(out, []byte("<hierarchy"))
	}
	end := bytes.LastIndex(out, []byte("</hierarchy>"))
	if start < 0 || end < start {
		return nil, errors.New("ui dump did not contain a hierarchy")
	}
	return out[start : end+len("</hierarchy>")], nil
}

// Enumerate implements schemas.TargetAdapter.
func (m *MobileAdapter) Enumerate(ctx context.Context) ([]schemas.ElementDescriptor, error) {
	xml, err := m.dumpUI(ctx)
	if err != nil {
		return nil, err
	}
	return parseHierarchy(xml)
}

// parseBounds reads uiautomator "[x1,y1][x2,y2]" bounds.
func parseBounds(s string) (*schemas.Rect, bool) {
	match := boundsPattern.FindStringSubmatch(s)
	if match == nil {
		return nil, false
	}
	var v [4]int
	for i := range v {
		v[i], _ = strconv.Atoi(match[i+1])
	}
	return &schemas.Rect{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, true
}

// parseHierarchy keeps enabled nodes that are clickable, or focusable text inputs.
func parseHierarchy(data []byte) ([]schemas.ElementDescriptor, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse ui dump: %w", err)
	}

	ids := idAllocator{}
	var out []schemas.ElementDescriptor
	for _, node := range doc.FindElements("//node") {
		class := node.SelectAttrValue("class", "")
		isText := strings.HasSuffix(class, "EditText")
		clickable := node.SelectAttrValue("clickable", "false") == "true"
		focusable := node.SelectAttrValue("focusable", "false") == "true"
		if node.SelectAttrValue("enabled", "false") != "true" {
			continue
		}
		if !clickable && !(focusable && isText) {
			continue
		}
		geometry, ok := parseBounds(node.SelectAttrValue("bounds", ""))
		if !ok || geometry.Empty() {
			continue
		}

		kind := schemas.ElementClickable
		switch {
		case isText:
			kind = schemas.ElementText
		case strings.HasSuffix(class, "Spinner"):
			kind = schemas.ElementChoice
		}

		resourceID := node.SelectAttrValue("resource-id", "")
		label := node.SelectAttrValue("text", "")
		if label == "" {
			label = node.SelectAttrValue("content-desc", "")
		}
		bounds := node.SelectAttrValue("bounds", "")
		out = append(out, schemas.ElementDescriptor{
			ID:       ids.next(fingerprint("node-", class+"|"+resourceID+"|"+label+"|"+bounds)),
			Selector: bounds,
			Kind:     kind,
			Label:    label,
			Geometry: geometry,
			Attributes: map[string]string{
				"class":       class,
				"resource_id": resourceID,
				"package":     node.SelectAttrValue("package", ""),
			},
		})
	}
	return out, nil
}

// escapeInputText encodes text for "adb shell input text".
func escapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(shellMeta, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// keycodeFor maps a key name onto an Android KEYCODE_ constant.
func keycodeFor(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch upper {
	case "", "RETURN":
		return "KEYCODE_ENTER"
	case "ESC", "ESCAPE":
		return "KEYCODE_BACK"
	}
	if strings.HasPrefix(upper, "KEYCODE_") {
		return upper
	}
	return "KEYCODE_" + upper
}

// Act implements schemas.TargetAdapter.
func (m *MobileAdapter) Act(ctx context.Context, el schemas.ElementDescriptor, kind schemas.ActionKind, payload string) error {
	if el.Geometry == nil {
		return fmt.Errorf("element %s has no geometry", el.ID)
	}
	x, y := el.Geometry.Center()
	steps := [][]string{{"shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y)}}

	switch kind {
	case schemas.ActionClick, schemas.ActionSelect:
	case schemas.ActionFill:
		if payload != "" {
			steps = append(steps, []string{"shell", "input", "text", escapeInputText(payload)})
		}
	case schemas.ActionKey:
		steps = append(steps, []string{"shell", "input", "keyevent", keycodeFor(payload)})
	default:
		return fmt.Errorf("unsupported action %q", kind)
	}

	for _, step := range steps {
		if _, err := m.adb(ctx, step...); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s on %s", schemas.ErrActionTimeout, kind, el.ID)
			}
			return m.classify(string(kind), err)
		}
	}
	return nil
}

// Snapshot implements schemas.TargetAdapter. The screen capture and the UI dump
// run concurrently; either may fail without failing the snapshot.
func (m *MobileAdapter) Snapshot(ctx context.Context) (*schemas.Snapshot, error) {
	snap := &schemas.Snapshot{
		ImageFormat: "png",
		Metadata:    map[string]any{"serial": m.cfg.Serial},
		CapturedAt:  time.Now().UTC(),
	}

	var (
		image             []byte
		hierarchy         []byte
		imageErr, dumpErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		image, imageErr = m.adb(gctx, "exec-out", "screencap", "-p")
		return nil
	})
	g.Go(func() error {
		hierarchy, dumpErr = m.dumpUI(gctx)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if imageErr != nil && errors.Is(m.classify("screencap", imageErr), schemas.ErrTargetUnreachable) {
		return nil, m.classify("screencap", imageErr)
	}

	if imageErr != nil {
		snap.AddCaptureError("screencap: " + imageErr.Error())
	} else if len(image) == 0 {
		snap.AddCaptureError("screencap: empty image")
	} else {
		snap.Image = image
	}

	if dumpErr != nil {
		snap.AddCaptureError("ui dump: " + dumpErr.Error())
	} else if elements, err := parseHierarchy(hierarchy); err != nil {
		snap.AddCaptureError(err.Error())
	} else {
		snap.Metadata["element_count"] = len(elements)
		snap.Metadata["ui_hierarchy_bytes"] = len(hierarchy)
	}
	return snap, nil
}

// classify marks a missing binary or a lost device as unreachable.
func (m *MobileAdapter) classify(op string, err error) error {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		if cerr.ExitCode < 0 || strings.Contains(cerr.Stderr, "device not found") ||
			strings.Contains(cerr.Stderr, "device offline") || strings.Contains(cerr.Stderr, "no devices") {
			return fmt.Errorf("%w: %s: %v", schemas.ErrTargetUnreachable, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Dispose implements schemas.TargetAdapter.
func (m *MobileAdapter) Dispose(ctx context.Context) error {
	m.disposeOnce.Do(func() {
		if m.cfg.ForceStopOnDispose && m.cfg.Package != "" {
			if _, err := m.adb(ctx, "shell", "am", "force-stop", m.cfg.Package); err != nil {
				m.disposeErr = fmt.Errorf("failed to stop %s: %w", m.cfg.Package, err)
			}
		}
		m.logger.Debug("Mobile target disposed.")
	})
	return m.disposeErr
}
