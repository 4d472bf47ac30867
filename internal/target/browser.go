// internal/target/browser.go
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

// BrowserAdapter drives a single headless Chrome tab through chromedp.
type BrowserAdapter struct {
	target config.TargetConfig
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	console     consoleLog

	disposeOnce sync.Once
	disposeErr  error
}

// execAllocatorOptions builds the Chrome flags from configuration.
func execAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}

	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(arg, "=")
		key = strings.TrimPrefix(key, "--")
		if !hasValue {
			opts = append(opts, chromedp.Flag(key, true))
			continue
		}
		opts = append(opts, chromedp.Flag(key, value))
	}
	return opts
}

// NewBrowserAdapter launches Chrome and navigates to target.URL. Any launch or
// navigation failure wraps schemas.ErrTargetUnreachable.
func NewBrowserAdapter(ctx context.Context, target config.TargetConfig, cfg config.BrowserConfig, logger *zap.Logger) (*BrowserAdapter, error) {
	if target.URL == "" {
		return nil, errors.New("browser target requires target.url")
	}

	// The browser outlives individual operations; it is torn down only by Dispose.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execAllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	b := &BrowserAdapter{
		target:      target,
		cfg:         cfg,
		logger:      logger.Named("target.browser"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	// The first Run on the tab context starts the browser and must not carry a timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		b.Dispose(ctx)
		return nil, fmt.Errorf("%w: failed to start browser: %v", schemas.ErrTargetUnreachable, err)
	}
	chromedp.ListenTarget(tabCtx, b.console.handle)

	navCtx, cancel := b.scoped(ctx, cfg.NavigationTimeout)
	defer cancel()
	actions := []chromedp.Action{}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)))
	}
	actions = append(actions, chromedp.Navigate(target.URL), chromedp.WaitReady("body", chromedp.ByQuery))
	if err := chromedp.Run(navCtx, actions...); err != nil {
		b.Dispose(ctx)
		return nil, fmt.Errorf("%w: failed to open %s: %v", schemas.ErrTargetUnreachable, target.URL, err)
	}

	b.logger.Info("Browser target opened.", zap.String("url", target.URL))
	return b, nil
}

// scoped derives an operation context from the tab that also ends when ctx ends,
// optionally bounded by timeout.
func (b *BrowserAdapter) scoped(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(b.tabCtx)
	cancels := []context.CancelFunc{cancel}
	if dl, ok := ctx.Deadline(); ok {
		var c context.CancelFunc
		opCtx, c = context.WithDeadline(opCtx, dl)
		cancels = append(cancels, c)
	}
	if timeout > 0 {
		var c context.CancelFunc
		opCtx, c = context.WithTimeout(opCtx, timeout)
		cancels = append(cancels, c)
	}
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// Kind implements schemas.TargetAdapter.
func (b *BrowserAdapter) Kind() schemas.TargetKind { return schemas.TargetBrowser }

// Describe implements schemas.TargetAdapter.
func (b *BrowserAdapter) Describe() schemas.TargetDescriptor {
	return schemas.TargetDescriptor{
		Kind:     schemas.TargetBrowser,
		Name:     b.target.Name,
		Location: b.target.URL,
		Details: map[string]string{
			"viewport": fmt.Sprintf("%dx%d", b.cfg.ViewportWidth, b.cfg.ViewportHeight),
		},
	}
}

func (b *BrowserAdapter) outerHTML(ctx context.Context) (string, error) {
	var outer string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &outer, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return outer, nil
}

// Enumerate implements schemas.TargetAdapter.
func (b *BrowserAdapter) Enumerate(ctx context.Context) ([]schemas.ElementDescriptor, error) {
	opCtx, cancel := b.scoped(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	outer, err := b.outerHTML(opCtx)
	if err != nil {
		return nil, b.classify("read DOM", err)
	}
	doc, err := htmlquery.Parse(strings.NewReader(outer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOM: %w", err)
	}
	return enumerateHTML(doc), nil
}

// Act implements schemas.TargetAdapter. Elements are addressed by XPath.
func (b *BrowserAdapter) Act(ctx context.Context, el schemas.ElementDescriptor, kind schemas.ActionKind, payload string) error {
	opCtx, cancel := b.scoped(ctx, 0)
	defer cancel()

	sel := el.Selector
	var actions []chromedp.Action
	switch kind {
	case schemas.ActionClick:
		actions = []chromedp.Action{chromedp.Click(sel, chromedp.BySearch)}
	case schemas.ActionFill:
		actions = []chromedp.Action{
			chromedp.SetValue(sel, "", chromedp.BySearch),
			chromedp.SendKeys(sel, payload, chromedp.BySearch),
		}
	case schemas.ActionSelect:
		value := payload
		if value == "" {
			value = el.Attributes["first_option"]
		}
		var ok bool
		actions = []chromedp.Action{
			chromedp.SetValue(sel, value, chromedp.BySearch),
			chromedp.Evaluate(dispatchChangeJS(sel), &ok),
		}
	case schemas.ActionKey:
		actions = []chromedp.Action{
			chromedp.Focus(sel, chromedp.BySearch),
			chromedp.KeyEvent(keyFor(payload)),
		}
	default:
		return fmt.Errorf("unsupported action %q", kind)
	}

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s on %s", schemas.ErrActionTimeout, kind, el.ID)
		}
		return b.classify(string(kind), err)
	}
	return nil
}

// dispatchChangeJS fires a bubbling change event on the node matched by xpath.
func dispatchChangeJS(xpath string) string {
	return fmt.Sprintf(`(function(){var n=document.evaluate(%q,document,null,XPathResult.FIRST_ORDERED_NODE_TYPE,null).singleNodeValue;if(!n){return false;}n.dispatchEvent(new Event('change',{bubbles:true}));return true;})()`, xpath)
}

// keyFor maps a configured key name onto the chromedp key sequence.
func keyFor(name string) string {
	switch strings.ToLower(name) {
	case "", "enter", "return":
		return kb.Enter
	case "tab":
		return kb.Tab
	case "escape", "esc":
		return kb.Escape
	case "backspace":
		return kb.Backspace
	case "down", "arrowdown":
		return kb.ArrowDown
	case "up", "arrowup":
		return kb.ArrowUp
	default:
		return name
	}
}

// Snapshot implements schemas.TargetAdapter. Each capture step is independent; a
// failing step is recorded under capture_errors.
func (b *BrowserAdapter) Snapshot(ctx context.Context) (*schemas.Snapshot, error) {
	if b.tabCtx.Err() != nil {
		return nil, fmt.Errorf("%w: browser closed", schemas.ErrTargetUnreachable)
	}
	opCtx, cancel := b.scoped(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	snap := &schemas.Snapshot{
		ImageFormat: "png",
		Metadata:    map[string]any{},
		CapturedAt:  time.Now().UTC(),
	}

	var image []byte
	if err := chromedp.Run(opCtx, chromedp.FullScreenshot(&image, 100)); err != nil {
		snap.AddCaptureError("screenshot: " + err.Error())
	} else {
		snap.Image = image
	}

	var url, title string
	if err := chromedp.Run(opCtx, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		snap.AddCaptureError("location: " + err.Error())
	} else {
		snap.Metadata["url"] = url
		snap.Metadata["title"] = title
	}

	if outer, err := b.outerHTML(opCtx); err != nil {
		snap.AddCaptureError("dom: " + err.Error())
	} else if doc, err := htmlquery.Parse(strings.NewReader(outer)); err != nil {
		snap.AddCaptureError("dom parse: " + err.Error())
	} else {
		snap.Metadata["element_count"] = len(enumerateHTML(doc))
		snap.Metadata["dom_excerpt"] = domExcerpt(doc, b.cfg.DOMExcerptBytes)
	}
	if errs := b.console.drain(); len(errs) > 0 {
		snap.Metadata["console_errors"] = errs
	}

	if b.tabCtx.Err() != nil {
		return nil, fmt.Errorf("%w: browser closed during capture", schemas.ErrTargetUnreachable)
	}
	return snap, nil
}

// classify marks errors caused by a dead browser as unreachable.
func (b *BrowserAdapter) classify(op string, err error) error {
	if b.tabCtx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", schemas.ErrTargetUnreachable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Dispose implements schemas.TargetAdapter.
func (b *BrowserAdapter) Dispose(ctx context.Context) error {
	b.disposeOnce.Do(func() {
		if err := chromedp.Cancel(b.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.disposeErr = fmt.Errorf("failed to close browser tab: %w", err)
		}
		b.tabCancel()
		b.allocCancel()
		b.logger.Debug("Browser target disposed.")
	})
	return b.disposeErr
}
