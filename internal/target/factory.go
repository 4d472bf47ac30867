// internal/target/factory.go
package target

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

// New opens the adapter selected by cfg.Target.Kind. The returned adapter owns its
// resources until Dispose.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.TargetAdapter, error) {
	var (
		adapter schemas.TargetAdapter
		err     error
	)
	switch schemas.TargetKind(cfg.Target.Kind) {
	case schemas.TargetBrowser:
		var b *BrowserAdapter
		if b, err = NewBrowserAdapter(ctx, cfg.Target, cfg.Browser, logger); err == nil {
			adapter = b
		}
	case schemas.TargetDesktop:
		var d *DesktopAdapter
		if d, err = NewDesktopAdapter(ctx, cfg.Target, cfg.Desktop, ExecRunner{Dir: cfg.Desktop.WorkDir}, logger); err == nil {
			adapter = d
		}
	case schemas.TargetMobile:
		var m *MobileAdapter
		if m, err = NewMobileAdapter(ctx, cfg.Target, cfg.Mobile, ExecRunner{}, logger); err == nil {
			adapter = m
		}
	default:
		return nil, fmt.Errorf("unsupported target kind: %q", cfg.Target.Kind)
	}
	if err != nil {
		return nil, err
	}
	return adapter, nil
}
