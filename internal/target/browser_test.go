package target

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, kb.Enter, keyFor("Enter"))
	assert.Equal(t, kb.Enter, keyFor(""))
	assert.Equal(t, kb.Tab, keyFor("TAB"))
	assert.Equal(t, kb.Escape, keyFor("esc"))
	assert.Equal(t, "x", keyFor("x"))
}

func TestExecAllocatorOptions(t *testing.T) {
	base := len(execAllocatorOptions(config.BrowserConfig{}))
	withArgs := execAllocatorOptions(config.BrowserConfig{
		Args:           []string{"--no-zygote", "lang=en-US"},
		ViewportWidth:  1280,
		ViewportHeight: 800,
	})
	assert.Len(t, withArgs, base+3)
}

func TestDispatchChangeJS(t *testing.T) {
	js := dispatchChangeJS(`//*[@id='plan']`)
	assert.Contains(t, js, `"//*[@id='plan']"`)
	assert.Contains(t, js, "new Event('change'")
}

func TestNewBrowserAdapter_RequiresURL(t *testing.T) {
	_, err := NewBrowserAdapter(context.Background(), config.TargetConfig{Kind: "browser"}, config.BrowserConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func findChrome() bool {
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func TestBrowserAdapter_Integration(t *testing.T) {
	if testing.Short() || !findChrome() {
		t.Skip("requires a local Chrome installation")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Fixture</title></head><body>
<input id="q" type="text" placeholder="Search">
<select id="plan"><option value="">-</option><option value="pro">Pro</option></select>
<button id="go" onclick="document.title='clicked'">Go</button>
</body></html>`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := NewBrowserAdapter(ctx, config.TargetConfig{Kind: "browser", URL: srv.URL},
		config.BrowserConfig{Headless: true, NavigationTimeout: 20 * time.Second, DOMExcerptBytes: 4096}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Dispose(context.Background())

	els, err := b.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, els, 3)

	require.NoError(t, b.Act(ctx, els[0], schemas.ActionFill, "missionloop"))
	require.NoError(t, b.Act(ctx, els[1], schemas.ActionSelect, ""))
	require.NoError(t, b.Act(ctx, els[2], schemas.ActionClick, ""))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Image)
	assert.Equal(t, "clicked", snap.Metadata["title"])
	assert.Equal(t, 3, snap.Metadata["element_count"])

	require.NoError(t, b.Dispose(context.Background()))
	_, err = b.Snapshot(ctx)
	assert.ErrorIs(t, err, schemas.ErrTargetUnreachable)
}
