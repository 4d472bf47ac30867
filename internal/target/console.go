package target

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	json "github.com/json-iterator/go"
)

const (
	maxConsoleEntries = 20
	maxConsoleText    = 300
)

// consoleLog collects page errors and warnings between two snapshots.
type consoleLog struct {
	mu      sync.Mutex
	entries []string
	dropped int
}

// handle is registered with chromedp.ListenTarget.
func (c *consoleLog) handle(ev any) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		if e.Type != runtime.APITypeError && e.Type != runtime.APITypeWarning {
			return
		}
		c.add(string(e.Type) + ": " + consoleText(e.Args))
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return
		}
		text := e.ExceptionDetails.Text
		if ex := e.ExceptionDetails.Exception; ex != nil && ex.Description != "" {
			text = ex.Description
		}
		c.add("exception: " + text)
	}
}

func (c *consoleLog) add(entry string) {
	if len(entry) > maxConsoleText {
		entry = entry[:maxConsoleText] + "..."
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxConsoleEntries {
		c.dropped++
		return
	}
	c.entries = append(c.entries, entry)
}

// drain returns and clears the collected entries.
func (c *consoleLog) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.entries
	if c.dropped > 0 {
		out = append(out, fmt.Sprintf("(%d more not shown)", c.dropped))
	}
	c.entries, c.dropped = nil, 0
	return out
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		var val any
		switch {
		case len(arg.Value) > 0 && json.Unmarshal([]byte(arg.Value), &val) == nil:
			parts = append(parts, fmt.Sprintf("%v", val))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", arg.Type))
		}
	}
	return strings.Join(parts, " ")
}
