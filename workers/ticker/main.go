// Command ticker is a reference overseer worker. It emits count messages,
// pausing interval_ms between them, and can be told to fail so retry and
// timeout policy can be tried out against a real process.
//
// Input (all optional):
//
//	{"count": 3, "interval_ms": 100, "fail": false, "label": "tick"}
//
// Worker config supplies defaults for the same keys.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/overseer/internal/protocol"
)

const (
	defaultCount    = 3
	defaultInterval = 100 * time.Millisecond
	maxCount        = 10000
)

type params struct {
	Count    int
	Interval time.Duration
	Fail     bool
	Label    string
}

type tick struct {
	Label  string `json:"label"`
	Index  int    `json:"index"`
	Of     int    `json:"of"`
	Worker string `json:"worker"`
	At     string `json:"at"`
}

func main() {
	os.Exit(run(os.Stdin, os.Stdout, time.Sleep))
}

// run handles one request and returns the process exit code.
func run(stdin io.Reader, stdout io.Writer, sleep func(time.Duration)) int {
	req, err := protocol.DecodeRequest(stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ticker: %v\n", err)
		return 2
	}

	p := parseParams(req.Config, req.Input)
	logLine(stdout, "info", fmt.Sprintf("ticker starting: count=%d interval=%s", p.Count, p.Interval))

	for i := 1; i <= p.Count; i++ {
		if i > 1 && p.Interval > 0 {
			sleep(p.Interval)
		}
		msg := &protocol.Message{Type: protocol.TypeMessage, Data: tick{
			Label:  p.Label,
			Index:  i,
			Of:     p.Count,
			Worker: req.Worker,
			At:     time.Now().UTC().Format(time.RFC3339Nano),
		}}
		if err := protocol.EncodeMessage(stdout, msg); err != nil {
			fmt.Fprintf(os.Stderr, "ticker: %v\n", err)
			return 2
		}
	}

	if p.Fail {
		logLine(stdout, "error", "failing as requested")
		return 1
	}
	return 0
}

func logLine(w io.Writer, level, text string) {
	_ = protocol.EncodeMessage(w, &protocol.Message{Type: protocol.TypeLog, Level: level, Text: text})
}

// parseParams layers input over worker config over defaults.
func parseParams(cfg map[string]any, input any) params {
	p := params{Count: defaultCount, Interval: defaultInterval, Label: "tick"}
	apply := func(m map[string]any) {
		if m == nil {
			return
		}
		if n, ok := asInt(m["count"]); ok && n >= 0 {
			p.Count = min(n, maxCount)
		}
		if n, ok := asInt(m["interval_ms"]); ok && n >= 0 {
			p.Interval = time.Duration(n) * time.Millisecond
		}
		if b, ok := m["fail"].(bool); ok {
			p.Fail = b
		}
		if s, ok := m["label"].(string); ok && s != "" {
			p.Label = s
		}
	}
	apply(cfg)
	if m, ok := input.(map[string]any); ok {
		apply(m)
	}
	return p
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
