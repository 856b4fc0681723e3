package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// message is one line of the stdio protocol. Guest to host: "toolcall"
// and "result". Host to guest: "toolcall_response".
type message struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Secret   string         `json:"secret,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	ExitCode int            `json:"exit_code,omitempty"`
}

// maxLineBytes bounds a single protocol line or output line.
const maxLineBytes = 4 << 20

// guestResult accumulates pump state. Output lines are everything the
// guest printed that was not an authenticated protocol message.
type guestResult struct {
	mu       sync.Mutex
	output   strings.Builder
	errText  string
	exitCode int
	reported bool
}

func (g *guestResult) Output() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.TrimRight(g.output.String(), "\n")
}

func (g *guestResult) ErrorOutput() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errText
}

func (g *guestResult) ExitCode() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}

// Reported reports whether the guest delivered a final result message.
func (g *guestResult) Reported() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reported
}

// runPump drives the guest protocol until the guest sends its result
// message or closes stdout. Each toolcall is serviced on its own
// goroutine so guests may issue concurrent calls; responses are written
// under a mutex to keep lines whole. The pump waits for in-flight
// handlers so un-awaited guest calls are still serviced before
// teardown, but never past ctx's deadline.
func runPump(ctx context.Context, r io.Reader, w io.Writer, secret string, handler ToolCallHandler, logger *slog.Logger) *guestResult {
	gr := &guestResult{}
	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)

	respond := func(resp message) {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		// Write errors mean the guest is gone; nothing to do.
		_, _ = w.Write(append(data, '\n'))
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		var msg message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
			gr.mu.Lock()
			gr.output.WriteString(line)
			gr.output.WriteByte('\n')
			gr.mu.Unlock()
			continue
		}
		if msg.Secret != secret {
			// Unauthenticated protocol-shaped lines are dropped, not
			// echoed: they may be an injection attempt via tool output.
			logger.Warn("dropping unauthenticated sandbox message",
				slog.String("type", msg.Type),
			)
			continue
		}

		switch msg.Type {
		case "toolcall":
			wg.Add(1)
			go func(m message) {
				defer wg.Done()
				result, err := handler(ctx, m.Tool, m.Args)
				resp := message{Type: "toolcall_response", ID: m.ID, Secret: secret}
				if err != nil {
					resp.Error = err.Error()
				} else {
					resp.Result = result
				}
				respond(resp)
			}(msg)

		case "result":
			gr.mu.Lock()
			gr.reported = true
			gr.errText = msg.Error
			gr.exitCode = msg.ExitCode
			if s, ok := msg.Result.(string); ok && s != "" {
				gr.output.WriteString(s)
				gr.output.WriteByte('\n')
			}
			gr.mu.Unlock()

		default:
			logger.Warn("unknown sandbox message type", slog.String("type", msg.Type))
		}
	}

	// Drain in-flight handlers, bounded by ctx: a handler that ignores
	// cancellation must not keep the execution alive past its deadline.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("abandoning in-flight tool calls", slog.String("reason", ctx.Err().Error()))
	}
	return gr
}
