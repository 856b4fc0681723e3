// Package bridge carries tool calls from guest code to the gateway's
// tool catalog. Every call is resolved from its guest-visible alias,
// checked against the deployment's tool policy, detokenized on the way
// out and retokenized on the way back. One Bridge instance serves one
// execution; its trace and security events are folded into the run
// record afterwards.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/session"
)

// Record is one completed tool call in the execution trace. Entries are
// appended in completion order, which for concurrent guest calls may
// differ from issue order.
type Record struct {
	Tool       string    `json:"tool"`      // guest-visible name as called
	Resolved   string    `json:"resolved"`  // gateway tool name, "" if resolution failed
	Qualified  string    `json:"qualified"` // provider/tool form checked against policy
	Status     string    `json:"status"`    // "ok", "denied", "failed"
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Bridge services one execution's tool calls.
type Bridge struct {
	sess    *session.Session
	invoker catalog.Invoker
	seclog  *observability.SecurityLogger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	logger  *slog.Logger

	mu     sync.Mutex
	trace  []Record
	events []observability.Event
}

// New creates a Bridge for one execution.
func New(sess *session.Session, invoker catalog.Invoker, seclog *observability.SecurityLogger, metrics *observability.MetricsCollector, tracer trace.Tracer, logger *slog.Logger) *Bridge {
	return &Bridge{
		sess:    sess,
		invoker: invoker,
		seclog:  seclog,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// HandleToolCall implements the runtime tool-call handler. A failure
// fails only this call: the guest receives the error and keeps running.
func (b *Bridge) HandleToolCall(ctx context.Context, toolName string, args map[string]any) (any, error) {
	ctx, span := b.tracer.Start(ctx, "sandbox.tool_call",
		trace.WithAttributes(attribute.String("tool.alias", toolName)))
	defer span.End()

	start := time.Now()
	rec := Record{Tool: toolName, StartedAt: start.UTC()}

	result, err := b.dispatch(ctx, toolName, args, &rec)

	rec.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		if rec.Status == "" {
			rec.Status = "failed"
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		rec.Status = "ok"
	}

	b.mu.Lock()
	b.trace = append(b.trace, rec)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordToolCall(rec.Status, time.Since(start))
	}
	return result, err
}

func (b *Bridge) dispatch(ctx context.Context, toolName string, args map[string]any, rec *Record) (any, error) {
	// 1. Resolve the guest-visible alias to exactly one gateway tool.
	candidates := b.sess.ResolveAlias(toolName)
	switch len(candidates) {
	case 1:
	case 0:
		return nil, b.deny(rec, "unknown_tool",
			fmt.Sprintf("tool %q is not mounted in this session", toolName), toolName)
	default:
		return nil, b.deny(rec, "ambiguous_tool",
			fmt.Sprintf("tool %q matches multiple providers (%s); qualify with provider/tool",
				toolName, strings.Join(candidates, ", ")), toolName)
	}

	tool, ok := b.sess.Tool(candidates[0])
	if !ok {
		return nil, b.deny(rec, "unknown_tool",
			fmt.Sprintf("tool %q is not mounted in this session", toolName), toolName)
	}
	rec.Resolved = tool.Name
	rec.Qualified = catalog.Qualified(tool.Provider, tool.OriginalName)

	// 2. Policy: bridging enabled, deny patterns, allow patterns.
	if err := b.sess.Policy.CheckTool(rec.Qualified); err != nil {
		return nil, b.deny(rec, "tool_policy_violation", err.Error(), toolName)
	}

	// 3. Detokenize outgoing arguments so the upstream tool sees raw
	// values, not placeholders.
	raw, _ := b.sess.Tokens.DetokenizeValue(args).(map[string]any)
	if raw == nil {
		raw = map[string]any{}
	}

	// 4. Invoke.
	callResult, err := b.invoker(ctx, tool.Name, raw)
	if err != nil {
		b.logger.Warn("tool call failed",
			slog.String("tool", tool.Name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("tool %s failed: %w", toolName, err)
	}

	normalized, err := normalizeResult(callResult)
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", toolName, err)
	}

	// 5. Retokenize before the result re-enters guest code.
	return b.sess.Tokens.TokenizeValue(normalized), nil
}

// deny records one security event and returns the error the guest sees.
func (b *Bridge) deny(rec *Record, eventType, description, toolName string) error {
	rec.Status = "denied"

	ev := observability.Event{
		ActivityType: eventType,
		Description:  description,
		Caller:       b.sess.Key.Caller,
		DeploymentID: b.sess.Key.DeploymentID,
		SessionID:    b.sess.ID,
		Severity:     "medium",
		ActionTaken:  "tool call rejected",
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	if b.seclog != nil {
		b.seclog.LogSuspiciousActivity(ev)
	}

	return fmt.Errorf("%w: %s", policy.ErrDenied, description)
}

// Trace returns the completed tool-call records.
func (b *Bridge) Trace() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.trace...)
}

// Events returns the security events raised during this execution.
func (b *Bridge) Events() []observability.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]observability.Event(nil), b.events...)
}

// normalizeResult converts an MCP tool result into a JSON-shaped value:
// structured content when present, then joined text parsed as JSON, then
// the raw text wrapped in {"text": ...}, then an empty object.
func normalizeResult(res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return map[string]any{}, nil
	}

	text := joinTextContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("%s", text)
	}

	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if text == "" {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]any, []any:
			return parsed, nil
		}
	}
	return map[string]any{"text": text}, nil
}

func joinTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
