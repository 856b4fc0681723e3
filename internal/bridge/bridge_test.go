package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/session"
	"github.com/jkaninda/ngome/internal/workspace"
)

func testSession(t *testing.T, raw map[string]any, tools []catalog.Tool) *session.Session {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := session.NewManager(ws, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	pol := policy.NewResolver(config.Default().Sandbox).Resolve(raw)
	key := session.Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, pol, tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleTools() []catalog.Tool {
	now := time.Unix(1700000000, 0)
	return []catalog.Tool{
		{ID: "t1", Name: "github-search-issues", OriginalName: "search_issues",
			Provider: "github", Enabled: true, UpdatedAt: now},
		{ID: "t2", Name: "gitlab-search-issues", OriginalName: "search_issues",
			Provider: "gitlab", Enabled: true, UpdatedAt: now},
		{ID: "t3", Name: "slack-post-message", OriginalName: "post_message",
			Provider: "slack", Enabled: true, UpdatedAt: now},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
}

func newTestBridge(t *testing.T, s *session.Session, invoker catalog.Invoker) *Bridge {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, invoker, nil, nil, trace.NewNoopTracerProvider().Tracer(""), logger)
}

func TestToolCallSuccess(t *testing.T) {
	s := testSession(t, nil, sampleTools())
	var invokedWith string
	b := newTestBridge(t, s, func(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
		invokedWith = name
		return textResult(`{"count": 2}`), nil
	})

	result, err := b.HandleToolCall(context.Background(), "slack_post_message", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if invokedWith != "slack-post-message" {
		t.Errorf("invoked %q, want gateway name", invokedWith)
	}
	m, _ := result.(map[string]any)
	if m["count"] != float64(2) {
		t.Errorf("result = %v", result)
	}

	rec := b.Trace()
	if len(rec) != 1 || rec[0].Status != "ok" || rec[0].Qualified != "slack/post_message" {
		t.Errorf("trace = %+v", rec)
	}
}

func TestAmbiguousAliasRejected(t *testing.T) {
	s := testSession(t, nil, sampleTools())
	b := newTestBridge(t, s, func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		t.Fatal("invoker called for ambiguous alias")
		return nil, nil
	})

	_, err := b.HandleToolCall(context.Background(), "search_issues", nil)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("error = %v, want ErrDenied", err)
	}
	if !strings.Contains(err.Error(), "multiple providers") {
		t.Errorf("error %q does not mention ambiguity", err)
	}

	events := b.Events()
	if len(events) != 1 || events[0].ActivityType != "ambiguous_tool" {
		t.Errorf("events = %+v", events)
	}
	if rec := b.Trace(); len(rec) != 1 || rec[0].Status != "denied" {
		t.Errorf("trace = %+v", rec)
	}
}

func TestUnknownToolRejected(t *testing.T) {
	s := testSession(t, nil, sampleTools())
	b := newTestBridge(t, s, nil)

	_, err := b.HandleToolCall(context.Background(), "nuke_everything", nil)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("error = %v, want ErrDenied", err)
	}
	if ev := b.Events(); len(ev) != 1 || ev[0].ActivityType != "unknown_tool" {
		t.Errorf("events = %+v", ev)
	}
}

func TestDenyPatternRejected(t *testing.T) {
	raw := map[string]any{
		"tools": map[string]any{"deny_patterns": []any{"slack/*"}},
	}
	s := testSession(t, raw, sampleTools())
	b := newTestBridge(t, s, func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		t.Fatal("invoker called for denied tool")
		return nil, nil
	})

	_, err := b.HandleToolCall(context.Background(), "slack-post-message", nil)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("error = %v, want ErrDenied", err)
	}
	if ev := b.Events(); len(ev) != 1 || ev[0].ActivityType != "tool_policy_violation" {
		t.Errorf("events = %+v", ev)
	}
}

func TestUpstreamFailureFailsOnlyThatCall(t *testing.T) {
	s := testSession(t, nil, sampleTools())
	calls := 0
	b := newTestBridge(t, s, func(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		calls++
		if name == "github-search-issues" {
			return nil, errors.New("upstream 502")
		}
		return textResult("ok"), nil
	})

	if _, err := b.HandleToolCall(context.Background(), "github-search-issues", nil); err == nil {
		t.Fatal("upstream failure not surfaced")
	}
	if _, err := b.HandleToolCall(context.Background(), "slack-post-message", nil); err != nil {
		t.Fatalf("later call failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}

	rec := b.Trace()
	if len(rec) != 2 || rec[0].Status != "failed" || rec[1].Status != "ok" {
		t.Errorf("trace = %+v", rec)
	}
	// Upstream failures are not security events.
	if len(b.Events()) != 0 {
		t.Errorf("events = %+v", b.Events())
	}
}

func TestTokenRoundTripThroughBridge(t *testing.T) {
	raw := map[string]any{
		"tokenization": map[string]any{"enabled": true, "types": []any{"email"}},
	}
	s := testSession(t, raw, sampleTools())

	// Simulate PII that entered the session earlier and was tokenized.
	token, _ := s.Tokens.TokenizeValue("reach me at alice@example.com").(string)
	if !strings.Contains(token, "TKN_EMAIL_") {
		t.Fatalf("setup: tokenization inactive: %q", token)
	}

	var upstreamSaw string
	b := newTestBridge(t, s, func(_ context.Context, _ string, args map[string]any) (*mcp.CallToolResult, error) {
		upstreamSaw, _ = args["to"].(string)
		return textResult(`{"sent_to": "bob@example.com"}`), nil
	})

	result, err := b.HandleToolCall(context.Background(), "slack-post-message", map[string]any{"to": token})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(upstreamSaw, "alice@example.com") {
		t.Errorf("upstream saw %q, want detokenized value", upstreamSaw)
	}
	m, _ := result.(map[string]any)
	got, _ := m["sent_to"].(string)
	if !strings.HasPrefix(got, "TKN_EMAIL_") {
		t.Errorf("result not retokenized: %q", got)
	}
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name    string
		res     *mcp.CallToolResult
		want    func(any) bool
		wantErr bool
	}{
		{"nil result", nil, func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && len(m) == 0
		}, false},
		{"structured content wins", &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.TextContent{Type: "text", Text: "ignored"}},
			StructuredContent: map[string]any{"a": 1},
		}, func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["a"] == 1
		}, false},
		{"json text parsed", textResult(`{"x": true}`), func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["x"] == true
		}, false},
		{"json array parsed", textResult(`[1, 2]`), func(v any) bool {
			a, ok := v.([]any)
			return ok && len(a) == 2
		}, false},
		{"plain text wrapped", textResult("hello world"), func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["text"] == "hello world"
		}, false},
		{"scalar json wrapped", textResult("42"), func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["text"] == "42"
		}, false},
		{"empty content", &mcp.CallToolResult{}, func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && len(m) == 0
		}, false},
		{"is_error", &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}},
		}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeResult(tt.res)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !tt.want(got) {
				t.Errorf("got %#v", got)
			}
		})
	}
}
