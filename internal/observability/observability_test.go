package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/ngome/internal/config"
)

func gatherMetric(t *testing.T, m *MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestRecordExecution(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordExecution("python", "completed", 150*time.Millisecond)
	m.RecordExecution("python", "completed", 250*time.Millisecond)
	m.RecordExecution("typescript", "blocked", 10*time.Millisecond)

	f := gatherMetric(t, m, "ngome_executions_total")
	if f == nil {
		t.Fatal("executions counter not registered")
	}

	counts := map[string]float64{}
	for _, metric := range f.GetMetric() {
		var lang, status string
		for _, l := range metric.GetLabel() {
			switch l.GetName() {
			case "language":
				lang = l.GetValue()
			case "status":
				status = l.GetValue()
			}
		}
		counts[lang+"/"+status] = metric.GetCounter().GetValue()
	}
	if counts["python/completed"] != 2 {
		t.Errorf("python/completed = %v, want 2", counts["python/completed"])
	}
	if counts["typescript/blocked"] != 1 {
		t.Errorf("typescript/blocked = %v, want 1", counts["typescript/blocked"])
	}

	h := gatherMetric(t, m, "ngome_execution_duration_seconds")
	if h == nil || h.GetMetric()[0].GetHistogram().GetSampleCount() == 0 {
		t.Error("duration histogram recorded no samples")
	}
}

func TestRecordSecurityEventAndRateLimited(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordSecurityEvent("policy_block")
	m.RecordSecurityEvent("policy_block")
	m.RecordRateLimited()

	f := gatherMetric(t, m, "ngome_security_events_total")
	if f.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("security events = %v, want 2", f.GetMetric()[0].GetCounter().GetValue())
	}
	r := gatherMetric(t, m, "ngome_rate_limited_total")
	if r.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("rate limited = %v, want 1", r.GetMetric()[0].GetCounter().GetValue())
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m := NewMetricsCollector()
	m.SetActiveSessions(3)
	g := gatherMetric(t, m, "ngome_active_sessions")
	if g.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Errorf("gauge = %v, want 3", g.GetMetric()[0].GetGauge().GetValue())
	}
}

func TestSecurityLoggerWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.jsonl")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sl := NewSecurityLogger(path, logger, NewMetricsCollector())

	sl.LogSuspiciousActivity(Event{
		ActivityType:     "dangerous_pattern",
		Description:      "eval( detected in guest source",
		Caller:           "alice@corp.io",
		ThreatIndicators: []string{"eval("},
		ActionTaken:      "blocked",
	})
	sl.LogSuspiciousActivity(Event{
		ActivityType: "path_violation",
		Description:  "read of /etc/passwd denied",
		Severity:     "high",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ActivityType != "dangerous_pattern" || ev.ActionTaken != "blocked" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Severity != "medium" {
		t.Errorf("default severity = %q, want medium", ev.Severity)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestSecurityLoggerNeverFails(t *testing.T) {
	// Unwritable path: logging must not panic or error.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sl := NewSecurityLogger("/nonexistent-dir/security.jsonl", logger, nil)
	sl.LogSuspiciousActivity(Event{ActivityType: "test"})
}

func TestNewTracerSetupDisabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil || ts != nil {
		t.Fatalf("nil config: setup %v, err %v", ts, err)
	}
	ts, err = NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("disabled config: setup %v, err %v", ts, err)
	}
	// A nil setup still hands out a usable no-op tracer.
	var none *TracerSetup
	if none.Tracer() == nil {
		t.Error("nil setup returned a nil tracer")
	}
	if err := none.Shutdown(context.Background()); err != nil {
		t.Errorf("nil setup Shutdown = %v", err)
	}
}

func TestSamplerRates(t *testing.T) {
	if got := sampler(0.25).Description(); !strings.Contains(got, "0.25") {
		t.Errorf("sampler(0.25) = %q", got)
	}
	for _, rate := range []float64{0, -1, 1, 2} {
		if got := sampler(rate).Description(); !strings.Contains(got, "AlwaysOn") {
			t.Errorf("sampler(%v) = %q, want always-on", rate, got)
		}
	}
}
