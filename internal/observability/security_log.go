package observability

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event is one security-relevant occurrence: a policy violation, a
// dangerous-pattern block, a forged IPC message, a denied tool call.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	ActivityType     string    `json:"activity_type"`
	Description      string    `json:"description"`
	Caller           string    `json:"caller,omitempty"`
	DeploymentID     string    `json:"deployment_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Severity         string    `json:"severity"` // "low", "medium", "high"
	ThreatIndicators []string  `json:"threat_indicators,omitempty"`
	ActionTaken      string    `json:"action_taken,omitempty"`
}

// SecurityLogger records security events to the application log and an
// append-only jsonl file. Logging never fails the caller: a broken log
// file must not block executions.
type SecurityLogger struct {
	logger  *slog.Logger
	path    string
	metrics *MetricsCollector

	mu sync.Mutex
}

// NewSecurityLogger creates a SecurityLogger writing to path. metrics is
// optional.
func NewSecurityLogger(path string, logger *slog.Logger, metrics *MetricsCollector) *SecurityLogger {
	return &SecurityLogger{logger: logger, path: path, metrics: metrics}
}

// LogSuspiciousActivity records one event.
func (s *SecurityLogger) LogSuspiciousActivity(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = "medium"
	}

	s.logger.Warn("suspicious activity",
		slog.String("activity_type", ev.ActivityType),
		slog.String("description", ev.Description),
		slog.String("caller", ev.Caller),
		slog.String("deployment", ev.DeploymentID),
		slog.String("severity", ev.Severity),
		slog.String("action_taken", ev.ActionTaken),
	)
	if s.metrics != nil {
		s.metrics.RecordSecurityEvent(ev.ActivityType)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		s.logger.Error("opening security log", slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error("writing security log", slog.String("error", err.Error()))
	}
}
