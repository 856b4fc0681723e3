// Package executor orchestrates sandbox code execution end to end: policy
// resolution, rate limiting, session acquisition, shell-vs-source
// classification, dangerous-pattern screening, runtime dispatch, disk
// quota enforcement, metrics, tokenization of results, and the persisted
// run record.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/bridge"
	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/runtime"
	"github.com/jkaninda/ngome/internal/session"
	"github.com/jkaninda/ngome/internal/shell"
	"github.com/jkaninda/ngome/internal/storage"
)

// Run statuses.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusTimedOut    = "timed_out"
	StatusBlocked     = "blocked"
	StatusRateLimited = "rate_limited"
)

// Deployment is one configured sandbox surface: its raw policy payload
// and the mount rules scoping its tool catalog.
type Deployment struct {
	ID                string
	PolicyRaw         map[string]any
	MountRules        catalog.MountRules
	SkillsAutoApprove bool
}

// DeploymentStore resolves deployment configuration.
type DeploymentStore interface {
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
}

// Executor wires the sandbox pipeline together.
type Executor struct {
	cfg         *config.Config
	deployments DeploymentStore
	toolCatalog catalog.ToolCatalog
	invoker     catalog.Invoker
	sessions    *session.Manager
	runtimes    *runtime.Registry
	store       *storage.Store
	resolver    *policy.Resolver
	limiter     *ratelimit.Limiter
	metrics     *observability.MetricsCollector
	seclog      *observability.SecurityLogger
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Options carries the executor's collaborators.
type Options struct {
	Config      *config.Config
	Deployments DeploymentStore
	ToolCatalog catalog.ToolCatalog
	Invoker     catalog.Invoker
	Sessions    *session.Manager
	Runtimes    *runtime.Registry
	Store       *storage.Store
	Metrics     *observability.MetricsCollector
	SecurityLog *observability.SecurityLogger
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	e := &Executor{
		cfg:         opts.Config,
		deployments: opts.Deployments,
		toolCatalog: opts.ToolCatalog,
		invoker:     opts.Invoker,
		sessions:    opts.Sessions,
		runtimes:    opts.Runtimes,
		store:       opts.Store,
		resolver:    policy.NewResolver(opts.Config.Sandbox),
		limiter:     ratelimit.New(),
		metrics:     opts.Metrics,
		seclog:      opts.SecurityLog,
		tracer:      tracer,
		logger:      opts.Logger,
	}
	if e.metrics != nil {
		e.sessions.OnCountChange(e.metrics.SetActiveSessions)
	}
	return e
}

// Request is one execution request.
type Request struct {
	DeploymentID string
	Identity     catalog.Identity
	Code         string
	// Language optionally overrides the deployment's runtime selection
	// ("python" or "typescript").
	Language string
}

// Metrics summarizes one execution for callers and the run record.
type Metrics struct {
	CodeHash        string  `json:"code_hash"`
	WallTimeMS      int64   `json:"wall_time_ms"`
	CPUTimeMS       int64   `json:"cpu_time_ms"`
	ToolCallCount   int     `json:"tool_call_count"`
	ToolCallP50MS   float64 `json:"tool_call_p50_ms"`
	ToolCallP95MS   float64 `json:"tool_call_p95_ms"`
	ToolCallP99MS   float64 `json:"tool_call_p99_ms"`
	ToolCallErrRate float64 `json:"tool_call_error_rate"`
	OutputBytes     int     `json:"output_bytes"`
	ErrorBytes      int     `json:"error_bytes"`
}

// Response is the outcome of one execution.
type Response struct {
	RunID          string
	SessionID      string
	Status         string
	Output         string
	Error          string
	ExitCode       int
	Metrics        Metrics
	ToolCalls      []bridge.Record
	SecurityEvents []observability.Event
}

// Execute runs one piece of guest code or one restricted shell pipeline.
// Policy violations and resource exhaustion are reported in the Response
// status; the returned error is reserved for infrastructure failures.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			attribute.String("deployment", req.DeploymentID),
			attribute.String("caller", req.Identity.Caller),
		))
	defer span.End()

	dep, err := e.deployments.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("resolving deployment %s: %w", req.DeploymentID, err)
	}
	pol := e.resolver.Resolve(dep.PolicyRaw)

	runtimeName := pol.Runtime
	if req.Language != "" {
		if r, ok := runtimeForLanguage(req.Language); ok {
			runtimeName = r
		}
	}
	language := languageForRuntime(runtimeName)

	run := &storage.RunModel{
		ID:           uuid.NewString(),
		DeploymentID: req.DeploymentID,
		Caller:       req.Identity.Caller,
		TeamsJSON:    marshalJSON(req.Identity.Teams),
		Language:     language,
		Runtime:      runtimeName,
		CodeHash:     hashCode(req.Code),
		CodeBody:     req.Code,
		StartedAt:    time.Now().UTC(),
	}

	// 1. Caller-level rate limit. Checked before any session work so a
	// hammering caller cannot force catalog refreshes.
	callerKey := req.DeploymentID + "|" + req.Identity.Caller
	if err := e.limiter.Allow(callerKey, pol.Limits.MaxRunsPerMinute); err != nil {
		if e.metrics != nil {
			e.metrics.RecordRateLimited()
		}
		return e.finishEarly(ctx, run, StatusRateLimited, err.Error(), nil), nil
	}

	// 2. Session acquisition with a freshly filtered catalog.
	tools, skills, err := e.visibleCatalog(ctx, dep, req.Identity)
	if err != nil {
		return nil, err
	}
	key := session.Key{DeploymentID: req.DeploymentID, Caller: req.Identity.Caller, Language: language}
	sess, err := e.sessions.GetOrCreate(key, pol, tools, skills)
	if err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}
	run.SessionID = sess.ID
	defer sess.Touch()

	// 3. Session-level rate limit.
	if err := e.limiter.Allow("session|"+sess.ID, pol.Limits.MaxRunsPerMinute); err != nil {
		if e.metrics != nil {
			e.metrics.RecordRateLimited()
		}
		return e.finishEarly(ctx, run, StatusRateLimited, err.Error(), sess), nil
	}

	// 4. Classify: a single command-shaped line goes to the restricted
	// shell, everything else to the guest runtime.
	if e.cfg.Sandbox.ShellExec() && isShellCommand(req.Code) {
		return e.executeShell(ctx, run, sess, pol), nil
	}
	return e.executeCode(ctx, run, sess, pol, runtimeName), nil
}

// executeShell evaluates a restricted pipeline in-process.
func (e *Executor) executeShell(ctx context.Context, run *storage.RunModel, sess *session.Session, pol policy.Policy) *Response {
	start := time.Now()
	interp := shell.New(sess, pol, e.logger)
	res := interp.Run(strings.TrimSpace(run.CodeBody))

	status := StatusCompleted
	var events []observability.Event
	switch res.ExitCode {
	case shell.ExitOK:
	case shell.ExitBlocked:
		status = StatusBlocked
		events = append(events, e.securityEvent(run, sess, "path_violation", res.ErrText, "command blocked"))
	default:
		status = StatusFailed
	}

	run.ExitCode = res.ExitCode
	return e.finish(ctx, run, sess, status, res.Output, res.ErrText, time.Since(start), 0, nil, events)
}

// executeCode screens and dispatches guest source to its runtime.
func (e *Executor) executeCode(ctx context.Context, run *storage.RunModel, sess *session.Session, pol policy.Policy, runtimeName string) *Response {
	// 5. Dangerous-pattern screen. Blocked code never reaches a
	// subprocess.
	if pattern, hit := e.screenCode(run.CodeBody, run.Language, pol); hit {
		ev := e.securityEvent(run, sess, "dangerous_pattern",
			fmt.Sprintf("source matched blocked pattern %q", pattern), "execution blocked")
		run.ExitCode = -1
		return e.finish(ctx, run, sess, StatusBlocked, "",
			"execution blocked: source matched a restricted pattern", 0, 0, nil, []observability.Event{ev})
	}

	rt, err := e.runtimes.Get(runtimeName)
	if err == nil {
		err = rt.HealthCheck()
	}
	if err != nil {
		// Fail closed: a missing interpreter blocks rather than degrades.
		ev := e.securityEvent(run, sess, "runtime_unavailable", err.Error(), "execution blocked")
		run.ExitCode = -1
		return e.finish(ctx, run, sess, StatusBlocked, "", err.Error(), 0, 0, nil, []observability.Event{ev})
	}

	br := bridge.New(sess, e.invoker, e.seclog, e.metrics, e.tracer, e.logger)
	start := time.Now()
	res, execErr := rt.Execute(ctx, runtime.Request{
		Code:       run.CodeBody,
		Session:    sess,
		Policy:     pol,
		OnToolCall: br.HandleToolCall,
	})
	wall := time.Since(start)

	var output, errText string
	var cpu time.Duration
	if res != nil {
		output = res.Output
		errText = res.ErrorOutput
		run.ExitCode = res.ExitCode
		wall = res.WallTime
		cpu = res.CPUTime
	}

	status := StatusCompleted
	events := br.Events()
	switch {
	case errors.Is(execErr, runtime.ErrTimeout):
		status = StatusTimedOut
		if errText == "" {
			errText = execErr.Error()
		}
	case errors.Is(execErr, runtime.ErrUnavailable):
		status = StatusBlocked
		errText = execErr.Error()
		events = append(events, e.securityEvent(run, sess, "runtime_unavailable", execErr.Error(), "execution blocked"))
	case execErr != nil:
		status = StatusFailed
		if errText == "" {
			errText = execErr.Error()
		}
	case run.ExitCode != 0:
		status = StatusFailed
	}

	// 6. Disk limits. Enforced after every execution, whatever its
	// outcome: a guest that overfills /scratch on its way to failing or
	// timing out has still violated policy.
	if status != StatusBlocked {
		if quotaErr := e.checkDiskQuota(sess, pol); quotaErr != nil {
			status = StatusBlocked
			errText = quotaErr.Error()
			events = append(events, e.securityEvent(run, sess, "disk_quota", quotaErr.Error(), "execution blocked"))
		}
	}

	return e.finish(ctx, run, sess, status, output, errText, wall, cpu, br.Trace(), events)
}

// checkDiskQuota enforces the per-file and aggregate disk bounds over
// the writable mounts. Usage exactly at a bound is allowed.
func (e *Executor) checkDiskQuota(sess *session.Session, pol policy.Policy) error {
	maxFile := int64(pol.Limits.MaxFileSizeMB) << 20
	maxTotal := int64(pol.Limits.MaxTotalDiskMB) << 20
	return sess.EnforceDiskLimits(maxFile, maxTotal)
}

// finish tokenizes, measures, records, and persists one completed run.
func (e *Executor) finish(ctx context.Context, run *storage.RunModel, sess *session.Session, status, output, errText string, wall, cpu time.Duration, calls []bridge.Record, events []observability.Event) *Response {
	output = sess.Tokens.TokenizeString(output)
	errText = sess.Tokens.TokenizeString(errText)

	m := Metrics{
		CodeHash:    run.CodeHash,
		WallTimeMS:  wall.Milliseconds(),
		CPUTimeMS:   cpu.Milliseconds(),
		OutputBytes: len(output),
		ErrorBytes:  len(errText),
	}
	m.ToolCallCount = len(calls)
	if len(calls) > 0 {
		durations := make([]float64, 0, len(calls))
		failed := 0
		for _, c := range calls {
			durations = append(durations, float64(c.DurationMS))
			if c.Status != "ok" {
				failed++
			}
		}
		m.ToolCallP50MS = percentile(durations, 0.50)
		m.ToolCallP95MS = percentile(durations, 0.95)
		m.ToolCallP99MS = percentile(durations, 0.99)
		m.ToolCallErrRate = float64(failed) / float64(len(calls))
	}

	persistCap := e.cfg.Sandbox.MaxPersistedOutputChars
	run.Status = status
	run.Output = truncate(output, persistCap)
	run.ErrorText = truncate(errText, persistCap)
	run.MetricsJSON = marshalJSON(m)
	run.TraceJSON = marshalJSON(calls)
	run.EventsJSON = marshalJSON(events)
	run.FinishedAt = time.Now().UTC()

	if e.store != nil {
		if err := e.store.Runs().Create(ctx, run); err != nil {
			e.logger.Error("persisting run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(run.Language, status, wall)
	}
	e.logger.Info("execution finished",
		slog.String("run_id", run.ID),
		slog.String("deployment", run.DeploymentID),
		slog.String("status", status),
		slog.Int64("wall_ms", m.WallTimeMS),
		slog.Int("tool_calls", m.ToolCallCount),
	)

	return &Response{
		RunID:          run.ID,
		SessionID:      run.SessionID,
		Status:         status,
		Output:         run.Output,
		Error:          run.ErrorText,
		ExitCode:       run.ExitCode,
		Metrics:        m,
		ToolCalls:      calls,
		SecurityEvents: events,
	}
}

// finishEarly persists runs rejected before a session (or before any
// execution) without touching token context that may not exist yet.
func (e *Executor) finishEarly(ctx context.Context, run *storage.RunModel, status, errText string, sess *session.Session) *Response {
	if sess != nil {
		return e.finish(ctx, run, sess, status, "", errText, 0, 0, nil, nil)
	}
	run.Status = status
	run.ErrorText = errText
	run.FinishedAt = time.Now().UTC()
	if e.store != nil {
		if err := e.store.Runs().Create(ctx, run); err != nil {
			e.logger.Error("persisting run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(run.Language, status, 0)
	}
	return &Response{
		RunID:    run.ID,
		Status:   status,
		Error:    errText,
		ExitCode: run.ExitCode,
		Metrics:  Metrics{CodeHash: run.CodeHash},
	}
}

func (e *Executor) securityEvent(run *storage.RunModel, sess *session.Session, eventType, description, action string) observability.Event {
	ev := observability.Event{
		ActivityType: eventType,
		Description:  description,
		Caller:       run.Caller,
		DeploymentID: run.DeploymentID,
		SessionID:    sess.ID,
		Severity:     "high",
		ActionTaken:  action,
	}
	if e.seclog != nil {
		e.seclog.LogSuspiciousActivity(ev)
	}
	return ev
}

// visibleCatalog applies visibility and mount rules to the deployment's
// tools and loads its mountable skills.
func (e *Executor) visibleCatalog(ctx context.Context, dep *Deployment, id catalog.Identity) ([]catalog.Tool, []catalog.Skill, error) {
	all, err := e.toolCatalog.ListTools(ctx, dep.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing tools: %w", err)
	}
	tools := make([]catalog.Tool, 0, len(all))
	for _, t := range all {
		if !t.Enabled || !t.VisibleTo(id) || !dep.MountRules.Matches(t) {
			continue
		}
		tools = append(tools, t)
	}

	var skills []catalog.Skill
	if e.store != nil {
		models, err := e.store.Skills().ListMountable(ctx, dep.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("listing skills: %w", err)
		}
		for _, m := range models {
			sk := catalog.Skill{
				ID: m.ID, Name: m.Name, Version: m.Version, Language: m.Language,
				SourceCode: m.SourceCode, Status: m.Status, Active: m.Active,
				Visibility: m.Visibility, OwnerEmail: m.OwnerEmail, TeamID: m.TeamID,
				CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
			}
			if sk.VisibleTo(id) {
				skills = append(skills, sk)
			}
		}
	}
	return tools, skills, nil
}

func runtimeForLanguage(language string) (string, bool) {
	switch strings.ToLower(language) {
	case "python", "py":
		return "python", true
	case "typescript", "ts", "javascript", "deno":
		return "deno", true
	default:
		return "", false
	}
}

func languageForRuntime(runtimeName string) string {
	if runtimeName == "python" {
		return "python"
	}
	return "typescript"
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
