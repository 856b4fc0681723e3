package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/runtime"
	"github.com/jkaninda/ngome/internal/session"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/workspace"
)

type fakeDeployments map[string]*Deployment

func (f fakeDeployments) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	dep, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s not found", id)
	}
	return dep, nil
}

type fakeToolCatalog []catalog.Tool

func (f fakeToolCatalog) ListTools(context.Context, string) ([]catalog.Tool, error) {
	return f, nil
}

// fakeRuntime stands in for a guest runtime subprocess.
type fakeRuntime struct {
	name      string
	language  string
	healthErr error
	exec      func(ctx context.Context, req runtime.Request) (*runtime.Result, error)
	calls     int
}

func (f *fakeRuntime) Name() string       { return f.name }
func (f *fakeRuntime) Language() string   { return f.language }
func (f *fakeRuntime) HealthCheck() error { return f.healthErr }
func (f *fakeRuntime) Execute(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
	f.calls++
	if f.exec != nil {
		return f.exec(ctx, req)
	}
	return &runtime.Result{Output: "ok", WallTime: 5 * time.Millisecond}, nil
}

func sampleTools() []catalog.Tool {
	now := time.Unix(1700000000, 0)
	return []catalog.Tool{
		{ID: "t1", Name: "github-search-issues", OriginalName: "search_issues",
			Provider: "github", Enabled: true, UpdatedAt: now},
		{ID: "t2", Name: "slack-post-message", OriginalName: "post_message",
			Provider: "slack", Enabled: true, UpdatedAt: now},
	}
}

type harness struct {
	exec  *Executor
	rt    *fakeRuntime
	store *storage.Store
}

func newHarness(t *testing.T, dep *Deployment, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewManager(ws, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessions.Close)

	store, err := storage.OpenSQLite(&config.SQLiteStorageConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	deno := &fakeRuntime{name: "deno", language: "typescript"}
	py := &fakeRuntime{name: "python", language: "python"}
	rt := deno
	if dep != nil {
		if r, _ := dep.PolicyRaw["runtime"].(string); r == "python" {
			rt = py
		}
	}

	if dep == nil {
		dep = &Deployment{ID: "dep1"}
	}
	e := New(Options{
		Config:      cfg,
		Deployments: fakeDeployments{dep.ID: dep},
		ToolCatalog: fakeToolCatalog(sampleTools()),
		Invoker: func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		},
		Sessions: sessions,
		Runtimes: runtime.NewRegistry(deno, py),
		Store:    store,
		Logger:   logger,
	})
	return &harness{exec: e, rt: rt, store: store}
}

func alice() catalog.Identity {
	return catalog.Identity{Caller: "alice@corp.io", Teams: []string{}}
}

func TestExecuteCompleted(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.exec = func(_ context.Context, req runtime.Request) (*runtime.Result, error) {
		return &runtime.Result{Output: "hello from guest", WallTime: 7 * time.Millisecond}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log('hi')",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", resp.Status)
	}
	if resp.Output != "hello from guest" {
		t.Errorf("output = %q", resp.Output)
	}
	if resp.Metrics.CodeHash == "" || resp.Metrics.OutputBytes == 0 {
		t.Errorf("metrics incomplete: %+v", resp.Metrics)
	}

	run, err := h.exec.GetRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted || run.Output != "hello from guest" {
		t.Errorf("persisted run = %+v", run)
	}
	if run.SessionID != resp.SessionID {
		t.Errorf("run session = %q, resp session = %q", run.SessionID, resp.SessionID)
	}
}

func TestShellClassification(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "ls /tools",
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.rt.calls != 0 {
		t.Fatal("shell command reached the guest runtime")
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %q, error %q", resp.Status, resp.Error)
	}
	if !strings.Contains(resp.Output, "github/") {
		t.Errorf("ls output missing provider dir: %q", resp.Output)
	}

	// Multi-line input is source even when it starts with a verb.
	if _, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "ls /tools\nconsole.log(1)",
	}); err != nil {
		t.Fatal(err)
	}
	if h.rt.calls != 1 {
		t.Errorf("runtime calls = %d, want 1", h.rt.calls)
	}
}

func TestShellPathViolationBlocked(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "cat /etc/passwd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked || resp.ExitCode != 126 {
		t.Fatalf("status = %q exit %d, want blocked/126", resp.Status, resp.ExitCode)
	}
	if len(resp.SecurityEvents) != 1 || resp.SecurityEvents[0].ActivityType != "path_violation" {
		t.Errorf("events = %+v", resp.SecurityEvents)
	}
}

func TestDangerousPatternBlocked(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{"runtime": "python"}}
	h := newHarness(t, dep, nil)

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(),
		Code: "import subprocess\nsubprocess.run(['ls'])",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked {
		t.Fatalf("status = %q, want blocked", resp.Status)
	}
	if h.rt.calls != 0 {
		t.Fatal("blocked code reached a subprocess")
	}
	if len(resp.SecurityEvents) != 1 || resp.SecurityEvents[0].ActivityType != "dangerous_pattern" {
		t.Errorf("events = %+v", resp.SecurityEvents)
	}

	run, err := h.exec.GetRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusBlocked {
		t.Errorf("persisted status = %q", run.Status)
	}
}

func TestRawHTTPWaivesNetworkPatterns(t *testing.T) {
	code := `const r = await fetch("https://api.example.com");`

	h := newHarness(t, nil, nil)
	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: code,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked || h.rt.calls != 0 {
		t.Fatalf("fetch not blocked by default: status %q, calls %d", resp.Status, h.rt.calls)
	}

	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"network": map[string]any{"allow_raw_http": true},
	}}
	h2 := newHarness(t, dep, nil)
	resp, err = h2.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: code,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted || h2.rt.calls != 1 {
		t.Errorf("fetch blocked despite allow_raw_http: status %q, calls %d", resp.Status, h2.rt.calls)
	}

	// Non-network patterns stay blocked either way.
	resp, err = h2.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "eval('1+1')",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked {
		t.Errorf("eval not blocked: %q", resp.Status)
	}
}

func TestRateLimited(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"limits": map[string]any{"max_runs_per_minute": 2},
	}}
	h := newHarness(t, dep, nil)

	for i := 0; i < 2; i++ {
		resp, err := h.exec.Execute(context.Background(), Request{
			DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
		})
		if err != nil || resp.Status != StatusCompleted {
			t.Fatalf("run %d: status %q, err %v", i, resp.Status, err)
		}
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusRateLimited {
		t.Fatalf("status = %q, want rate_limited", resp.Status)
	}
	if h.rt.calls != 2 {
		t.Errorf("runtime calls = %d, want 2", h.rt.calls)
	}

	// Other callers are unaffected.
	bob := catalog.Identity{Caller: "bob@corp.io", Teams: []string{}}
	resp, err = h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: bob, Code: "console.log(1)",
	})
	if err != nil || resp.Status != StatusCompleted {
		t.Errorf("bob's run: status %q, err %v", resp.Status, err)
	}
}

func TestTimeoutStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.exec = func(context.Context, runtime.Request) (*runtime.Result, error) {
		return &runtime.Result{Output: "partial", ExitCode: -1},
			fmt.Errorf("wall clock exceeded: %w", runtime.ErrTimeout)
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "while(true){}",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusTimedOut {
		t.Fatalf("status = %q, want timed_out", resp.Status)
	}
	if resp.Output != "partial" {
		t.Errorf("partial output lost: %q", resp.Output)
	}
}

func TestGuestFailureStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.exec = func(context.Context, runtime.Request) (*runtime.Result, error) {
		return &runtime.Result{ErrorOutput: "TypeError: boom", ExitCode: 1}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "throw new Error('boom')",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusFailed || resp.ExitCode != 1 {
		t.Errorf("status = %q exit %d", resp.Status, resp.ExitCode)
	}
}

func TestRuntimeUnavailableBlocks(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.healthErr = errors.New("deno: executable not found")

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked {
		t.Fatalf("status = %q, want blocked", resp.Status)
	}
	if len(resp.SecurityEvents) != 1 || resp.SecurityEvents[0].ActivityType != "runtime_unavailable" {
		t.Errorf("events = %+v", resp.SecurityEvents)
	}
	if h.rt.calls != 0 {
		t.Error("unhealthy runtime was executed")
	}
}

func TestDiskQuota(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"limits": map[string]any{"max_total_disk_mb": 1},
	}}

	writeBytes := func(n int) func(context.Context, runtime.Request) (*runtime.Result, error) {
		return func(_ context.Context, req runtime.Request) (*runtime.Result, error) {
			p := filepath.Join(req.Session.MountPath(session.MountScratch), "big.bin")
			if err := os.WriteFile(p, make([]byte, n), 0o644); err != nil {
				return nil, err
			}
			return &runtime.Result{Output: "wrote"}, nil
		}
	}

	h := newHarness(t, dep, nil)
	h.rt.exec = writeBytes(1 << 20) // exactly at the limit
	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("at-limit run: status %q, error %q", resp.Status, resp.Error)
	}

	h.rt.exec = writeBytes(1<<20 + 1) // one byte over
	resp, err = h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(2)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked || !strings.Contains(resp.Error, "disk usage limit") {
		t.Errorf("over-limit run: status %q, error %q", resp.Status, resp.Error)
	}
	if len(resp.SecurityEvents) != 1 || resp.SecurityEvents[0].ActivityType != "disk_quota" {
		t.Errorf("events = %+v", resp.SecurityEvents)
	}
}

func TestDiskQuotaPerFile(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"limits": map[string]any{"max_file_size_mb": 1, "max_total_disk_mb": 100},
	}}
	h := newHarness(t, dep, nil)
	h.rt.exec = func(_ context.Context, req runtime.Request) (*runtime.Result, error) {
		p := filepath.Join(req.Session.MountPath(session.MountScratch), "big.bin")
		if err := os.WriteFile(p, make([]byte, 2<<20), 0o644); err != nil {
			return nil, err
		}
		return &runtime.Result{Output: "wrote"}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked || !strings.Contains(resp.Error, "file size limit") {
		t.Fatalf("status %q, error %q, want blocked per-file violation", resp.Status, resp.Error)
	}
	if len(resp.SecurityEvents) != 1 || resp.SecurityEvents[0].ActivityType != "disk_quota" {
		t.Errorf("events = %+v", resp.SecurityEvents)
	}
}

func TestDiskQuotaEnforcedOnFailedRun(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"limits": map[string]any{"max_total_disk_mb": 1},
	}}
	h := newHarness(t, dep, nil)
	h.rt.exec = func(_ context.Context, req runtime.Request) (*runtime.Result, error) {
		p := filepath.Join(req.Session.MountPath(session.MountScratch), "big.bin")
		if err := os.WriteFile(p, make([]byte, 2<<20), 0o644); err != nil {
			return nil, err
		}
		return &runtime.Result{ExitCode: 1, ErrorOutput: "boom"}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusBlocked {
		t.Fatalf("status = %q, want blocked even when the guest failed", resp.Status)
	}
}

func TestOutputTokenized(t *testing.T) {
	dep := &Deployment{ID: "dep1", PolicyRaw: map[string]any{
		"tokenization": map[string]any{"enabled": true, "types": []any{"email"}},
	}}
	h := newHarness(t, dep, nil)
	h.rt.exec = func(context.Context, runtime.Request) (*runtime.Result, error) {
		return &runtime.Result{Output: "contact: alice@example.com"}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(x)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(resp.Output, "alice@example.com") {
		t.Errorf("raw PII in output: %q", resp.Output)
	}
	if !strings.Contains(resp.Output, "TKN_EMAIL_") {
		t.Errorf("output not tokenized: %q", resp.Output)
	}

	run, _ := h.exec.GetRun(context.Background(), resp.RunID)
	if strings.Contains(run.Output, "alice@example.com") {
		t.Errorf("raw PII persisted: %q", run.Output)
	}
}

func TestPersistedOutputCapped(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) {
		c.Sandbox.MaxPersistedOutputChars = 1000
	})
	h.rt.exec = func(context.Context, runtime.Request) (*runtime.Result, error) {
		return &runtime.Result{Output: strings.Repeat("x", 5000)}, nil
	}

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log(1)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Output) != 1000 {
		t.Errorf("output length = %d, want 1000", len(resp.Output))
	}
}

func TestReplay(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.exec.Execute(context.Background(), Request{
		DeploymentID: "dep1", Identity: alice(), Code: "console.log('again')",
	})
	if err != nil {
		t.Fatal(err)
	}

	replayed, err := h.exec.Replay(context.Background(), resp.RunID, alice())
	if err != nil {
		t.Fatal(err)
	}
	if replayed.RunID == resp.RunID {
		t.Error("replay reused the original run id")
	}
	if replayed.Status != StatusCompleted {
		t.Errorf("replay status = %q", replayed.Status)
	}
	if h.rt.calls != 2 {
		t.Errorf("runtime calls = %d, want 2", h.rt.calls)
	}

	// Only the original caller (or an admin) may replay.
	mallory := catalog.Identity{Caller: "mallory@corp.io", Teams: []string{}}
	if _, err := h.exec.Replay(context.Background(), resp.RunID, mallory); err == nil {
		t.Error("foreign caller replayed a run")
	}
	admin := catalog.Identity{Caller: "root@corp.io"}
	if _, err := h.exec.Replay(context.Background(), resp.RunID, admin); err != nil {
		t.Errorf("admin replay failed: %v", err)
	}
}

func TestReplayDisabled(t *testing.T) {
	off := false
	h := newHarness(t, nil, func(c *config.Config) {
		c.Sandbox.ReplayEnabled = &off
	})
	if _, err := h.exec.Replay(context.Background(), "any", alice()); !errors.Is(err, ErrDisabled) {
		t.Errorf("error = %v, want ErrDisabled", err)
	}
}

func TestBrowse(t *testing.T) {
	h := newHarness(t, nil, nil)

	entries, truncated, err := h.exec.Browse(context.Background(), BrowseRequest{
		DeploymentID: "dep1", Identity: alice(), Path: "/tools",
	})
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Error("small listing truncated")
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Path, "/tools/github") {
			found = true
		}
	}
	if !found {
		t.Errorf("github tools not mounted: %+v", entries)
	}

	// The operator ceiling caps requested sizes.
	_, truncated, err = h.exec.Browse(context.Background(), BrowseRequest{
		DeploymentID: "dep1", Identity: alice(), Path: "/tools", MaxEntries: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !truncated {
		t.Error("max_entries=2 listing not truncated")
	}
}

func TestBrowseHonorsMountRules(t *testing.T) {
	dep := &Deployment{ID: "dep1", MountRules: catalog.MountRules{
		ExcludeProviders: []string{"github"},
	}}
	h := newHarness(t, dep, nil)

	entries, _, err := h.exec.Browse(context.Background(), BrowseRequest{
		DeploymentID: "dep1", Identity: alice(), Path: "/tools",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Path, "github") {
			t.Errorf("excluded provider mounted: %s", e.Path)
		}
	}
}

func TestSkillLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	skill, err := h.exec.CreateSkill(ctx, CreateSkillRequest{
		DeploymentID: "dep1", Identity: alice(),
		Name: "summarize", Language: "python", SourceCode: "def summarize(): pass",
	})
	if err != nil {
		t.Fatal(err)
	}
	if skill.Status != "pending" || skill.Version != 1 {
		t.Errorf("skill = %+v", skill)
	}

	if err := h.exec.ApproveSkill(ctx, skill.ID, "admin@corp.io"); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.Skills().Get(ctx, skill.ID)
	if err != nil || got.Status != "approved" || !got.Active {
		t.Errorf("approved skill = %+v, err %v", got, err)
	}

	if err := h.exec.RevokeSkill(ctx, "dep1", "summarize"); err != nil {
		t.Fatal(err)
	}
	got, _ = h.store.Skills().Get(ctx, skill.ID)
	if got.Status != "revoked" {
		t.Errorf("revoked skill = %+v", got)
	}
}

func TestSkillAutoApprove(t *testing.T) {
	dep := &Deployment{ID: "dep1", SkillsAutoApprove: true}
	h := newHarness(t, dep, nil)

	skill, err := h.exec.CreateSkill(context.Background(), CreateSkillRequest{
		DeploymentID: "dep1", Identity: alice(),
		Name: "quick", Language: "typescript", SourceCode: "export const x = 1;",
	})
	if err != nil {
		t.Fatal(err)
	}
	if skill.Status != "approved" || !skill.Active {
		t.Errorf("auto-approved skill = %+v", skill)
	}
}
