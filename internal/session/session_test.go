package session

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(ws, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func testPolicy() policy.Policy {
	return policy.NewResolver(config.Default().Sandbox).Resolve(nil)
}

func sampleTools() []catalog.Tool {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []catalog.Tool{
		{
			ID: "t1", Name: "github-search-issues", OriginalName: "search_issues",
			Provider: "github", Description: "Search issues in a repository.",
			Tags: []string{"vcs"},
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
			Enabled: true, UpdatedAt: now,
		},
		{
			ID: "t2", Name: "slack-post-message", OriginalName: "post_message",
			Provider: "slack", Description: "Post a message to a channel.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"channel": map[string]any{"type": "string"},
					"text":    map[string]any{"type": "string"},
				},
				"required": []any{"channel", "text"},
			},
			Enabled: true, UpdatedAt: now,
		},
	}
}

func TestGetOrCreateReusesSession(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}

	s1, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != s2.ID {
		t.Errorf("same key produced different sessions: %s vs %s", s1.ID, s2.ID)
	}

	other := Key{DeploymentID: "dep1", Caller: "bob@corp.io", Language: "typescript"}
	s3, err := m.GetOrCreate(other, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID == s1.ID {
		t.Error("different callers shared a session")
	}
}

func TestExpiredSessionReplaced(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}

	s1, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(s1.MountPath(MountScratch), "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	s1.mu.Lock()
	s1.LastUsedAt = time.Now().Add(-time.Duration(testPolicy().Limits.SessionTTLSeconds+60) * time.Second)
	s1.mu.Unlock()

	s2, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if s2.ID == s1.ID {
		t.Fatal("expired session was reused")
	}
	if _, err := os.Stat(s1.Root); !os.IsNotExist(err) {
		t.Error("expired session tree not removed")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("scratch contents of expired session survived")
	}
}

func TestRefreshIdempotentOnSameCatalog(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	tools := sampleTools()

	s, err := m.GetOrCreate(key, testPolicy(), tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(s.MountPath(MountTools), "sentinel")
	if err := os.WriteFile(sentinel, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	// Same catalog: no regeneration, sentinel survives.
	if err := s.Refresh(tools, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Error("unchanged catalog triggered regeneration")
	}

	// Changed catalog: /tools wiped and rebuilt.
	tools[0].UpdatedAt = tools[0].UpdatedAt.Add(time.Hour)
	if err := s.Refresh(tools, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Error("changed catalog did not wipe /tools")
	}
}

func TestRefreshPreservesScratch(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	tools := sampleTools()

	s, err := m.GetOrCreate(key, testPolicy(), tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(s.MountPath(MountScratch), "state.json")
	if err := os.WriteFile(keep, []byte("{}"), 0640); err != nil {
		t.Fatal(err)
	}

	tools[1].UpdatedAt = tools[1].UpdatedAt.Add(time.Hour)
	if err := s.Refresh(tools, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("regeneration touched /scratch")
	}
}

func TestGeneratedToolsLayout(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}

	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), []catalog.Skill{
		{ID: "s1", Name: "summarize", Version: 2, Language: "typescript", SourceCode: "export function summarize() {}\n", Status: "approved", Active: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	toolsDir := s.MountPath(MountTools)
	for _, rel := range []string{
		"_schema.json",
		"_catalog.json",
		"_runtime.ts",
		".search_index",
		"github/_meta.json",
		"github/github_search_issues/tool.ts",
		"slack/slack_post_message/tool.ts",
	} {
		if _, err := os.Stat(filepath.Join(toolsDir, rel)); err != nil {
			t.Errorf("missing generated file %s: %v", rel, err)
		}
	}

	skillsDir := s.MountPath(MountSkills)
	for _, rel := range []string{"_meta.json", "summarize.ts"} {
		if _, err := os.Stat(filepath.Join(skillsDir, rel)); err != nil {
			t.Errorf("missing skill file %s: %v", rel, err)
		}
	}

	idx, err := os.ReadFile(filepath.Join(toolsDir, ".search_index"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(idx), "Search issues in a repository.") {
		t.Error("search index missing tool description")
	}
}

func TestResolveAlias(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		alias string
		want  []string
	}{
		{"gateway name", "github-search-issues", []string{"github-search-issues"}},
		{"underscore variant", "github_search_issues", []string{"github-search-issues"}},
		{"qualified original", "github/search_issues", []string{"github-search-issues"}},
		{"dotted identifier", "github.github_search_issues", []string{"github-search-issues"}},
		{"unqualified original unique", "search_issues", []string{"github-search-issues"}},
		{"unknown", "does_not_exist", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ResolveAlias(tt.alias)
			if len(got) != len(tt.want) {
				t.Fatalf("ResolveAlias(%q) = %v, want %v", tt.alias, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ResolveAlias(%q) = %v, want %v", tt.alias, got, tt.want)
				}
			}
		})
	}
}

func TestResolveAliasAmbiguous(t *testing.T) {
	m := testManager(t)
	tools := sampleTools()
	// Second provider exposing the same original tool name.
	tools = append(tools, catalog.Tool{
		ID: "t3", Name: "gitlab-search-issues", OriginalName: "search_issues",
		Provider: "gitlab", Enabled: true, UpdatedAt: tools[0].UpdatedAt,
	})
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), tools, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := s.ResolveAlias("search_issues"); len(got) != 2 {
		t.Errorf("ambiguous alias resolved to %v, want two candidates", got)
	}
	// Qualified forms stay unambiguous.
	if got := s.ResolveAlias("gitlab/search_issues"); len(got) != 1 || got[0] != "gitlab-search-issues" {
		t.Errorf("qualified alias = %v", got)
	}
}

func TestVirtualToReal(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		vpath   string
		wantErr bool
	}{
		{"scratch file", "/scratch/data.json", false},
		{"mount root", "/scratch", false},
		{"tools nested", "/tools/github/tool.ts", false},
		{"relative rejected", "scratch/data.json", true},
		{"outside mounts", "/etc/passwd", true},
		{"traversal to root", "/scratch/../../../etc/passwd", true},
		{"traversal across mounts", "/scratch/../tools", true},
		{"unknown mount", "/opt/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			real, err := s.VirtualToReal(tt.vpath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VirtualToReal(%q) = %q, err %v, wantErr %v", tt.vpath, real, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, policy.ErrDenied) {
				t.Errorf("error %v is not ErrDenied", err)
			}
			if err == nil && !strings.HasPrefix(real, s.Root) {
				t.Errorf("real path %q escapes session root", real)
			}
		})
	}
}

func TestVirtualToRealRejectsSymlinkEscape(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}

	hostFile := filepath.Join(t.TempDir(), "host.txt")
	if err := os.WriteFile(hostFile, []byte("host-only"), 0640); err != nil {
		t.Fatal(err)
	}
	scratch := s.MountPath(MountScratch)
	if err := os.Symlink(hostFile, filepath.Join(scratch, "leak")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Dir(hostFile), filepath.Join(scratch, "leakdir")); err != nil {
		t.Fatal(err)
	}

	for _, vpath := range []string{"/scratch/leak", "/scratch/leakdir", "/scratch/leakdir/host.txt"} {
		if _, err := s.VirtualToReal(vpath); !errors.Is(err, policy.ErrDenied) {
			t.Errorf("VirtualToReal(%q) = %v, want ErrDenied", vpath, err)
		}
	}

	// Symlinks staying inside the mount remain usable.
	if err := os.WriteFile(filepath.Join(scratch, "real.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(scratch, "real.txt"), filepath.Join(scratch, "alias.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VirtualToReal("/scratch/alias.txt"); err != nil {
		t.Errorf("in-mount symlink rejected: %v", err)
	}
	// Paths that do not exist yet still translate.
	if _, err := s.VirtualToReal("/scratch/new/file.txt"); err != nil {
		t.Errorf("nonexistent path rejected: %v", err)
	}
}

func TestBrowse(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}

	entries, truncated, err := s.Browse("/tools", false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	for _, e := range entries {
		if strings.HasPrefix(filepath.Base(e.Path), ".") {
			t.Errorf("hidden entry %s listed without includeHidden", e.Path)
		}
	}

	withHidden, _, err := s.Browse("/tools", true, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(withHidden) <= len(entries) {
		t.Error("includeHidden did not add the .search_index entry")
	}

	few, truncated, err := s.Browse("/tools", false, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !truncated || len(few) != 2 {
		t.Errorf("cap not applied: %d entries, truncated=%v", len(few), truncated)
	}
}

func TestDiskUsage(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(s.MountPath(MountScratch), "a"), make([]byte, 1000), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.MountPath(MountResults), "b"), make([]byte, 500), 0640); err != nil {
		t.Fatal(err)
	}

	usage, err := s.DiskUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage != 1500 {
		t.Errorf("DiskUsage = %d, want 1500", usage)
	}
}

func TestEnforceDiskLimits(t *testing.T) {
	m := testManager(t)
	key := Key{DeploymentID: "dep1", Caller: "alice@corp.io", Language: "typescript"}
	s, err := m.GetOrCreate(key, testPolicy(), sampleTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	write := func(mount, name string, n int) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(s.MountPath(mount), name), make([]byte, n), 0640); err != nil {
			t.Fatal(err)
		}
	}

	write(MountScratch, "a.bin", 600)
	write(MountResults, "b.bin", 400)

	// Exactly at both bounds: fine.
	if err := s.EnforceDiskLimits(600, 1000); err != nil {
		t.Errorf("at-limit usage rejected: %v", err)
	}

	// One file over the per-file bound.
	if err := s.EnforceDiskLimits(599, 10000); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("per-file violation = %v, want ErrDenied", err)
	} else if !strings.Contains(err.Error(), "file size limit") {
		t.Errorf("per-file violation message = %q", err)
	}

	// Aggregate one byte over.
	if err := s.EnforceDiskLimits(0, 999); !errors.Is(err, policy.ErrDenied) {
		t.Errorf("aggregate violation = %v, want ErrDenied", err)
	}

	// Zero bounds disable the checks.
	if err := s.EnforceDiskLimits(0, 0); err != nil {
		t.Errorf("unbounded scan failed: %v", err)
	}
}
