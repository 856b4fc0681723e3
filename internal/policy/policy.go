// Package policy resolves per-deployment sandbox policy from untrusted
// configuration payloads and evaluates filesystem and tool-call permissions.
//
// Resolution is total: any shape of input (missing keys, wrong types,
// nested or flat layouts) yields a complete Policy with system defaults
// filling the gaps. Permission evaluation is deny-first: deny patterns are
// consulted before allow patterns, and an empty allow list for filesystem
// operations means nothing is permitted.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jkaninda/ngome/internal/config"
)

// ErrDenied is returned for any security policy violation: blocked paths,
// blocked tools, disabled capabilities. Callers classify with errors.Is.
var ErrDenied = errors.New("denied by sandbox policy")

// Limits bounds resource usage for a single execution and its session.
type Limits struct {
	MaxExecutionTimeMS int
	MaxMemoryMB        int
	MaxCPUPercent      int
	MaxFileSizeMB      int
	MaxTotalDiskMB     int
	MaxRunsPerMinute   int
	SessionTTLSeconds  int
}

// Filesystem holds virtual-path glob permissions.
type Filesystem struct {
	ReadPaths  []string
	WritePaths []string
	DenyPaths  []string
}

// Tools holds bridged tool-call permissions.
type Tools struct {
	Enabled       bool
	AllowPatterns []string // empty = all tools allowed (deny list still applies)
	DenyPatterns  []string
}

// Network holds outbound network permissions for guest code.
type Network struct {
	AllowRawHTTP bool
}

// Tokenization controls PII token substitution at the sandbox boundary.
type Tokenization struct {
	Enabled bool
	Types   []string
}

// Policy is a fully resolved sandbox policy for one deployment.
type Policy struct {
	Runtime      string // "deno" or "python"
	Limits       Limits
	Filesystem   Filesystem
	Tools        Tools
	Network      Network
	Tokenization Tokenization
}

// Resolver builds policies from deployment payloads over system defaults.
type Resolver struct {
	defaults config.SandboxConfig
}

// NewResolver creates a Resolver using the given system defaults.
func NewResolver(defaults config.SandboxConfig) *Resolver {
	return &Resolver{defaults: defaults}
}

// Resolve normalizes a raw deployment policy payload into a complete Policy.
// It never fails: unrecognized keys are ignored and malformed values fall
// back to system defaults. Flat limit keys take precedence over the same
// keys inside a nested "limits" object. Permission groups replace the
// default group per present key (shallow merge).
func (r *Resolver) Resolve(raw map[string]any) Policy {
	d := r.defaults
	p := Policy{
		Runtime: d.DefaultRuntime,
		Limits: Limits{
			MaxExecutionTimeMS: d.MaxExecutionTimeMS,
			MaxMemoryMB:        d.MaxMemoryMB,
			MaxCPUPercent:      d.MaxCPUPercent,
			MaxFileSizeMB:      d.MaxFileSizeMB,
			MaxTotalDiskMB:     d.MaxTotalDiskMB,
			MaxRunsPerMinute:   d.MaxRunsPerMinute,
			SessionTTLSeconds:  d.SessionTTLSeconds,
		},
		Filesystem: Filesystem{
			ReadPaths:  append([]string(nil), d.FilesystemReadPaths...),
			WritePaths: append([]string(nil), d.FilesystemWritePaths...),
			DenyPaths:  append([]string(nil), d.FilesystemDenyPaths...),
		},
		Tools: Tools{
			Enabled:       d.ToolCalls(),
			AllowPatterns: append([]string(nil), d.ToolAllowPatterns...),
			DenyPatterns:  append([]string(nil), d.ToolDenyPatterns...),
		},
		Network: Network{AllowRawHTTP: d.AllowRawHTTP},
		Tokenization: Tokenization{
			Enabled: d.TokenizationEnabled,
			Types:   append([]string(nil), d.TokenizationTypes...),
		},
	}
	if raw == nil {
		return p
	}

	// Runtime: explicit field wins, then the language hint inside
	// runtime_requirements, then the system default.
	if rt, ok := asString(raw["runtime"]); ok {
		p.Runtime = normalizeRuntime(rt, p.Runtime)
	} else if req, ok := raw["runtime_requirements"].(map[string]any); ok {
		if lang, ok := asString(req["language"]); ok {
			p.Runtime = normalizeRuntime(lang, p.Runtime)
		}
	}

	// Limits: nested "limits" object first, then flat keys on top.
	if nested, ok := raw["limits"].(map[string]any); ok {
		r.applyLimits(&p.Limits, nested)
	}
	r.applyLimits(&p.Limits, raw)

	// Permission groups.
	if fs, ok := raw["filesystem"].(map[string]any); ok {
		if v, ok := asStringSlice(fs["read_paths"]); ok {
			p.Filesystem.ReadPaths = v
		}
		if v, ok := asStringSlice(fs["write_paths"]); ok {
			p.Filesystem.WritePaths = v
		}
		if v, ok := asStringSlice(fs["deny_paths"]); ok {
			p.Filesystem.DenyPaths = v
		}
	}
	if tools, ok := raw["tools"].(map[string]any); ok {
		if v, ok := asBool(tools["enabled"]); ok {
			p.Tools.Enabled = v
		}
		if v, ok := asStringSlice(tools["allow_patterns"]); ok {
			p.Tools.AllowPatterns = v
		}
		if v, ok := asStringSlice(tools["deny_patterns"]); ok {
			p.Tools.DenyPatterns = v
		}
	}
	if net, ok := raw["network"].(map[string]any); ok {
		if v, ok := asBool(net["allow_raw_http"]); ok {
			p.Network.AllowRawHTTP = v
		}
	}
	if tok, ok := raw["tokenization"].(map[string]any); ok {
		if v, ok := asBool(tok["enabled"]); ok {
			p.Tokenization.Enabled = v
		}
		if v, ok := asStringSlice(tok["types"]); ok {
			p.Tokenization.Types = v
		}
	}

	return p
}

// applyLimits copies recognized limit keys from m onto l, skipping
// malformed values. Booleans in numeric slots are rejected explicitly:
// JSON decoders yield float64 for numbers, but a bare `true` must not
// become 1.
func (r *Resolver) applyLimits(l *Limits, m map[string]any) {
	setInt := func(key string, dst *int) {
		if v, ok := asInt(m[key]); ok && v > 0 {
			*dst = v
		}
	}
	setInt("max_execution_time_ms", &l.MaxExecutionTimeMS)
	setInt("max_memory_mb", &l.MaxMemoryMB)
	setInt("max_cpu_percent", &l.MaxCPUPercent)
	setInt("max_file_size_mb", &l.MaxFileSizeMB)
	setInt("max_total_disk_mb", &l.MaxTotalDiskMB)
	setInt("max_runs_per_minute", &l.MaxRunsPerMinute)
	setInt("session_ttl_seconds", &l.SessionTTLSeconds)
}

// CheckPath verifies a virtual path against the filesystem policy.
// op is "read" or "write". Deny patterns are checked first; a path
// matching no allow pattern for the operation is denied.
func (p *Policy) CheckPath(op, vpath string) error {
	for _, pat := range p.Filesystem.DenyPaths {
		if matchPath(pat, vpath) {
			return fmt.Errorf("%w: path %s matches deny pattern %s", ErrDenied, vpath, pat)
		}
	}
	var allow []string
	switch op {
	case "write":
		allow = p.Filesystem.WritePaths
	default:
		allow = p.Filesystem.ReadPaths
	}
	for _, pat := range allow {
		if matchPath(pat, vpath) {
			return nil
		}
	}
	return fmt.Errorf("%w: path %s not permitted for %s", ErrDenied, vpath, op)
}

// CheckTool verifies a qualified tool name ("provider/tool") against the
// tool-call policy. Deny patterns win; an empty allow list permits all.
func (p *Policy) CheckTool(qualified string) error {
	if !p.Tools.Enabled {
		return fmt.Errorf("%w: tool calls are disabled for this deployment", ErrDenied)
	}
	for _, pat := range p.Tools.DenyPatterns {
		if matchTool(pat, qualified) {
			return fmt.Errorf("%w: tool %s matches deny pattern %s", ErrDenied, qualified, pat)
		}
	}
	if len(p.Tools.AllowPatterns) == 0 {
		return nil
	}
	for _, pat := range p.Tools.AllowPatterns {
		if matchTool(pat, qualified) {
			return nil
		}
	}
	return fmt.Errorf("%w: tool %s not in allow list", ErrDenied, qualified)
}

// matchPath matches a virtual path against a glob pattern. A pattern
// ending in "/**" also matches its bare prefix, so "/scratch/**" covers
// "/scratch" itself.
func matchPath(pattern, vpath string) bool {
	if ok, err := doublestar.Match(pattern, vpath); err == nil && ok {
		return true
	}
	if base, found := strings.CutSuffix(pattern, "/**"); found && vpath == base {
		return true
	}
	return false
}

// matchTool matches a qualified tool name against a pattern. Patterns may
// use glob syntax ("github/*") or be exact names.
func matchTool(pattern, qualified string) bool {
	if pattern == qualified {
		return true
	}
	ok, err := doublestar.Match(pattern, qualified)
	return err == nil && ok
}

func normalizeRuntime(s, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deno", "typescript", "ts", "javascript", "js", "node":
		return "deno"
	case "python", "py", "python3":
		return "python"
	default:
		return fallback
	}
}

// --- Lenient coercion helpers ---

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt accepts the numeric types JSON and YAML decoders produce.
// Booleans are rejected so a misconfigured `true` falls back to defaults.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
