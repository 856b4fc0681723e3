// Package catalog defines the tool and skill surfaces the sandbox exposes
// to guest code, the identity model used for visibility filtering, and the
// mount rules that scope a deployment's catalog.
package catalog

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is one gateway-registered tool as the sandbox sees it.
type Tool struct {
	ID           string
	Name         string // gateway-unique, possibly provider-prefixed
	OriginalName string // name as the upstream server knows it
	Description  string
	Provider     string // upstream server / gateway slug; "" for local tools
	Tags         []string
	InputSchema  map[string]any // JSON Schema
	Visibility   string         // "public", "team", "private"
	OwnerEmail   string
	TeamID       string
	Enabled      bool
	Reachable    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Skill is a reusable named code module callable from guest code.
type Skill struct {
	ID         string
	Name       string
	Version    int
	Language   string // "python" or "typescript"
	SourceCode string
	Status     string // "pending", "approved", "rejected", "revoked"
	Active     bool
	Visibility string
	OwnerEmail string
	TeamID     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Identity is the caller on whose behalf an execution runs.
// Teams == nil is the administrative sentinel: no visibility filtering.
// An empty non-nil slice means the caller belongs to no team and sees
// only public and self-owned entries.
type Identity struct {
	Caller string
	Teams  []string
}

// Admin reports whether this identity bypasses visibility filtering.
func (id Identity) Admin() bool { return id.Teams == nil }

// MountRules scope which catalog tools a deployment mounts.
// Include lists, when present, are exhaustive; exclude lists always win.
type MountRules struct {
	IncludeTags      []string
	ExcludeTags      []string
	IncludeTools     []string
	ExcludeTools     []string
	IncludeProviders []string
	ExcludeProviders []string
}

// ToolCatalog lists tools available to a deployment before visibility
// and mount filtering.
type ToolCatalog interface {
	ListTools(ctx context.Context, deploymentID string) ([]Tool, error)
}

// SkillCatalog lists approved, active skills for a deployment.
type SkillCatalog interface {
	ListSkills(ctx context.Context, deploymentID string) ([]Skill, error)
}

// Invoker dispatches one upstream tool call by gateway tool name.
type Invoker func(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error)

// Visible reports whether id may see an entry with the given visibility,
// owner, and team.
func Visible(id Identity, visibility, ownerEmail, teamID string) bool {
	if id.Admin() {
		return true
	}
	switch visibility {
	case "public", "":
		return true
	case "team":
		for _, t := range id.Teams {
			if t != "" && t == teamID {
				return true
			}
		}
		return ownerEmail != "" && ownerEmail == id.Caller
	case "private":
		return ownerEmail != "" && ownerEmail == id.Caller
	default:
		return false
	}
}

// VisibleTo reports whether id may see this tool.
func (t Tool) VisibleTo(id Identity) bool {
	return Visible(id, t.Visibility, t.OwnerEmail, t.TeamID)
}

// VisibleTo reports whether id may see this skill.
func (s Skill) VisibleTo(id Identity) bool {
	return Visible(id, s.Visibility, s.OwnerEmail, s.TeamID)
}

// Matches applies mount rules to a tool. Order: explicit tool excludes,
// provider excludes, tag excludes, then the include lists (any present
// include list must match on its axis).
func (r MountRules) Matches(t Tool) bool {
	if containsFold(r.ExcludeTools, t.Name) || containsFold(r.ExcludeTools, t.OriginalName) {
		return false
	}
	if containsFold(r.ExcludeProviders, t.Provider) {
		return false
	}
	for _, tag := range t.Tags {
		if containsFold(r.ExcludeTags, tag) {
			return false
		}
	}
	if len(r.IncludeTools) > 0 &&
		!containsFold(r.IncludeTools, t.Name) && !containsFold(r.IncludeTools, t.OriginalName) {
		return false
	}
	if len(r.IncludeProviders) > 0 && !containsFold(r.IncludeProviders, t.Provider) {
		return false
	}
	if len(r.IncludeTags) > 0 {
		found := false
		for _, tag := range t.Tags {
			if containsFold(r.IncludeTags, tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Empty reports whether no rules are set (everything mounts).
func (r MountRules) Empty() bool {
	return len(r.IncludeTags) == 0 && len(r.ExcludeTags) == 0 &&
		len(r.IncludeTools) == 0 && len(r.ExcludeTools) == 0 &&
		len(r.IncludeProviders) == 0 && len(r.ExcludeProviders) == 0
}

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// Identifier converts an arbitrary name into a lowercase identifier safe
// for directory names and guest-language symbols: runs of characters
// outside [a-z0-9_] collapse to a single underscore.
func Identifier(name string) string {
	s := nonIdentifier.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// Qualified joins a provider and tool name into the canonical
// "provider/tool" form used by policy patterns and the bridge.
func Qualified(provider, tool string) string {
	if provider == "" {
		return tool
	}
	return provider + "/" + tool
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
