package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/executor"
)

// File is a catalog file: the deployments a standalone instance serves,
// the upstream MCP servers backing their tools, and optional static tools
// for offline debugging.
type File struct {
	Deployments []DeploymentSpec `json:"deployments" yaml:"deployments"`
	Upstreams   []Upstream       `json:"upstreams,omitempty" yaml:"upstreams,omitempty"`
	Tools       []ToolSpec       `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// DeploymentSpec is one deployment entry in a catalog file.
type DeploymentSpec struct {
	ID                string         `json:"id" yaml:"id"`
	Policy            map[string]any `json:"policy,omitempty" yaml:"policy,omitempty"`
	MountRules        MountRulesSpec `json:"mount_rules,omitempty" yaml:"mount_rules,omitempty"`
	SkillsAutoApprove bool           `json:"skills_auto_approve" yaml:"skills_auto_approve"`
}

// MountRulesSpec mirrors catalog.MountRules with config tags.
type MountRulesSpec struct {
	IncludeTags      []string `json:"include_tags,omitempty" yaml:"include_tags,omitempty"`
	ExcludeTags      []string `json:"exclude_tags,omitempty" yaml:"exclude_tags,omitempty"`
	IncludeTools     []string `json:"include_tools,omitempty" yaml:"include_tools,omitempty"`
	ExcludeTools     []string `json:"exclude_tools,omitempty" yaml:"exclude_tools,omitempty"`
	IncludeProviders []string `json:"include_providers,omitempty" yaml:"include_providers,omitempty"`
	ExcludeProviders []string `json:"exclude_providers,omitempty" yaml:"exclude_providers,omitempty"`
}

func (m MountRulesSpec) rules() catalog.MountRules {
	return catalog.MountRules{
		IncludeTags:      m.IncludeTags,
		ExcludeTags:      m.ExcludeTags,
		IncludeTools:     m.IncludeTools,
		ExcludeTools:     m.ExcludeTools,
		IncludeProviders: m.IncludeProviders,
		ExcludeProviders: m.ExcludeProviders,
	}
}

// ToolSpec is a static tool entry. Result, when set, is the canned
// structured response returned for any invocation.
type ToolSpec struct {
	Name         string         `json:"name" yaml:"name"`
	OriginalName string         `json:"original_name,omitempty" yaml:"original_name,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Provider     string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Tags         []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	Result       map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
}

func (s ToolSpec) tool() catalog.Tool {
	original := s.OriginalName
	if original == "" {
		original = s.Name
	}
	return catalog.Tool{
		ID:           s.Name,
		Name:         s.Name,
		OriginalName: original,
		Description:  s.Description,
		Provider:     s.Provider,
		Tags:         s.Tags,
		InputSchema:  s.InputSchema,
		Enabled:      true,
		Reachable:    s.Result != nil,
		UpdatedAt:    time.Unix(0, 0).UTC(),
	}
}

// LoadFile parses a YAML catalog file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for i, d := range f.Deployments {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog %s: deployments[%d] has no id", path, i)
		}
	}
	return &f, nil
}

// DeploymentStore builds a deployment store from the file entries. An
// empty file yields a single "default" deployment with all-default policy.
func (f *File) DeploymentStore() executor.DeploymentStore {
	m := make(deploymentMap, len(f.Deployments))
	for _, d := range f.Deployments {
		m[d.ID] = &executor.Deployment{
			ID:                d.ID,
			PolicyRaw:         d.Policy,
			MountRules:        d.MountRules.rules(),
			SkillsAutoApprove: d.SkillsAutoApprove,
		}
	}
	if len(m) == 0 {
		m["default"] = &executor.Deployment{ID: "default"}
	}
	return m
}

type deploymentMap map[string]*executor.Deployment

func (m deploymentMap) GetDeployment(_ context.Context, id string) (*executor.Deployment, error) {
	dep, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("deployment %q is not configured", id)
	}
	return dep, nil
}
