package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jkaninda/ngome/internal/catalog"
)

// schemaVersion is bumped when the generated VFS layout changes shape.
const schemaVersion = 1

// catalogHash fingerprints the tool and skill catalog. Sessions regenerate
// their /tools and /skills mounts only when this changes.
func catalogHash(tools []catalog.Tool, skills []catalog.Skill) string {
	lines := make([]string, 0, len(tools)+len(skills))
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("tool:%s:%d:%s", t.ID, t.UpdatedAt.Unix(), t.Name))
	}
	for _, s := range skills {
		lines = append(lines, fmt.Sprintf("skill:%s:%s:%d:%d:%s", s.ID, s.Name, s.Version, s.UpdatedAt.Unix(), s.Language))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Refresh rebuilds the /tools and /skills mounts if the catalog changed
// since the last refresh. /scratch and /results are never touched.
func (s *Session) Refresh(tools []catalog.Tool, skills []catalog.Skill) error {
	hash := catalogHash(tools, skills)

	s.mu.Lock()
	defer s.mu.Unlock()

	if hash == s.contentHash {
		return nil
	}

	for _, m := range []string{MountTools, MountSkills} {
		dir := filepath.Join(s.Root, m)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("wiping mount %s: %w", m, err)
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("recreating mount %s: %w", m, err)
		}
	}

	s.tools = make(map[string]catalog.Tool, len(tools))
	s.aliases = make(map[string][]string)

	if err := s.generateTools(tools); err != nil {
		return err
	}
	if err := s.generateSkills(skills); err != nil {
		return err
	}

	s.contentHash = hash
	return nil
}

// generateTools writes the /tools mount: per-provider directories with one
// stub per tool, provider manifests, and the session-wide metadata files.
// Callers hold s.mu.
func (s *Session) generateTools(tools []catalog.Tool) error {
	root := filepath.Join(s.Root, MountTools)
	ext := stubExt(s.Key.Language)

	var index []string
	byProvider := make(map[string][]catalog.Tool)
	providerNames := make(map[string]string) // identifier -> display name
	for _, t := range tools {
		pid := providerIdent(t.Provider)
		byProvider[pid] = append(byProvider[pid], t)
		providerNames[pid] = t.Provider
	}

	providers := make([]string, 0, len(byProvider))
	for pid := range byProvider {
		providers = append(providers, pid)
	}
	sort.Strings(providers)

	for _, pid := range providers {
		group := byProvider[pid]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		provDir := filepath.Join(root, pid)
		if err := os.MkdirAll(provDir, 0750); err != nil {
			return fmt.Errorf("creating provider dir %s: %w", pid, err)
		}

		meta := map[string]any{"provider": providerNames[pid], "tools": []map[string]any{}}
		metaTools := make([]map[string]any, 0, len(group))

		for _, t := range group {
			tid := catalog.Identifier(t.Name)
			toolDir := filepath.Join(provDir, tid)
			if err := os.MkdirAll(toolDir, 0750); err != nil {
				return fmt.Errorf("creating tool dir %s/%s: %w", pid, tid, err)
			}

			stub := generateStub(s.Key.Language, t)
			stubPath := filepath.Join(toolDir, "tool"+ext)
			if err := os.WriteFile(stubPath, []byte(stub), 0640); err != nil {
				return fmt.Errorf("writing stub for %s: %w", t.Name, err)
			}

			metaTools = append(metaTools, map[string]any{
				"name":          t.Name,
				"original_name": t.OriginalName,
				"description":   t.Description,
				"tags":          t.Tags,
			})

			rel := filepath.ToSlash(filepath.Join(pid, tid, "tool"+ext))
			index = append(index, rel+":"+flattenForIndex(t))

			s.registerToolAliases(t, pid, tid)
			s.tools[t.Name] = t
		}

		meta["tools"] = metaTools
		if err := writeJSON(filepath.Join(provDir, "_meta.json"), meta); err != nil {
			return err
		}
	}

	schema := map[string]any{
		"schema_version": schemaVersion,
		"language":       s.Key.Language,
		"roots":          []string{"/" + MountTools, "/" + MountScratch, "/" + MountSkills, "/" + MountResults},
		"providers":      providers,
	}
	if err := writeJSON(filepath.Join(root, "_schema.json"), schema); err != nil {
		return err
	}

	full := make([]map[string]any, 0, len(tools))
	sorted := append([]catalog.Tool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, t := range sorted {
		full = append(full, map[string]any{
			"id":            t.ID,
			"name":          t.Name,
			"original_name": t.OriginalName,
			"provider":      t.Provider,
			"description":   t.Description,
			"tags":          t.Tags,
			"input_schema":  t.InputSchema,
		})
	}
	if err := writeJSON(filepath.Join(root, "_catalog.json"), full); err != nil {
		return err
	}

	helper := runtimeHelperTS
	helperName := "_runtime.ts"
	if s.Key.Language == "python" {
		helper = runtimeHelperPy
		helperName = "_runtime.py"
	}
	if err := os.WriteFile(filepath.Join(root, helperName), []byte(helper), 0640); err != nil {
		return fmt.Errorf("writing runtime helper: %w", err)
	}

	sort.Strings(index)
	if err := os.WriteFile(filepath.Join(root, ".search_index"), []byte(strings.Join(index, "\n")+"\n"), 0640); err != nil {
		return fmt.Errorf("writing search index: %w", err)
	}
	return nil
}

// generateSkills writes the /skills mount. Callers hold s.mu.
func (s *Session) generateSkills(skills []catalog.Skill) error {
	root := filepath.Join(s.Root, MountSkills)
	ext := stubExt(s.Key.Language)

	manifest := make([]map[string]any, 0, len(skills))
	sorted := append([]catalog.Skill(nil), skills...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, sk := range sorted {
		if !languageMatches(sk.Language, s.Key.Language) {
			continue
		}
		name := catalog.Identifier(sk.Name)
		if err := os.WriteFile(filepath.Join(root, name+ext), []byte(sk.SourceCode), 0640); err != nil {
			return fmt.Errorf("writing skill %s: %w", sk.Name, err)
		}
		manifest = append(manifest, map[string]any{
			"name":     sk.Name,
			"module":   name,
			"version":  sk.Version,
			"language": sk.Language,
		})
	}

	if err := writeJSON(filepath.Join(root, "_meta.json"), manifest); err != nil {
		return err
	}
	if s.Key.Language == "python" {
		if err := os.WriteFile(filepath.Join(root, "__init__.py"), []byte(""), 0640); err != nil {
			return fmt.Errorf("writing skills __init__: %w", err)
		}
	}
	return nil
}

// registerToolAliases records every spelling guest code might use for a
// tool: the gateway name, hyphen/underscore variants, identifier forms,
// and provider-qualified forms. Callers hold s.mu.
func (s *Session) registerToolAliases(t catalog.Tool, pid, tid string) {
	gw := t.Name
	s.registerAlias(gw, gw)
	s.registerAlias(strings.ReplaceAll(gw, "-", "_"), gw)
	s.registerAlias(strings.ReplaceAll(gw, "_", "-"), gw)
	s.registerAlias(catalog.Identifier(gw), gw)
	s.registerAlias(tid, gw)
	s.registerAlias(catalog.Qualified(t.Provider, t.OriginalName), gw)
	s.registerAlias(catalog.Qualified(t.Provider, gw), gw)
	s.registerAlias(catalog.Qualified(pid, tid), gw)
	s.registerAlias(pid+"."+tid, gw)
}

// flattenForIndex produces the one-line searchable text for a tool.
func flattenForIndex(t catalog.Tool) string {
	parts := []string{t.Name, t.OriginalName, t.Description, strings.Join(t.Tags, " ")}
	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, strings.Join(keys, " "))
	}
	line := strings.Join(parts, " ")
	line = strings.ReplaceAll(line, "\n", " ")
	return strings.Join(strings.Fields(line), " ")
}

func providerIdent(provider string) string {
	if provider == "" {
		return "local"
	}
	return catalog.Identifier(provider)
}

func stubExt(language string) string {
	if language == "python" {
		return ".py"
	}
	return ".ts"
}

func languageMatches(skillLang, sessionLang string) bool {
	sl := strings.ToLower(skillLang)
	if sessionLang == "python" {
		return sl == "python" || sl == "py"
	}
	return sl == "typescript" || sl == "ts" || sl == "javascript" || sl == "deno"
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
