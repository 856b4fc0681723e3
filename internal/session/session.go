// Package session manages per-caller sandbox sessions: an on-disk virtual
// filesystem exposing the deployment's tool and skill catalog to guest
// code, a PII token map, and an alias index for resolving guest-visible
// tool names back to gateway tools.
//
// Sessions are keyed by (deployment, caller, language) and live until idle
// longer than their TTL. The /tools and /skills mounts are regenerated
// only when the catalog content hash changes; /scratch and /results
// survive regeneration for the life of the session.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/tokenize"
)

// Mount names, in virtual-path order.
const (
	MountTools   = "tools"
	MountScratch = "scratch"
	MountSkills  = "skills"
	MountResults = "results"
)

var mounts = []string{MountTools, MountScratch, MountSkills, MountResults}

// Key identifies a session.
type Key struct {
	DeploymentID string
	Caller       string
	Language     string // "python" or "typescript"
}

// Session is one live sandbox session.
type Session struct {
	ID         string
	Key        Key
	Root       string // real directory containing the four mounts
	Policy     policy.Policy
	Tokens     *tokenize.Context
	CreatedAt  time.Time
	LastUsedAt time.Time

	mu          sync.Mutex
	contentHash string
	tools       map[string]catalog.Tool // by gateway tool name
	aliases     map[string][]string     // guest-visible spelling -> gateway tool names
}

// Touch records activity, resetting the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastUsedAt = time.Now()
	s.mu.Unlock()
}

// Expired reports whether the session has been idle past ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastUsedAt) > ttl
}

// ContentHash returns the catalog hash the mounts were generated from.
func (s *Session) ContentHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentHash
}

// Tool returns the gateway tool registered under name.
func (s *Session) Tool(name string) (catalog.Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	return t, ok
}

// ResolveAlias maps a guest-visible tool spelling to gateway tool names.
// Resolution order: exact qualified or registered alias, then canonical
// gateway name, then a unique unqualified match. The returned slice has
// one element on success; zero or several signal unknown or ambiguous.
func (s *Session) ResolveAlias(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if names, ok := s.aliases[name]; ok {
		return dedupe(names)
	}
	if _, ok := s.tools[name]; ok {
		return []string{name}
	}
	// Unqualified fallback: match the bare tool part across providers.
	ident := catalog.Identifier(name)
	var found []string
	for gwName, t := range s.tools {
		if catalog.Identifier(t.OriginalName) == ident || catalog.Identifier(gwName) == ident {
			found = append(found, gwName)
		}
	}
	sort.Strings(found)
	return dedupe(found)
}

// registerAlias records one spelling for a gateway tool name.
// Callers hold s.mu.
func (s *Session) registerAlias(alias, gwName string) {
	if alias == "" {
		return
	}
	for _, existing := range s.aliases[alias] {
		if existing == gwName {
			return
		}
	}
	s.aliases[alias] = append(s.aliases[alias], gwName)
}

// MountPath returns the real path of a mount directory.
func (s *Session) MountPath(mount string) string {
	return filepath.Join(s.Root, mount)
}

// VirtualToReal maps a virtual path like /scratch/data.json to its real
// location, rejecting paths outside the four mounts, any traversal that
// would escape a mount root, and symlinks whose targets resolve outside
// the mount.
func (s *Session) VirtualToReal(vpath string) (string, error) {
	if !strings.HasPrefix(vpath, "/") {
		return "", fmt.Errorf("%w: path %q is not absolute", policy.ErrDenied, vpath)
	}
	for _, seg := range strings.Split(vpath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q contains traversal", policy.ErrDenied, vpath)
		}
	}
	clean := filepath.Clean(vpath)
	parts := strings.SplitN(strings.TrimPrefix(clean, "/"), "/", 2)
	mount := parts[0]
	if !validMount(mount) {
		return "", fmt.Errorf("%w: path %q is outside the sandbox mounts", policy.ErrDenied, vpath)
	}
	real := filepath.Join(s.Root, clean)
	mountRoot := filepath.Join(s.Root, mount)
	if real != mountRoot && !strings.HasPrefix(real, mountRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the sandbox", policy.ErrDenied, vpath)
	}

	// The lexical check above says nothing about symlinks a guest may
	// have planted under a writable mount. Resolve both sides and
	// re-check the prefix against the resolved mount root.
	resolvedMount, err := filepath.EvalSymlinks(mountRoot)
	if err != nil {
		return "", fmt.Errorf("resolving mount %s: %w", mount, err)
	}
	resolved, err := resolveExisting(real)
	if err != nil {
		return "", fmt.Errorf("%w: path %q is not resolvable", policy.ErrDenied, vpath)
	}
	if resolved != resolvedMount && !strings.HasPrefix(resolved, resolvedMount+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the sandbox", policy.ErrDenied, vpath)
	}
	return real, nil
}

// resolveExisting resolves symlinks for the deepest existing prefix of
// path, re-joining the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	dir := filepath.Dir(path)
	if dir == path {
		return path, nil
	}
	parent, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

// RealToVirtual maps a real path under the session root back to its
// virtual form.
func (s *Session) RealToVirtual(real string) (string, error) {
	rel, err := filepath.Rel(s.Root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside session root", real)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// ensureMounts creates the four mount directories.
func (s *Session) ensureMounts() error {
	for _, m := range mounts {
		if err := os.MkdirAll(filepath.Join(s.Root, m), 0750); err != nil {
			return fmt.Errorf("creating mount %s: %w", m, err)
		}
	}
	return nil
}

// Destroy removes the session tree from disk.
func (s *Session) Destroy() error {
	return os.RemoveAll(s.Root)
}

// Entry is one fs_browse listing row.
type Entry struct {
	Path  string `json:"path"` // virtual path
	Type  string `json:"type"` // "file" or "dir"
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// Browse lists a virtual directory recursively, depth-first, skipping
// dotfiles unless includeHidden. max caps the entry count; the second
// return reports truncation.
func (s *Session) Browse(vpath string, includeHidden bool, max int) ([]Entry, bool, error) {
	real, err := s.VirtualToReal(vpath)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, false, fmt.Errorf("browsing %s: %w", vpath, err)
	}
	if !info.IsDir() {
		v, _ := s.RealToVirtual(real)
		return []Entry{{Path: v, Type: "file", Size: info.Size(), MTime: info.ModTime().Unix()}}, false, nil
	}

	var entries []Entry
	truncated := false
	err = filepath.WalkDir(real, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if p == real {
			return nil
		}
		if !includeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= max {
			truncated = true
			return filepath.SkipAll
		}
		v, verr := s.RealToVirtual(p)
		if verr != nil {
			return nil
		}
		e := Entry{Path: v, Type: "file"}
		if d.IsDir() {
			e.Type = "dir"
		} else if fi, ferr := d.Info(); ferr == nil {
			e.Size = fi.Size()
			e.MTime = fi.ModTime().Unix()
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("browsing %s: %w", vpath, err)
	}
	return entries, truncated, nil
}

// DiskUsage sums file sizes under the scratch and results mounts.
func (s *Session) DiskUsage() (int64, error) {
	var total int64
	for _, m := range []string{MountScratch, MountResults} {
		err := filepath.WalkDir(filepath.Join(s.Root, m), func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				if fi, ferr := d.Info(); ferr == nil {
					total += fi.Size()
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// EnforceDiskLimits scans the scratch and results mounts, failing when
// any single file exceeds maxFileBytes or the aggregate exceeds
// maxTotalBytes. Usage exactly at a bound is allowed; a zero or negative
// bound disables that check. Violations wrap policy.ErrDenied.
func (s *Session) EnforceDiskLimits(maxFileBytes, maxTotalBytes int64) error {
	var total int64
	for _, m := range []string{MountScratch, MountResults} {
		err := filepath.WalkDir(filepath.Join(s.Root, m), func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			fi, ferr := d.Info()
			if ferr != nil {
				return nil
			}
			size := fi.Size()
			if maxFileBytes > 0 && size > maxFileBytes {
				v, _ := s.RealToVirtual(p)
				return fmt.Errorf("%w: file size limit exceeded at %s", policy.ErrDenied, v)
			}
			total += size
			if maxTotalBytes > 0 && total > maxTotalBytes {
				return fmt.Errorf("%w: total disk usage limit exceeded", policy.ErrDenied)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func validMount(name string) bool {
	for _, m := range mounts {
		if name == m {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
