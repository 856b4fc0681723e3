// Package workspace manages the Ngome runtime directory structure.
// All runtime state (database, security log, per-session sandbox trees)
// is consolidated under a single workspace root, making Ngome portable.
//
// Default workspace: ~/.ngome/workspace (configurable via config or NGOME_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".ngome/workspace"

// Workspace manages all Ngome runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.ngome/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SessionsDir returns <root>/sessions/. Holds per-session sandbox trees.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// LogsDir returns <root>/logs/. Application and security log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// DataDir returns <root>/data/. Database files for the SQLite backend.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// DatabasePath returns <root>/data/ngome.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "ngome.db")
}

// SecurityLogPath returns <root>/logs/security.jsonl.
func (w *Workspace) SecurityLogPath() string {
	return filepath.Join(w.LogsDir(), "security.jsonl")
}

// --- Session-scoped paths ---

// SessionRoot returns <root>/sessions/<deployment>/<caller>/<sessionID>/.
// Path segments are sanitized to prevent directory traversal.
func (w *Workspace) SessionRoot(deploymentID, caller, sessionID string) string {
	return filepath.Join(w.SessionsDir(), sanitizeName(deploymentID), sanitizeName(caller), sanitizeName(sessionID))
}

// --- Cleanup ---

// CleanSessions removes all contents of the sessions directory.
func (w *Workspace) CleanSessions() error {
	dir := filepath.Join(w.Root, "sessions")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sessions dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing session entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.SessionsDir(),
		w.LogsDir(),
		w.DataDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.ReplaceAll(name, "@", "_")
	if name == "" {
		name = "_"
	}
	return name
}
