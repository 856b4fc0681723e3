package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/session"
)

// Python runs guest code under CPython in isolated mode (-I -S).
// Python has no OS-level permission sandbox, so the generated wrapper
// executes user code under a restricted builtins dict: no open, no
// eval/exec, and an import guard that only admits an allowlist of
// modules. File access goes through virtual-path helpers that resolve
// symlinks and stay inside the session mounts. The gateway's path
// policy remains the authority for bridged filesystem operations.
type Python struct {
	bin    string
	logger *slog.Logger
}

// importable by guest code regardless of policy. "tools" and "skills"
// cover the generated mounts.
var pythonSafeImports = []string{
	"asyncio", "base64", "collections", "csv", "datetime", "decimal",
	"functools", "hashlib", "heapq", "itertools", "json", "math",
	"random", "re", "statistics", "string", "textwrap", "time",
	"typing", "uuid",
	"tools", "skills",
}

// additionally importable when the deployment grants raw HTTP.
var pythonNetworkImports = []string{"http", "socket", "ssl", "urllib"}

// NewPython creates the Python runtime. bin overrides PATH lookup when set.
func NewPython(bin string, logger *slog.Logger) *Python {
	if bin == "" {
		bin = "python3"
	}
	return &Python{bin: bin, logger: logger}
}

func (p *Python) Name() string     { return "python" }
func (p *Python) Language() string { return "python" }

// HealthCheck verifies the python executable is present.
func (p *Python) HealthCheck() error {
	if _, err := exec.LookPath(p.bin); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrUnavailable, p.bin, err)
	}
	return nil
}

// Execute writes the user file and wrapper into /scratch and runs
// python3 -I -S on the wrapper.
func (p *Python) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := p.HealthCheck(); err != nil {
		return nil, err
	}

	s := req.Session
	secret := uuid.NewString()
	execID := uuid.NewString()[:8]
	scratch := s.MountPath(session.MountScratch)

	userFile := filepath.Join(scratch, fmt.Sprintf("codeexec_%s_user.py", execID))
	entryFile := filepath.Join(scratch, fmt.Sprintf("codeexec_%s.py", execID))
	defer func() {
		_ = os.Remove(userFile)
		_ = os.Remove(entryFile)
	}()

	if err := os.WriteFile(userFile, []byte(req.Code), 0640); err != nil {
		return nil, fmt.Errorf("writing user file: %w", err)
	}
	entry := pythonEntrypoint(secret, s.Root, userFile, req.Policy)
	if err := os.WriteFile(entryFile, []byte(entry), 0640); err != nil {
		return nil, fmt.Errorf("writing entrypoint: %w", err)
	}

	proc := &guestProc{
		bin:     p.bin,
		args:    []string{"-I", "-S", entryFile},
		dir:     s.Root,
		timeout: executionTimeout(req.Policy),
		secret:  secret,
		handler: req.OnToolCall,
		logger:  p.logger,
	}
	return proc.run(ctx)
}

// pythonEntrypoint builds the wrapper script. The wrapper itself runs
// with full builtins; user code does not. It captures sys.stdout and
// sys.stderr into buffers, executes the user source under the safe
// builtins dict with the tools namespace and file helpers injected,
// then restores the streams and reports the result frame on the raw
// stdout.
func pythonEntrypoint(secret, sessionRoot, userFile string, pol policy.Policy) string {
	safe := append([]string(nil), pythonSafeImports...)
	if pol.Network.AllowRawHTTP {
		safe = append(safe, pythonNetworkImports...)
	}
	sort.Strings(safe)
	safeJSON, _ := json.Marshal(safe)
	secJSON, _ := json.Marshal(secret)
	rootJSON, _ := json.Marshal(sessionRoot)
	toolsJSON, _ := json.Marshal(filepath.Join(sessionRoot, session.MountTools))
	userJSON, _ := json.Marshal(userFile)

	var b strings.Builder
	b.WriteString("import builtins\nimport io\nimport json\nimport sys\nimport traceback\n\n")
	fmt.Fprintf(&b, "sys.path.insert(0, %s)\nsys.path.insert(0, %s)\n\n", rootJSON, toolsJSON)
	b.WriteString("import _runtime\n")
	fmt.Fprintf(&b, "_runtime.SECRET = %s\n", secJSON)
	fmt.Fprintf(&b, "_runtime.ROOT = %s\n\n", rootJSON)
	fmt.Fprintf(&b, "_SAFE_IMPORTS = set(%s)\n", safeJSON)
	b.WriteString(`

def _guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
    base = name.split(".", 1)[0]
    if name not in _SAFE_IMPORTS and base not in _SAFE_IMPORTS:
        raise ImportError("import of %r is not allowed in the sandbox" % name)
    return builtins.__import__(name, globals, locals, fromlist, level)


_SAFE_BUILTINS = {
    "abs": abs, "all": all, "any": any, "bool": bool, "dict": dict,
    "enumerate": enumerate, "filter": filter, "float": float, "int": int,
    "isinstance": isinstance, "len": len, "list": list, "map": map,
    "max": max, "min": min, "print": print, "range": range,
    "repr": repr, "reversed": reversed, "round": round, "set": set,
    "sorted": sorted, "str": str, "sum": sum, "tuple": tuple, "zip": zip,
    "BaseException": BaseException, "Exception": Exception,
    "KeyError": KeyError, "PermissionError": PermissionError,
    "RuntimeError": RuntimeError, "StopIteration": StopIteration,
    "TypeError": TypeError, "ValueError": ValueError,
    "__import__": _guarded_import,
}

_globals = {
    "__name__": "__main__",
    "__builtins__": _SAFE_BUILTINS,
    "tools": _runtime.tools,
    "call_tool": _runtime.call_tool,
    "read_file": _runtime.read_file,
    "write_file": _runtime.write_file,
    "list_dir": _runtime.list_dir,
    "json": json,
}

`)
	fmt.Fprintf(&b, "with open(%s) as _f:\n    _src = _f.read()\n\n", userJSON)
	b.WriteString(`_exit_code = 0
_stdout = io.StringIO()
_stderr = io.StringIO()
_orig_out, _orig_err = sys.stdout, sys.stderr
sys.stdout, sys.stderr = _stdout, _stderr
try:
    exec(compile(_src, "main.py", "exec"), _globals)
except SystemExit as _e:
    _exit_code = int(_e.code or 0)
except BaseException:
    traceback.print_exc(file=sys.stderr)
    _exit_code = 1
finally:
    sys.stdout, sys.stderr = _orig_out, _orig_err

_runtime.send_result(_stdout.getvalue(), _stderr.getvalue(), _exit_code)
`)
	return b.String()
}
