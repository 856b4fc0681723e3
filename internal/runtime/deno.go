package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/session"
)

// Deno runs TypeScript guest code under the Deno permission sandbox.
// Filesystem access is constrained twice: Deno's --allow-read/--allow-write
// flags enforce the mount boundaries at the OS level, and the gateway's
// path policy governs every bridged operation.
type Deno struct {
	bin    string
	logger *slog.Logger
}

// NewDeno creates the Deno runtime. bin overrides PATH lookup when set.
func NewDeno(bin string, logger *slog.Logger) *Deno {
	if bin == "" {
		bin = "deno"
	}
	return &Deno{bin: bin, logger: logger}
}

func (d *Deno) Name() string     { return "deno" }
func (d *Deno) Language() string { return "typescript" }

// HealthCheck verifies the deno executable is present.
func (d *Deno) HealthCheck() error {
	if _, err := exec.LookPath(d.bin); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrUnavailable, d.bin, err)
	}
	return nil
}

// Execute writes the user module, import map, and entrypoint into
// /scratch, then runs deno with narrow permissions.
func (d *Deno) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := d.HealthCheck(); err != nil {
		return nil, err
	}

	s := req.Session
	secret := uuid.NewString()
	execID := uuid.NewString()[:8]
	scratch := s.MountPath(session.MountScratch)

	userFile := filepath.Join(scratch, fmt.Sprintf("codeexec_%s_user.ts", execID))
	entryFile := filepath.Join(scratch, fmt.Sprintf("codeexec_%s.ts", execID))
	mapFile := filepath.Join(scratch, fmt.Sprintf("codeexec_%s_map.json", execID))
	defer func() {
		for _, f := range []string{userFile, entryFile, mapFile} {
			_ = os.Remove(f)
		}
	}()

	if err := os.WriteFile(userFile, []byte(req.Code), 0640); err != nil {
		return nil, fmt.Errorf("writing user module: %w", err)
	}
	if err := os.WriteFile(entryFile, []byte(denoEntrypoint(secret, filepath.Base(userFile))), 0640); err != nil {
		return nil, fmt.Errorf("writing entrypoint: %w", err)
	}
	if err := os.WriteFile(mapFile, []byte(denoImportMap()), 0640); err != nil {
		return nil, fmt.Errorf("writing import map: %w", err)
	}

	proc := &guestProc{
		bin:     d.bin,
		args:    d.runArgs(req, mapFile, entryFile),
		dir:     s.Root,
		timeout: executionTimeout(req.Policy),
		secret:  secret,
		handler: req.OnToolCall,
		logger:  d.logger,
	}
	return proc.run(ctx)
}

// runArgs assembles the deno command line for one execution.
func (d *Deno) runArgs(req Request, mapFile, entryFile string) []string {
	s := req.Session
	readDirs := []string{
		s.MountPath(session.MountTools),
		s.MountPath(session.MountSkills),
		s.MountPath(session.MountScratch),
		s.MountPath(session.MountResults),
	}
	writeDirs := []string{
		s.MountPath(session.MountScratch),
		s.MountPath(session.MountResults),
	}

	args := []string{
		"run",
		"--quiet",
		"--no-remote",
		"--import-map=" + mapFile,
		"--allow-read=" + strings.Join(readDirs, ","),
		"--allow-write=" + strings.Join(writeDirs, ","),
	}
	if req.Policy.Network.AllowRawHTTP {
		args = append(args, "--allow-net")
	}
	args = append(args,
		fmt.Sprintf("--v8-flags=--max-old-space-size=%d", req.Policy.Limits.MaxMemoryMB),
		entryFile,
	)
	return args
}

// denoEntrypoint builds the wrapper module: it installs the IPC secret
// and the ambient guest API (tools namespace plus file helpers) before
// user code loads, captures the console into buffers, imports the user
// module, and emits the final result frame on the raw stdout.
func denoEntrypoint(secret, userFileName string) string {
	sec, _ := json.Marshal(secret)
	userRef, _ := json.Marshal("./" + userFileName)
	var b strings.Builder
	b.WriteString("import { callTool, listDir, readFile, sendResult, tools, writeFile } from \"../tools/_runtime.ts\";\n\n")
	b.WriteString("const g = globalThis as Record<string, unknown>;\n")
	fmt.Fprintf(&b, "g.__sandbox_secret = %s;\n", sec)
	b.WriteString("g.tools = tools;\ng.callTool = callTool;\n")
	b.WriteString("g.readFile = readFile;\ng.writeFile = writeFile;\ng.listDir = listDir;\n\n")
	b.WriteString(`const printed: string[] = [];
const errored: string[] = [];
console.log = (...args: unknown[]) => {
  printed.push(args.map(String).join(" "));
};
console.error = (...args: unknown[]) => {
  errored.push(args.map(String).join(" "));
};

let exitCode = 0;
try {
`)
	fmt.Fprintf(&b, "  await import(%s);\n", userRef)
	b.WriteString(`} catch (err) {
  errored.push(err instanceof Error ? (err.stack ?? err.message) : String(err));
  exitCode = 1;
}

sendResult(printed.join("\n"), errored.join("\n"), exitCode);
`)
	return b.String()
}

// denoImportMap lets user code import stubs by virtual path. The map file
// lives in /scratch, so one level up reaches the session root.
func denoImportMap() string {
	m := map[string]any{
		"imports": map[string]string{
			"/tools/":  "../tools/",
			"/skills/": "../skills/",
		},
	}
	data, _ := json.MarshalIndent(m, "", "  ")
	return string(data)
}
