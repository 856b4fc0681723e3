// Package shell implements the restricted command interpreter for quick
// sandbox inspection. Only a small verb set is supported (ls, cat, grep,
// rg, jq), joined by pipes. No real shell is involved: commands are
// tokenized, each verb is implemented in-process, and every path touches
// the deployment's filesystem policy before disk.
package shell

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/session"
)

// Exit codes follow shell conventions: 126 marks a permission block so
// callers can distinguish policy denials from ordinary failures.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitBlocked = 126
)

var verbs = map[string]bool{"ls": true, "cat": true, "grep": true, "rg": true, "jq": true}

// IsPipeline reports whether a single line looks like a restricted shell
// command: it must start with a known verb and tokenize cleanly.
func IsPipeline(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\n") {
		return false
	}
	tokens, err := shlex.Split(line)
	if err != nil || len(tokens) == 0 {
		return false
	}
	return verbs[tokens[0]]
}

// Result is the outcome of one pipeline run.
type Result struct {
	Output   string
	ErrText  string
	ExitCode int
}

// Interpreter evaluates pipelines against one session.
type Interpreter struct {
	sess   *session.Session
	pol    policy.Policy
	logger *slog.Logger
}

// New creates an Interpreter bound to a session and its policy.
func New(sess *session.Session, pol policy.Policy, logger *slog.Logger) *Interpreter {
	return &Interpreter{sess: sess, pol: pol, logger: logger}
}

// Run tokenizes and evaluates a pipeline. Stages run left to right, each
// consuming the previous stage's output; evaluation stops at the first
// nonzero exit. Policy denials surface as EACCES with exit 126.
func (in *Interpreter) Run(command string) *Result {
	tokens, err := shlex.Split(command)
	if err != nil {
		return &Result{ErrText: fmt.Sprintf("parse error: %v", err), ExitCode: ExitFailure}
	}
	stages := splitPipeline(tokens)
	if len(stages) == 0 {
		return &Result{ErrText: "empty command", ExitCode: ExitFailure}
	}

	var stdin string
	hasStdin := false
	for _, stage := range stages {
		if len(stage) == 0 {
			return &Result{ErrText: "empty pipeline stage", ExitCode: ExitFailure}
		}
		out, err := in.runVerb(stage, stdin, hasStdin)
		if err != nil {
			if errors.Is(err, policy.ErrDenied) {
				in.logger.Warn("shell command blocked",
					slog.String("verb", stage[0]),
					slog.String("error", err.Error()),
				)
				return &Result{ErrText: "EACCES: " + err.Error(), ExitCode: ExitBlocked}
			}
			return &Result{ErrText: err.Error(), ExitCode: ExitFailure}
		}
		stdin = out
		hasStdin = true
	}
	return &Result{Output: stdin, ExitCode: ExitOK}
}

// errNoMatch distinguishes grep's "no matches" exit from hard errors.
var errNoMatch = errors.New("no matches")

func (in *Interpreter) runVerb(argv []string, stdin string, hasStdin bool) (string, error) {
	switch argv[0] {
	case "ls":
		return in.runLs(argv[1:])
	case "cat":
		return in.runCat(argv[1:], stdin, hasStdin)
	case "grep", "rg":
		return in.runGrep(argv[1:], stdin, hasStdin)
	case "jq":
		return in.runJq(argv[1:], stdin)
	default:
		return "", fmt.Errorf("unknown command %q (supported: ls, cat, grep, rg, jq)", argv[0])
	}
}

// splitPipeline groups tokens into stages at "|" tokens. Quoted pipes
// survive shlex as part of their token and are not treated as separators.
func splitPipeline(tokens []string) [][]string {
	var stages [][]string
	current := []string{}
	for _, tok := range tokens {
		if tok == "|" {
			stages = append(stages, current)
			current = []string{}
			continue
		}
		current = append(current, tok)
	}
	stages = append(stages, current)
	return stages
}

// resolve maps a command-line path argument to its real location after
// the policy check. Relative paths are anchored at /scratch.
func (in *Interpreter) resolve(arg, op string) (real, vpath string, err error) {
	vpath = arg
	if !strings.HasPrefix(arg, "/") {
		if arg == "." || arg == "" {
			vpath = "/" + session.MountScratch
		} else {
			vpath = path.Join("/"+session.MountScratch, arg)
		}
	}
	vpath = path.Clean(vpath)
	if err := in.pol.CheckPath(op, vpath); err != nil {
		return "", "", err
	}
	real, err = in.sess.VirtualToReal(vpath)
	if err != nil {
		return "", "", err
	}
	return real, vpath, nil
}

// readFile reads one policy-checked file, capped at the policy file size
// limit.
func (in *Interpreter) readFile(arg string) (string, error) {
	real, vpath, err := in.resolve(arg, "read")
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("%s: %w", vpath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: is a directory", vpath)
	}
	max := int64(in.pol.Limits.MaxFileSizeMB) << 20
	if max > 0 && info.Size() > max {
		return "", fmt.Errorf("%s: file exceeds %dMB limit", vpath, in.pol.Limits.MaxFileSizeMB)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return "", fmt.Errorf("%s: %w", vpath, err)
	}
	return string(data), nil
}

func (in *Interpreter) runLs(args []string) (string, error) {
	showHidden := false
	var paths []string
	for _, a := range args {
		switch a {
		case "-a", "--all":
			showHidden = true
		default:
			if strings.HasPrefix(a, "-") {
				return "", fmt.Errorf("ls: unsupported flag %q", a)
			}
			paths = append(paths, a)
		}
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var b strings.Builder
	for i, p := range paths {
		real, vpath, err := in.resolve(p, "read")
		if err != nil {
			return "", err
		}
		info, err := os.Stat(real)
		if err != nil {
			return "", fmt.Errorf("ls: %s: %w", vpath, err)
		}
		if !info.IsDir() {
			b.WriteString(path.Base(vpath) + "\n")
			continue
		}
		entries, err := os.ReadDir(real)
		if err != nil {
			return "", fmt.Errorf("ls: %s: %w", vpath, err)
		}
		if len(paths) > 1 {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(vpath + ":\n")
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if !showHidden && strings.HasPrefix(name, ".") {
				continue
			}
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, n := range names {
			b.WriteString(n + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (in *Interpreter) runCat(args []string, stdin string, hasStdin bool) (string, error) {
	if len(args) == 0 {
		if hasStdin {
			return stdin, nil
		}
		return "", fmt.Errorf("cat: no input")
	}
	var b strings.Builder
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			return "", fmt.Errorf("cat: unsupported flag %q", a)
		}
		content, err := in.readFile(a)
		if err != nil {
			return "", err
		}
		b.WriteString(content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
