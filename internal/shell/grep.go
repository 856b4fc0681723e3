package shell

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// grepOpts are the supported grep/rg flags.
type grepOpts struct {
	ignoreCase bool
	recursive  bool
	filesOnly  bool
	lineNums   bool
	include    string // --include glob, matched against base names
}

func (in *Interpreter) runGrep(args []string, stdin string, hasStdin bool) (string, error) {
	var (
		opts    grepOpts
		pattern string
		paths   []string
	)
	for _, a := range args {
		switch {
		case a == "-i":
			opts.ignoreCase = true
		case a == "-r" || a == "-R":
			opts.recursive = true
		case a == "-l":
			opts.filesOnly = true
		case a == "-n":
			opts.lineNums = true
		case strings.HasPrefix(a, "--include="):
			opts.include = strings.TrimPrefix(a, "--include=")
		case strings.HasPrefix(a, "-"):
			return "", fmt.Errorf("grep: unsupported flag %q", a)
		case pattern == "":
			pattern = a
		default:
			paths = append(paths, a)
		}
	}
	if pattern == "" {
		return "", fmt.Errorf("grep: missing pattern")
	}

	expr := pattern
	if opts.ignoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("grep: invalid pattern: %v", err)
	}

	if len(paths) == 0 {
		if !hasStdin {
			return "", fmt.Errorf("grep: no input")
		}
		matches := matchLines(re, stdin, "", opts)
		if len(matches) == 0 {
			return "", errNoMatch
		}
		return strings.Join(matches, "\n"), nil
	}

	var out []string
	for _, p := range paths {
		found, err := in.grepPath(re, p, opts)
		if err != nil {
			return "", err
		}
		out = append(out, found...)
	}
	if len(out) == 0 {
		return "", errNoMatch
	}
	return strings.Join(out, "\n"), nil
}

// grepPath searches one path argument, recursing into directories when
// -r was given.
func (in *Interpreter) grepPath(re *regexp.Regexp, arg string, opts grepOpts) ([]string, error) {
	real, vpath, err := in.resolve(arg, "read")
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("grep: %s: %w", vpath, err)
	}

	if info.IsDir() {
		if !opts.recursive {
			return nil, fmt.Errorf("grep: %s: is a directory (use -r)", vpath)
		}
		var out []string
		walkErr := filepath.WalkDir(real, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if opts.include != "" {
				if ok, _ := path.Match(opts.include, d.Name()); !ok {
					return nil
				}
			}
			v, verr := in.sess.RealToVirtual(p)
			if verr != nil {
				return nil
			}
			// Each visited file passes the policy again: deny patterns
			// may carve holes out of a readable tree.
			if in.pol.CheckPath("read", v) != nil {
				return nil
			}
			content, rerr := os.ReadFile(p)
			if rerr != nil {
				return nil
			}
			out = append(out, matchLines(re, string(content), v, opts)...)
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("grep: %s: %w", vpath, walkErr)
		}
		return out, nil
	}

	content, err := in.readFile(arg)
	if err != nil {
		return nil, err
	}
	return matchLines(re, content, vpath, opts), nil
}

// matchLines collects matching lines formatted per the options. name is
// empty for stdin input.
func matchLines(re *regexp.Regexp, content, name string, opts grepOpts) []string {
	var out []string
	for i, line := range strings.Split(content, "\n") {
		if !re.MatchString(line) {
			continue
		}
		if opts.filesOnly {
			if name != "" {
				return []string{name}
			}
			return []string{"(stdin)"}
		}
		switch {
		case name != "" && opts.lineNums:
			out = append(out, fmt.Sprintf("%s:%d:%s", name, i+1, line))
		case name != "":
			out = append(out, name+":"+line)
		case opts.lineNums:
			out = append(out, fmt.Sprintf("%d:%s", i+1, line))
		default:
			out = append(out, line)
		}
	}
	return out
}
