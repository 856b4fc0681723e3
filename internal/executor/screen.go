package executor

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/shell"
)

// isShellCommand reports whether code should run in the restricted shell
// rather than a guest runtime: a single line starting with a known verb
// that tokenizes cleanly as a pipeline.
func isShellCommand(code string) bool {
	return shell.IsPipeline(strings.TrimSpace(code))
}

// patternCache compiles dangerous-pattern regexes once per source string.
var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(src string, logger *slog.Logger) *regexp.Regexp {
	if cached, ok := patternCache.Load(src); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(src)
	if err != nil {
		// A broken operator-supplied pattern must not silently open the
		// screen; it is logged and skipped.
		logger.Error("invalid dangerous pattern", slog.String("pattern", src), slog.String("error", err.Error()))
		patternCache.Store(src, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(src, re)
	return re
}

// networkPattern reports whether a screen pattern targets raw network
// access. Such patterns are waived when the policy allows raw HTTP.
func networkPattern(src string) bool {
	for _, marker := range []string{"fetch", "curl", "wget", "http", "socket", "urllib"} {
		if strings.Contains(strings.ToLower(src), marker) {
			return true
		}
	}
	return false
}

// screenCode matches guest source against the configured dangerous
// patterns for its language. Returns the first matched pattern source.
func (e *Executor) screenCode(code, language string, pol policy.Policy) (string, bool) {
	var patterns []string
	if language == "python" {
		patterns = e.cfg.Sandbox.PythonDangerousPatterns
	} else {
		patterns = e.cfg.Sandbox.TypeScriptDangerousPatterns
	}

	for _, src := range patterns {
		if pol.Network.AllowRawHTTP && networkPattern(src) {
			continue
		}
		re := compilePattern(src, e.logger)
		if re == nil {
			continue
		}
		if re.MatchString(code) {
			return src, true
		}
	}
	return "", false
}

// percentile computes the q-th percentile (0 < q <= 1) of values with
// linear interpolation between ranks. values need not be sorted.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
