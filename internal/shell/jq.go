package shell

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// runJq applies a jq filter to the previous stage's output. Only stdin
// input is supported; use cat to feed files. -r emits raw strings.
func (in *Interpreter) runJq(args []string, stdin string) (string, error) {
	raw := false
	var filter string
	for _, a := range args {
		switch {
		case a == "-r" || a == "--raw-output":
			raw = true
		case strings.HasPrefix(a, "-"):
			return "", fmt.Errorf("jq: unsupported flag %q", a)
		case filter == "":
			filter = a
		default:
			return "", fmt.Errorf("jq: file arguments are not supported; pipe input instead")
		}
	}
	if filter == "" {
		filter = "."
	}
	if strings.TrimSpace(stdin) == "" {
		return "", fmt.Errorf("jq: no input")
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return "", fmt.Errorf("jq: invalid filter: %v", err)
	}

	var input any
	if err := json.Unmarshal([]byte(stdin), &input); err != nil {
		return "", fmt.Errorf("jq: input is not valid JSON: %v", err)
	}

	var b strings.Builder
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return "", fmt.Errorf("jq: %v", err)
		}
		if s, isStr := v.(string); isStr && raw {
			b.WriteString(s + "\n")
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("jq: encoding result: %v", err)
		}
		b.WriteString(string(data) + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
