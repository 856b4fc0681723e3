package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/ngome/internal/catalog"
)

// generateStub renders the guest-language wrapper function for one tool.
// Stubs are pure glue: they forward typed arguments to the runtime helper,
// which carries the call over IPC to the host.
func generateStub(language string, t catalog.Tool) string {
	if language == "python" {
		return pythonStub(t)
	}
	return typescriptStub(t)
}

// schemaParam is one parameter extracted from a tool's input schema.
type schemaParam struct {
	Name        string
	Type        string // JSON Schema type
	Description string
	Required    bool
}

// schemaParams extracts and orders parameters: required first, then
// alphabetical within each group.
func schemaParams(schema map[string]any) []schemaParam {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]schemaParam, 0, len(props))
	for name, raw := range props {
		p := schemaParam{Name: name, Type: "any", Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok {
				p.Type = typ
			}
			if desc, ok := prop["description"].(string); ok {
				p.Description = desc
			}
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].Required != params[j].Required {
			return params[i].Required
		}
		return params[i].Name < params[j].Name
	})
	return params
}

func typescriptStub(t catalog.Tool) string {
	fn := catalog.Identifier(t.Name)
	params := schemaParams(t.InputSchema)

	var b strings.Builder
	b.WriteString("// Generated tool stub. Do not edit; changes are overwritten on refresh.\n")
	b.WriteString("import { callTool } from \"../../_runtime.ts\";\n\n")

	if t.Description != "" {
		b.WriteString("/**\n")
		for _, line := range strings.Split(strings.TrimSpace(t.Description), "\n") {
			b.WriteString(" * " + line + "\n")
		}
		for _, p := range params {
			if p.Description != "" {
				fmt.Fprintf(&b, " * @param %s %s\n", p.Name, firstLine(p.Description))
			}
		}
		b.WriteString(" */\n")
	}

	if len(params) == 0 {
		fmt.Fprintf(&b, "export async function %s(): Promise<unknown> {\n", fn)
		fmt.Fprintf(&b, "  return await callTool(%q, {});\n}\n", t.Name)
		return b.String()
	}

	fmt.Fprintf(&b, "export interface %sArgs {\n", exportName(fn))
	for _, p := range params {
		opt := "?"
		if p.Required {
			opt = ""
		}
		fmt.Fprintf(&b, "  %s%s: %s;\n", tsPropName(p.Name), opt, tsType(p.Type))
	}
	b.WriteString("}\n\n")

	fmt.Fprintf(&b, "export async function %s(args: %sArgs): Promise<unknown> {\n", fn, exportName(fn))
	fmt.Fprintf(&b, "  return await callTool(%q, args as Record<string, unknown>);\n}\n", t.Name)
	return b.String()
}

func pythonStub(t catalog.Tool) string {
	fn := catalog.Identifier(t.Name)
	params := schemaParams(t.InputSchema)

	var b strings.Builder
	b.WriteString("# Generated tool stub. Do not edit; changes are overwritten on refresh.\n")
	b.WriteString("from _runtime import call_tool\n\n\n")

	var sig []string
	for _, p := range params {
		name := catalog.Identifier(p.Name)
		if p.Required {
			sig = append(sig, fmt.Sprintf("%s: %s", name, pyType(p.Type)))
		} else {
			sig = append(sig, fmt.Sprintf("%s: %s = None", name, pyType(p.Type)))
		}
	}

	fmt.Fprintf(&b, "def %s(%s):\n", fn, strings.Join(sig, ", "))
	if t.Description != "" {
		desc := strings.TrimSpace(t.Description)
		if strings.Contains(desc, "\n") || len(params) > 0 {
			b.WriteString("    \"\"\"" + firstLine(desc) + "\n")
			for _, extra := range strings.Split(desc, "\n")[1:] {
				b.WriteString("    " + extra + "\n")
			}
			if len(params) > 0 {
				b.WriteString("\n    Args:\n")
				for _, p := range params {
					fmt.Fprintf(&b, "        %s: %s\n", catalog.Identifier(p.Name), firstLine(p.Description))
				}
			}
			b.WriteString("    \"\"\"\n")
		} else {
			b.WriteString("    \"\"\"" + desc + "\"\"\"\n")
		}
	}

	if len(params) == 0 {
		fmt.Fprintf(&b, "    return call_tool(%q, {})\n", t.Name)
		return b.String()
	}

	b.WriteString("    args = {}\n")
	for _, p := range params {
		ident := catalog.Identifier(p.Name)
		if p.Required {
			fmt.Fprintf(&b, "    args[%q] = %s\n", p.Name, ident)
		} else {
			fmt.Fprintf(&b, "    if %s is not None:\n        args[%q] = %s\n", ident, p.Name, ident)
		}
	}
	fmt.Fprintf(&b, "    return call_tool(%q, args)\n", t.Name)
	return b.String()
}

func tsType(jsonType string) string {
	switch jsonType {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "unknown[]"
	case "object":
		return "Record<string, unknown>"
	default:
		return "unknown"
	}
}

func pyType(jsonType string) string {
	switch jsonType {
	case "string":
		return "str"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "list"
	case "object":
		return "dict"
	default:
		return "object"
	}
}

// tsPropName quotes property names that are not valid TS identifiers.
func tsPropName(name string) string {
	for i, r := range name {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '$'
		digit := r >= '0' && r <= '9'
		if !alpha && !(digit && i > 0) {
			return fmt.Sprintf("%q", name)
		}
	}
	if name == "" {
		return `""`
	}
	return name
}

// exportName upper-cases the first rune for interface names.
func exportName(ident string) string {
	ident = strings.TrimLeft(ident, "_")
	if ident == "" {
		return "Tool"
	}
	return strings.ToUpper(ident[:1]) + ident[1:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
