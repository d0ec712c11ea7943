package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// PromptContext is everything the system prompt of a turn is built from.
type PromptContext struct {
	Package *catalog.Package
	Profile catalog.Profile
	Role    catalog.Role
	Company catalog.Company

	// Memory is the rendered memory block, or "".
	Memory string

	// Tools is listed in the prompt when InPromptTools is set, for models
	// without native tool calling.
	Tools         []types.ToolDefinition
	InPromptTools bool

	Now time.Time
}

// BuildSystemPrompt renders the system prompt of a turn. Sections without
// content are omitted.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder
	pkg := pc.Package

	// ── Opening ───────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are %q, a specialised business assistant.", pkg.Name)
	if !pc.Now.IsZero() {
		fmt.Fprintf(&sb, "\nCurrent date and time: %s.", pc.Now.Format("2006-01-02 15:04 MST"))
	}

	// ── User ──────────────────────────────────────────────────────────────────
	var user []string
	if pc.Profile.Name != "" {
		user = append(user, "- Name: "+pc.Profile.Name)
	}
	if role := describe(pc.Role.Name, pc.Role.Description); role != "" {
		user = append(user, "- Role: "+role)
	}
	if pkg.IncludeCompanyInfo {
		if pc.Profile.Department != "" {
			user = append(user, "- Department: "+pc.Profile.Department)
		}
		if company := describe(pc.Company.Name, pc.Company.Description); company != "" {
			user = append(user, "- Company: "+company)
		}
	}
	if pkg.IncludePersonalInfo && pc.Profile.Preferences != "" {
		user = append(user, "- Preferences: "+strings.TrimSpace(pc.Profile.Preferences))
	}
	if len(user) > 0 {
		sb.WriteString("\n\n## User\n")
		sb.WriteString(strings.Join(user, "\n"))
	}

	// ── Task ──────────────────────────────────────────────────────────────────
	if d := strings.TrimSpace(pkg.Description); d != "" {
		sb.WriteString("\n\n## Your Task\n")
		sb.WriteString(d)
	}

	sb.WriteString("\n\n## Rules\n")
	sb.WriteString("- Be accurate and concise. Say so when you do not know something.\n")
	sb.WriteString("- Act on the user's behalf only through the tools you are given.\n")
	sb.WriteString(`- To show a component in the user's interface, end your reply with one or more [ACTION]{"type": "..."}[/ACTION] directives holding a JSON object each.`)

	if pc.InPromptTools && len(pc.Tools) > 0 {
		sb.WriteString("\n\n## Available Tools\n")
		sb.WriteString(formatTools(pc.Tools))
	}

	if extra := strings.TrimSpace(pkg.SystemPrompt); extra != "" {
		sb.WriteString("\n\n## Instructions\n")
		sb.WriteString(extra)
	}

	if pc.Memory != "" {
		sb.WriteString("\n\n## Memory\n")
		sb.WriteString(pc.Memory)
	}
	return sb.String()
}

func describe(name, desc string) string {
	switch {
	case name == "":
		return ""
	case desc == "":
		return name
	default:
		return name + " (" + desc + ")"
	}
}

// formatTools lists tools with their parameters, one line per parameter.
func formatTools(defs []types.ToolDefinition) string {
	var sb strings.Builder
	for i, d := range defs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s: %s", d.Name, d.Description)
		props, _ := d.Parameters["properties"].(map[string]any)
		required := requiredSet(d.Parameters["required"])
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			prop, _ := props[name].(map[string]any)
			typ, _ := prop["type"].(string)
			if typ == "" {
				typ = "string"
			}
			desc, _ := prop["description"].(string)
			req := ""
			if required[name] {
				req = ", required"
			}
			fmt.Fprintf(&sb, "\n  - %s (%s%s): %s", name, typ, req, desc)
		}
	}
	return sb.String()
}

func requiredSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch r := v.(type) {
	case []string:
		for _, s := range r {
			out[s] = true
		}
	case []any:
		for _, s := range r {
			if str, ok := s.(string); ok {
				out[str] = true
			}
		}
	}
	return out
}
