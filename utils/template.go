package utils

import (
	"regexp"
	"strings"
)

var templateVarRe = regexp.MustCompile(`\{\{?([a-zA-Z0-9_]+)\}?\}`)

// RenderTemplate substitutes {var} and {{var}} placeholders. Unknown
// placeholders render as empty strings rather than leaking braces to leads.
func RenderTemplate(template string, variables map[string]string) string {
	out := templateVarRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{}")
		return variables[name]
	})
	return strings.TrimSpace(out)
}
