package notifier

import (
	"fmt"
	"regexp"
)

var placeholderRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderTemplate replaces every {{key}} with ctx[key]. Placeholders whose key is
// missing or nil are left verbatim so broken templates stay visible.
func RenderTemplate(tmpl string, ctx map[string]any) string {
	return placeholderRegex.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRegex.FindStringSubmatch(match)[1]
		v, ok := ctx[key]
		if !ok || v == nil {
			return match
		}
		return fmt.Sprint(v)
	})
}

// ExtractPlaceholders returns the distinct placeholder keys in order of first appearance.
func ExtractPlaceholders(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderRegex.FindAllStringSubmatch(tmpl, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		keys = append(keys, m[1])
	}
	return keys
}

// ValidateContext returns the placeholders in tmpl that ctx cannot fill.
func ValidateContext(tmpl string, ctx map[string]any) []string {
	var missing []string
	for _, key := range ExtractPlaceholders(tmpl) {
		if v, ok := ctx[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	return missing
}
