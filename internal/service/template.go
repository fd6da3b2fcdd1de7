package service

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes {{key}} placeholders with vars. Unknown keys are left
// verbatim, nil values render as "", substituted text is not re-expanded.
func Render(template string, vars map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[key]
		if !ok {
			return match
		}
		if value == nil {
			return ""
		}
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprint(value)
	})
}
