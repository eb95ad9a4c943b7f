package engine

import (
	"fmt"
	"regexp"
	"strconv"
)

var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Substitute replaces every {{ name }} occurrence in text by looking
// the name up in the given maps in order. An identifier found in none
// of them is an error; execution halts on it.
func Substitute(text string, maps ...map[string]any) (string, error) {
	var missing string
	out := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		for _, m := range maps {
			if value, ok := m[name]; ok && value != nil {
				return FormatValue(value)
			}
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("unknown variable %q", missing)
	}
	return out, nil
}

// FormatValue renders a JSON-decoded scalar for shell substitution.
func FormatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
