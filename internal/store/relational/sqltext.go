package relational

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMissingParameter is returned when SQL references an unbound parameter.
var ErrMissingParameter = errors.New("relational: missing parameter")

var placeholderRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render replaces each ${name} in sql with the SQL literal of values[name].
// Lists render as comma separated literals.
func Render(sql string, values map[string]any) (string, error) {
	var missing []string
	out := placeholderRE.ReplaceAllStringFunc(sql, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return literal(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return out, nil
}

func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return "'" + t.UTC().Format("2006-01-02 15:04:05.000000") + "'"
	case []any:
		if len(t) == 0 {
			return "null"
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = literal(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		parts := make([]any, len(t))
		for i, e := range t {
			parts[i] = e
		}
		return literal(parts)
	default:
		return literal(fmt.Sprint(t))
	}
}
