package sqlgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatForDisplay replaces placeholders with literal values for display.
// The result is for humans and must never be executed.
func FormatForDisplay(d Dialect, query string, args []any) string {
	if d == ClickHouse {
		result := query
		for _, arg := range args {
			result = strings.Replace(result, "?", displayValue(arg), 1)
		}
		return strings.TrimSpace(result)
	}

	// Replace from the highest index down so $1 does not clobber $10.
	result := query
	for i := len(args); i >= 1; i-- {
		result = strings.ReplaceAll(result, "$"+strconv.Itoa(i), displayValue(args[i-1]))
	}
	return strings.TrimSpace(result)
}

func displayValue(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "'" + v.UTC().Format("2006-01-02 15:04:05.999999999") + "'"
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
