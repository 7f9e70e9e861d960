package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FormatDuration renders a millisecond duration in the largest fitting unit.
func FormatDuration(ms float64) string {
	seconds := ms / 1000
	switch {
	case seconds > 60:
		return fmt.Sprintf("%.2fmin", seconds/60)
	case seconds >= 1:
		return fmt.Sprintf("%.2fs", seconds)
	default:
		return fmt.Sprintf("%.2fms", ms)
	}
}

// FormatTime renders a millisecond duration in unit: "ms", "s" or "min".
func FormatTime(ms float64, unit string) string {
	switch unit {
	case "s":
		return fmt.Sprintf("%.2f", ms/1000)
	case "min":
		return fmt.Sprintf("%.2f", ms/60000)
	default:
		return fmt.Sprintf("%.2f", ms)
	}
}

// Percentage is duration's share of total, 0 when total is 0.
func Percentage(duration, total float64) float64 {
	if total == 0 {
		return 0
	}
	return duration * 100 / total
}

// durationOf reads a step's duration in milliseconds, 0 when the step did
// not run. Older masters report strings such as "12.5 ms".
func durationOf(data map[string]interface{}) float64 {
	d, _ := toFloat(data["duration"])
	return d
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(n), "ms")), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func succeeded(data map[string]interface{}) bool {
	ok, _ := data["result"].(bool)
	return ok
}

// explicitlyFailed is true only for `"result": false`. A null result is what
// salt reports for a step that would change in test mode.
func explicitlyFailed(data map[string]interface{}) bool {
	ok, isBool := data["result"].(bool)
	return isBool && !ok
}

func commentOf(data map[string]interface{}) string {
	switch c := data["comment"].(type) {
	case nil:
		return ""
	case string:
		return c
	case []interface{}:
		lines := make([]string, 0, len(c))
		for _, l := range c {
			lines = append(lines, fmt.Sprint(l))
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprint(c)
	}
}
