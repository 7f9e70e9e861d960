package output

import "strings"

// StepKeyDelimiter separates the fields of a step key.
const StepKeyDelimiter = "_|-"

// StepKey identifies a state or orchestration step, e.g.
// `pkg_|-nginx_|-nginx_|-installed` or `salt_|-deploy_|-deploy_|-state`.
type StepKey string

// StepType is the trailing segment of an orchestration step key.
type StepType string

const (
	StepFunction StepType = "function"
	StepState    StepType = "state"
)

// ExtractID returns the descriptive ID segment of key, or key itself when it
// does not follow the step key layout.
func ExtractID(key StepKey) string {
	parts := strings.Split(string(key), StepKeyDelimiter)
	if len(parts) < 2 {
		return string(key)
	}
	return parts[1]
}

// Type is the last segment of the key.
func (k StepKey) Type() StepType {
	parts := strings.Split(string(k), StepKeyDelimiter)
	return StepType(parts[len(parts)-1])
}

// IsFunction reports whether the orchestration step ran a salt function.
func (k StepKey) IsFunction() bool { return k.Type() == StepFunction }

// IsState reports whether the orchestration step applied states.
func (k StepKey) IsState() bool { return k.Type() == StepState }

// ID is ExtractID(k).
func (k StepKey) ID() string { return ExtractID(k) }

// truncateID shortens id to maxChars runes plus an ellipsis. Non-positive
// limits are taken by absolute value, zero disables truncation.
func truncateID(id string, maxChars int) string {
	if maxChars < 0 {
		maxChars = -maxChars
	}
	if maxChars == 0 {
		return id
	}
	runes := []rune(id)
	if len(runes) <= maxChars {
		return id
	}
	return string(runes[:maxChars]) + "..."
}
