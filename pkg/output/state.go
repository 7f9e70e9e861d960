package output

import (
	"context"
	"sort"
)

// StateStep is the normalized view of one state.
type StateStep struct {
	Key        StepKey                `json:"key"`
	ID         string                 `json:"id"`
	DurationMs float64                `json:"duration"`
	Succeeded  bool                   `json:"result"`
	HasChanges bool                   `json:"changes"`
	Comment    string                 `json:"comment,omitempty"`
	Data       map[string]interface{} `json:"-"`
}

// RunSummary aggregates one minion's or master's steps.
type RunSummary struct {
	TotalDurationMs float64   `json:"total_duration"`
	FailedSteps     []StepKey `json:"failed_steps"`
}

// MinionRun is a minion's state run in execution order.
type MinionRun struct {
	RunSummary
	Steps []StateStep `json:"states"`
}

// Failed returns the steps that did not succeed.
func (m *MinionRun) Failed() []StateStep {
	var failed []StateStep
	for _, s := range m.Steps {
		if !s.Succeeded {
			failed = append(failed, s)
		}
	}
	return failed
}

// StateRun is a parsed state run keyed by minion ID.
type StateRun map[string]*MinionRun

// Minions returns the minion IDs sorted by name.
func (r StateRun) Minions() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summaries drops the per-step detail.
func (r StateRun) Summaries() map[string]RunSummary {
	out := make(map[string]RunSummary, len(r))
	for id, run := range r {
		out[id] = run.RunSummary
	}
	return out
}

// StateParser normalizes state.apply / state.highstate results.
type StateParser struct {
	// MaxIDChars truncates step IDs longer than this, zero keeps them whole
	MaxIDChars int
}

// Parse builds a StateRun from an ordered run. It does not modify ordered and
// returns equal results for equal input.
func (p StateParser) Parse(ordered OrderedRun) StateRun {
	run := make(StateRun, len(ordered))
	for minion, steps := range ordered {
		m := &MinionRun{
			RunSummary: RunSummary{FailedSteps: []StepKey{}},
			Steps:      make([]StateStep, 0, len(steps)),
		}
		for _, step := range steps {
			duration := durationOf(step.Data)
			changes, _ := step.Data["changes"].(map[string]interface{})
			s := StateStep{
				Key:        step.Key,
				ID:         truncateID(ExtractID(step.Key), p.MaxIDChars),
				DurationMs: duration,
				Succeeded:  succeeded(step.Data),
				HasChanges: len(changes) > 0,
				Comment:    commentOf(step.Data),
				Data:       step.Data,
			}
			m.TotalDurationMs += duration
			if !s.Succeeded {
				m.FailedSteps = append(m.FailedSteps, step.Key)
			}
			m.Steps = append(m.Steps, s)
		}
		run[minion] = m
	}
	return run
}

// ParseRaw orders raw and parses it.
func (p StateParser) ParseRaw(raw map[string]interface{}) (StateRun, error) {
	ordered, err := Order(raw)
	if err != nil {
		return nil, err
	}
	return p.Parse(ordered), nil
}

// Summarize implements ResultParser.
func (p StateParser) Summarize(_ context.Context, raw map[string]interface{}) (map[string]RunSummary, error) {
	run, err := p.ParseRaw(raw)
	if err != nil {
		return nil, err
	}
	return run.Summaries(), nil
}
