package output

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"saltypie/pkg/logger"
	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
	"saltypie/pkg/salt"
)

// ErrChangesUnrecoverable marks a failed state step whose sub-run detail is
// missing from the orchestration return and could not be looked up.
var ErrChangesUnrecoverable = errors.New("orchestration step changes are unrecoverable")

// JobLookup fetches a job result by ID. *salt.Client implements it.
type JobLookup interface {
	LookupJob(ctx context.Context, jid string) (salt.RawResult, error)
}

// LookupPolicy decides what a state step that cannot be reconciled does to
// the whole parse.
type LookupPolicy int

const (
	// LookupDegrade keeps the step with unset changes and records the error on it.
	LookupDegrade LookupPolicy = iota
	// LookupStrict aborts the parse with the step's error.
	LookupStrict
)

// OrchestrationStep is the normalized view of one orchestration step.
type OrchestrationStep struct {
	Key        StepKey  `json:"key"`
	ID         string   `json:"id"`
	Type       StepType `json:"type"`
	DurationMs float64  `json:"duration"`
	Succeeded  bool     `json:"result"`
	// Changes is the step's raw changes for function steps and the
	// normalized `{"return": [...]}` sub-run for state steps. Nil when unset.
	Changes map[string]interface{} `json:"changes,omitempty"`
	// State is the parsed sub-run of a state step
	State StateRun `json:"state,omitempty"`
	// Ordered replaces State when parsing in dict-only mode
	Ordered OrderedRun             `json:"ordered,omitempty"`
	Data    map[string]interface{} `json:"-"`
	Err     error                  `json:"-"`
}

// MasterRun is one master's orchestration in execution order.
type MasterRun struct {
	RunSummary
	Steps []OrchestrationStep `json:"steps"`
}

// OrchestrationRun is a parsed orchestration keyed by master ID.
type OrchestrationRun map[string]*MasterRun

// Masters returns the master IDs sorted by name.
func (r OrchestrationRun) Masters() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedSteps lists failed step keys across all masters.
func (r OrchestrationRun) FailedSteps() []StepKey {
	var steps []StepKey
	for _, id := range r.Masters() {
		steps = append(steps, r[id].FailedSteps...)
	}
	return steps
}

// StepNames lists every step ID in execution order, master by master.
func (r OrchestrationRun) StepNames() []string {
	var names []string
	for _, id := range r.Masters() {
		for _, s := range r[id].Steps {
			names = append(names, ExtractID(s.Key))
		}
	}
	return names
}

// StateOutput pairs a state step with its parsed sub-run.
type StateOutput struct {
	Step string   `json:"step"`
	Run  StateRun `json:"run"`
}

// StateOutputs returns the parsed sub-run of every state step that has one.
func (r OrchestrationRun) StateOutputs() []StateOutput {
	var outputs []StateOutput
	for _, id := range r.Masters() {
		for _, s := range r[id].Steps {
			if s.State != nil {
				outputs = append(outputs, StateOutput{Step: ExtractID(s.Key), Run: s.State})
			}
		}
	}
	return outputs
}

// Summaries drops the per-step detail.
func (r OrchestrationRun) Summaries() map[string]RunSummary {
	out := make(map[string]RunSummary, len(r))
	for id, run := range r {
		out[id] = run.RunSummary
	}
	return out
}

// OrchestrationParser normalizes state.orch results.
//
// The orchestration return omits the sub-run of a state step that failed:
// its changes come back empty. With Lookup set the sub-run is fetched with
// jobs.lookup_jid using the step's __jid__.
type OrchestrationParser struct {
	Lookup     JobLookup
	Policy     LookupPolicy
	MaxIDChars int
	Logger     *zap.Logger
}

func (p *OrchestrationParser) log() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logger.Named("output")
}

// Parse builds an OrchestrationRun from an ordered run. Only steps reporting
// `"result": false` count as failed; test-mode steps with a null result do
// not. A state step that cannot be reconciled is kept with unset changes and
// its Err set, unless Policy is LookupStrict.
func (p *OrchestrationParser) Parse(ctx context.Context, ordered OrderedRun, dictOnly bool) (OrchestrationRun, error) {
	run := make(OrchestrationRun, len(ordered))
	for _, master := range ordered.Hosts() {
		steps := ordered[master]
		m := &MasterRun{
			RunSummary: RunSummary{FailedSteps: []StepKey{}},
			Steps:      make([]OrchestrationStep, 0, len(steps)),
		}
		for _, step := range steps {
			s := OrchestrationStep{
				Key:        step.Key,
				ID:         truncateID(ExtractID(step.Key), p.MaxIDChars),
				Type:       step.Key.Type(),
				DurationMs: durationOf(step.Data),
				Succeeded:  succeeded(step.Data),
				Data:       step.Data,
			}
			m.TotalDurationMs += s.DurationMs
			if explicitlyFailed(step.Data) {
				m.FailedSteps = append(m.FailedSteps, step.Key)
			}

			switch s.Type {
			case StepState:
				if err := p.reconcile(ctx, &s, dictOnly); err != nil {
					if p.Policy == LookupStrict {
						return nil, fmt.Errorf("orchestration step %q on %s: %w", s.Key, master, err)
					}
					s.Err = err
					p.log().Warn("Unable to normalize orchestration step, leaving changes unset",
						zap.String("master", master),
						zap.String("step", string(s.Key)),
						zap.Error(err),
					)
				}
			default:
				s.Changes, _ = step.Data["changes"].(map[string]interface{})
			}
			m.Steps = append(m.Steps, s)
		}
		run[master] = m
	}
	return run, nil
}

// reconcile fills the state step's changes, State and Ordered fields.
func (p *OrchestrationParser) reconcile(ctx context.Context, s *OrchestrationStep, dictOnly bool) error {
	normalized, err := p.normalizeChanges(ctx, s)
	if err != nil {
		return err
	}
	ordered, err := Order(normalized)
	if err != nil {
		return err
	}

	s.Changes = normalized
	if dictOnly {
		s.Ordered = ordered
	} else {
		s.State = StateParser{MaxIDChars: p.MaxIDChars}.Parse(ordered)
	}
	return nil
}

func (p *OrchestrationParser) normalizeChanges(ctx context.Context, s *OrchestrationStep) (map[string]interface{}, error) {
	changes, _ := s.Data["changes"].(map[string]interface{})
	if len(changes) > 0 {
		ret, ok := changes["ret"]
		if !ok {
			return nil, salt.NewReturnParseError("state step changes have no `ret`", nil)
		}
		return map[string]interface{}{"return": []interface{}{ret}}, nil
	}

	jid, _ := s.Data["__jid__"].(string)
	if p.Lookup == nil {
		metrics.OrchestrationLookups.WithLabelValues("skipped").Inc()
		return nil, ErrChangesUnrecoverable
	}
	if jid == "" {
		metrics.OrchestrationLookups.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("%w: step has no __jid__", ErrChangesUnrecoverable)
	}

	p.log().Debug("State data might be incomplete, fetching job from salt-master",
		zap.String("step", string(s.Key)),
		zap.String("jid", jid),
	)
	ctx, span := tracing.Start(ctx, "output.LookupStep", attribute.String("salt.jid", jid))
	ret, err := p.Lookup.LookupJob(ctx, jid)
	tracing.End(span, err)
	if err != nil {
		metrics.OrchestrationLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup job %s: %w", jid, err)
	}
	metrics.OrchestrationLookups.WithLabelValues("success").Inc()
	return ret, nil
}

// ParseRaw orders raw with OrderOrchestration and parses it. Ordering
// failures are returned as is.
func (p *OrchestrationParser) ParseRaw(ctx context.Context, raw map[string]interface{}, dictOnly bool) (OrchestrationRun, error) {
	ordered, err := OrderOrchestration(raw)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, ordered, dictOnly)
}

// Summarize implements ResultParser.
func (p *OrchestrationParser) Summarize(ctx context.Context, raw map[string]interface{}) (map[string]RunSummary, error) {
	run, err := p.ParseRaw(ctx, raw, true)
	if err != nil {
		return nil, err
	}
	return run.Summaries(), nil
}
