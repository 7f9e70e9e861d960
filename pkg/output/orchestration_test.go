package output_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "saltypie/pkg/output"
	"saltypie/pkg/salt"
)

type fakeLookup struct {
	results map[string]salt.RawResult
	err     error
	calls   []string
}

func (f *fakeLookup) LookupJob(_ context.Context, jid string) (salt.RawResult, error) {
	f.calls = append(f.calls, jid)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[jid], nil
}

func newParser(lookup JobLookup) *OrchestrationParser {
	return &OrchestrationParser{Lookup: lookup, Logger: zap.NewNop()}
}

func TestOrchestrationParser_ReordersSteps(t *testing.T) {
	run, err := newParser(nil).ParseRaw(context.Background(), loadFixture(t, "orch_reorder.json"), false)
	require.NoError(t, err)

	master := run["master_master"]
	require.Len(t, master.Steps, 3)
	assert.Equal(t, []string{"ping", "deploy", "notify"}, run.StepNames())
	assert.Equal(t, StepFunction, master.Steps[0].Type)
	assert.Equal(t, StepState, master.Steps[1].Type)
	assert.Equal(t, 1600.0, master.TotalDurationMs)
	assert.Empty(t, run.FailedSteps())
}

func TestOrchestrationParser_EmbedsStateRun(t *testing.T) {
	run, err := newParser(nil).ParseRaw(context.Background(), loadFixture(t, "orch_reorder.json"), false)
	require.NoError(t, err)

	deploy := run["master_master"].Steps[1]
	require.NoError(t, deploy.Err)
	require.NotNil(t, deploy.State)
	minion := deploy.State["minion1"]
	require.NotNil(t, minion)
	assert.Equal(t, 1200.0, minion.TotalDurationMs)
	assert.Equal(t, "app", minion.Steps[0].ID)
	assert.Equal(t, "config", minion.Steps[1].ID)
	assert.Contains(t, deploy.Changes, "return")

	outputs := run.StateOutputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, "deploy", outputs[0].Step)
}

func TestOrchestrationParser_DictOnly(t *testing.T) {
	run, err := newParser(nil).ParseRaw(context.Background(), loadFixture(t, "orch_reorder.json"), true)
	require.NoError(t, err)

	deploy := run["master_master"].Steps[1]
	assert.Nil(t, deploy.State)
	require.Contains(t, deploy.Ordered, "minion1")
	assert.Equal(t, StepKey("pkg_|-app_|-app_|-installed"), deploy.Ordered["minion1"][0].Key)
}

func TestOrchestrationParser_FailedStateWithoutLookup(t *testing.T) {
	run, err := newParser(nil).ParseRaw(context.Background(), loadFixture(t, "orch_failed_state.json"), false)
	require.NoError(t, err)

	master := run["master_master"]
	require.Len(t, master.Steps, 2)
	deploy := master.Steps[1]
	assert.Nil(t, deploy.Changes)
	assert.Nil(t, deploy.State)
	assert.ErrorIs(t, deploy.Err, ErrChangesUnrecoverable)
	assert.Equal(t, []StepKey{"salt_|-deploy_|-deploy_|-state"}, master.FailedSteps)
	assert.Equal(t, 980.0, master.TotalDurationMs)

	assert.NotNil(t, master.Steps[0].Changes)
}

func TestOrchestrationParser_FailedStateRecoveredByLookup(t *testing.T) {
	lookup := &fakeLookup{results: map[string]salt.RawResult{
		"20240301120002000002": loadFixture(t, "lookup_failed_state.json"),
	}}

	run, err := newParser(lookup).ParseRaw(context.Background(), loadFixture(t, "orch_failed_state.json"), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"20240301120002000002"}, lookup.calls)
	deploy := run["master_master"].Steps[1]
	require.NoError(t, deploy.Err)
	require.Contains(t, deploy.State, "minion1")
	assert.Equal(t, []StepKey{"pkg_|-app_|-app_|-installed"}, deploy.State["minion1"].FailedSteps)
}

func TestOrchestrationParser_LookupFailureDegrades(t *testing.T) {
	lookup := &fakeLookup{err: &salt.ConnectionError{URL: "https://salt", Msg: "Unable to access `https://salt`"}}

	run, err := newParser(lookup).ParseRaw(context.Background(), loadFixture(t, "orch_failed_state.json"), false)
	require.NoError(t, err)

	master := run["master_master"]
	deploy := master.Steps[1]
	assert.ErrorIs(t, deploy.Err, salt.ErrConnection)
	assert.Nil(t, deploy.Changes)
	assert.Equal(t, "ping", master.Steps[0].ID)
	assert.NoError(t, master.Steps[0].Err)
}

func TestOrchestrationParser_StrictPolicy(t *testing.T) {
	p := newParser(&fakeLookup{err: errors.New("boom")})
	p.Policy = LookupStrict

	_, err := p.ParseRaw(context.Background(), loadFixture(t, "orch_failed_state.json"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salt_|-deploy_|-deploy_|-state")
}

func TestOrchestrationParser_OrderingFailureIsFatal(t *testing.T) {
	raw := map[string]interface{}{"return": []interface{}{map[string]interface{}{
		"data": map[string]interface{}{"master_master": []interface{}{"Rendering SLS 'base:orch.deploy' failed"}},
	}}}

	_, err := newParser(nil).ParseRaw(context.Background(), raw, false)
	assert.ErrorIs(t, err, salt.ErrSLSRendering)
}

func TestOrchestrationParser_Summarize(t *testing.T) {
	var parser ResultParser = newParser(nil)
	summaries, err := parser.Summarize(context.Background(), loadFixture(t, "orch_failed_state.json"))
	require.NoError(t, err)

	assert.Equal(t, 980.0, summaries["master_master"].TotalDurationMs)
	assert.Len(t, summaries["master_master"].FailedSteps, 1)
}

func TestOrchestrationParser_NullResultIsNotFailed(t *testing.T) {
	raw := map[string]interface{}{"return": []interface{}{map[string]interface{}{"data": map[string]interface{}{
		"master_master": map[string]interface{}{
			"salt_|-restart_|-service.restart_|-function": map[string]interface{}{
				"__run_num__": 0.0,
				"result":      nil,
				"comment":     "Function service.restart would be executed",
				"changes":     map[string]interface{}{},
			},
			"salt_|-cleanup_|-file.remove_|-function": map[string]interface{}{
				"__run_num__": 1.0,
				"result":      false,
				"changes":     map[string]interface{}{},
			},
		},
	}}}}

	run, err := newParser(nil).ParseRaw(context.Background(), raw, false)
	require.NoError(t, err)

	master := run["master_master"]
	assert.Equal(t, []StepKey{"salt_|-cleanup_|-file.remove_|-function"}, master.FailedSteps)
	assert.False(t, master.Steps[0].Succeeded)
}
