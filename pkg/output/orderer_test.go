package output_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "saltypie/pkg/output"
	"saltypie/pkg/salt"
)

func loadFixture(t *testing.T, name string) map[string]interface{} {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	return raw
}

func keys(steps []Step) []StepKey {
	out := make([]StepKey, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Key)
	}
	return out
}

func TestOrder_EmptyInput(t *testing.T) {
	for _, raw := range []map[string]interface{}{nil, {}} {
		ordered, err := Order(raw)
		require.NoError(t, err)
		assert.Empty(t, ordered)
	}
}

func TestOrder_SortsByRunNum(t *testing.T) {
	ordered, err := Order(loadFixture(t, "state_two_minions.json"))
	require.NoError(t, err)

	assert.Equal(t, []string{"minionA", "minionB"}, ordered.Hosts())
	assert.Equal(t, []StepKey{
		"pkg_|-nginx_|-nginx_|-installed",
		"file_|-motd_|-/etc/motd_|-managed",
	}, keys(ordered["minionA"]))
	assert.Len(t, ordered["minionB"], 1)
}

func TestOrder_StrictlyAscendingAndComplete(t *testing.T) {
	states := map[string]interface{}{}
	for _, n := range []int{7, 3, 9, 0, 5, 1, 8, 2, 6, 4} {
		key := "test_|-step" + string(rune('a'+n)) + "_|-x_|-nop"
		states[key] = map[string]interface{}{"__run_num__": float64(n), "result": true}
	}

	ordered, err := Order(map[string]interface{}{"return": []interface{}{map[string]interface{}{"m": states}}})
	require.NoError(t, err)

	steps := ordered["m"]
	require.Len(t, steps, len(states))
	seen := map[StepKey]bool{}
	for i, s := range steps {
		if i > 0 {
			assert.Less(t, steps[i-1].RunNum, s.RunNum)
		}
		assert.False(t, seen[s.Key], "duplicate step %s", s.Key)
		seen[s.Key] = true
		assert.Contains(t, states, string(s.Key))
	}
}

func TestOrder_SaltCallShape(t *testing.T) {
	ordered, err := Order(loadFixture(t, "state_skipped_step.json"))
	require.NoError(t, err)

	require.Contains(t, ordered, "local")
	assert.Equal(t, []StepKey{
		"pkg_|-app.install_|-app_|-installed",
		"cmd_|-migrate_|-/opt/app/migrate.sh_|-run",
	}, keys(ordered["local"]))
}

func TestOrder_OutputterEnvelope(t *testing.T) {
	ordered, err := Order(loadFixture(t, "outputter_envelope.json"))
	require.NoError(t, err)

	assert.Equal(t, []string{"minion1"}, ordered.Hosts())
	assert.Equal(t, "first", ordered["minion1"][0].Key.ID())
	assert.Equal(t, "second", ordered["minion1"][1].Key.ID())
}

func TestOrder_RenderingSLS(t *testing.T) {
	_, err := Order(loadFixture(t, "state_sls_error.json"))
	require.Error(t, err)

	var slsErr *salt.SLSRenderingError
	require.True(t, errors.As(err, &slsErr))
	assert.Equal(t, "minion1", slsErr.Minion)
	assert.Contains(t, slsErr.Message, "Rendering SLS 'base:webserver' failed")
	assert.ErrorIs(t, err, salt.ErrReturnParse)
}

func TestOrder_InvalidStateReturn(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"scalar":      {"return": []interface{}{map[string]interface{}{"minion1": true}}},
		"string list": {"return": []interface{}{map[string]interface{}{"minion1": []interface{}{"No matching sls found"}}}},
		"return item": {"return": []interface{}{"minion1"}},
		"return type": {"return": "minion1"},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Order(raw)
			assert.ErrorIs(t, err, salt.ErrInvalidStateReturn)
		})
	}
}

func TestOrder_MissingRunNum(t *testing.T) {
	raw := map[string]interface{}{
		"minion1": map[string]interface{}{
			"test_|-a_|-a_|-nop": map[string]interface{}{"result": true},
		},
	}
	_, err := Order(raw)
	assert.ErrorIs(t, err, salt.ErrReturnParse)
	assert.NotErrorIs(t, err, salt.ErrInvalidStateReturn)
}

func TestOrderOrchestration_Envelopes(t *testing.T) {
	tests := []struct {
		fixture string
		master  string
		want    []string
	}{
		{"orch_reorder.json", "master_master", []string{"ping", "deploy", "notify"}},
		{"orch_failed_state.json", "master_master", []string{"ping", "deploy"}},
		{"orch_lookup_envelope.json", "master_master", []string{"first", "second"}},
	}
	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			ordered, err := OrderOrchestration(loadFixture(t, tt.fixture))
			require.NoError(t, err)

			var ids []string
			for _, s := range ordered[tt.master] {
				ids = append(ids, s.Key.ID())
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStepKey(t *testing.T) {
	key := StepKey("salt_|-deploy_|-deploy_|-state")
	assert.Equal(t, "deploy", ExtractID(key))
	assert.Equal(t, StepState, key.Type())
	assert.True(t, key.IsState())
	assert.False(t, key.IsFunction())

	assert.True(t, StepKey("salt_|-ping_|-test.ping_|-function").IsFunction())
	assert.Equal(t, "plain", ExtractID("plain"))
}
