package output

import (
	"fmt"
	"sort"
	"strings"

	"saltypie/pkg/salt"
)

const runNumField = "__run_num__"

// Step is one entry of a minion's or master's run.
type Step struct {
	Key    StepKey                `json:"key"`
	RunNum float64                `json:"run_num"`
	Data   map[string]interface{} `json:"data"`
}

// OrderedRun maps a minion or master ID to its steps in execution order.
type OrderedRun map[string][]Step

// Hosts returns the run's minion or master IDs sorted by name.
func (o OrderedRun) Hosts() []string {
	hosts := make([]string, 0, len(o))
	for h := range o {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Order sorts every minion's steps by run number. It accepts the standard
// `{"return": [{minion: steps}]}` body, a bare `{minion: steps}` mapping as
// produced by salt-call, and the `{"outputter": ..., "data": ...}` envelope.
// Empty input yields an empty run.
func Order(raw map[string]interface{}) (OrderedRun, error) {
	ordered := OrderedRun{}
	if len(raw) == 0 {
		return ordered, nil
	}

	var items []interface{}
	if ret, ok := raw["return"]; ok {
		if items, ok = ret.([]interface{}); !ok {
			return nil, &salt.InvalidStateReturnError{Msg: "`return` is not a list"}
		}
	} else {
		items = []interface{}{raw}
	}

	if len(items) > 0 {
		if first, ok := items[0].(map[string]interface{}); ok {
			if _, ok := first["outputter"].(string); ok {
				data, ok := first["data"].(map[string]interface{})
				if !ok {
					return nil, &salt.InvalidStateReturnError{Msg: "outputter envelope has no data mapping"}
				}
				items = []interface{}{data}
			}
		}
	}

	for _, item := range items {
		hosts, ok := item.(map[string]interface{})
		if !ok {
			return nil, &salt.InvalidStateReturnError{Msg: "Result object is not a valid state return"}
		}
		ids := make([]string, 0, len(hosts))
		for id := range hosts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			steps, err := orderSteps(id, hosts[id])
			if err != nil {
				return nil, err
			}
			ordered[id] = steps
		}
	}
	return ordered, nil
}

func orderSteps(host string, value interface{}) ([]Step, error) {
	if list, ok := value.([]interface{}); ok && len(list) > 0 {
		if msg, ok := list[0].(string); ok && strings.Contains(msg, "Rendering SLS") {
			return nil, &salt.SLSRenderingError{Minion: host, Message: msg}
		}
	}

	states, ok := value.(map[string]interface{})
	if !ok {
		return nil, &salt.InvalidStateReturnError{Minion: host, Msg: "Result object is not a valid state return"}
	}

	steps := make([]Step, 0, len(states))
	for key, v := range states {
		data, ok := v.(map[string]interface{})
		if !ok {
			return nil, salt.NewReturnParseError(fmt.Sprintf("unable to sort results for `%s`: step %q is not a mapping", host, key), nil)
		}
		runNum, ok := toFloat(data[runNumField])
		if !ok {
			return nil, salt.NewReturnParseError(fmt.Sprintf("unable to sort results for `%s`: step %q has no %s", host, key, runNumField), nil)
		}
		steps = append(steps, Step{Key: StepKey(key), RunNum: runNum, Data: data})
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].RunNum != steps[j].RunNum {
			return steps[i].RunNum < steps[j].RunNum
		}
		return steps[i].Key < steps[j].Key
	})
	return steps, nil
}

// OrderOrchestration orders a state.orch return. Besides the shapes Order
// accepts it unwraps a bare `return[0].data` and the jobs.lookup_jid envelope
// `return[0].<jid>.return.data`.
func OrderOrchestration(raw map[string]interface{}) (OrderedRun, error) {
	return Order(unwrapOrchestration(raw))
}

func unwrapOrchestration(raw map[string]interface{}) map[string]interface{} {
	items, ok := raw["return"].([]interface{})
	if !ok || len(items) == 0 {
		return raw
	}
	first, ok := items[0].(map[string]interface{})
	if !ok {
		return raw
	}
	if _, ok := first["outputter"].(string); ok {
		return raw
	}
	if data, ok := first["data"].(map[string]interface{}); ok {
		return map[string]interface{}{"return": []interface{}{data}}
	}
	if len(first) == 1 {
		for _, v := range first {
			job, _ := v.(map[string]interface{})
			ret, _ := job["return"].(map[string]interface{})
			if data, ok := ret["data"].(map[string]interface{}); ok {
				return map[string]interface{}{"return": []interface{}{data}}
			}
		}
	}
	return raw
}
