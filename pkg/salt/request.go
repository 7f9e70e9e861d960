package salt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ClientType is the salt-api client interface a function is dispatched to.
type ClientType string

const (
	// ClientLocal runs the function on targeted minions.
	ClientLocal ClientType = "local"
	// ClientRunner runs a runner module on the master.
	ClientRunner ClientType = "runner"
	// ClientWheel runs a wheel module on the master. It has no async variant.
	ClientWheel ClientType = "wheel"
)

// Mode selects how Execute waits for the job.
type Mode int

const (
	// ModeSync blocks in salt-api until the function returns.
	ModeSync Mode = iota
	// ModeAsync returns the job acknowledgement right away.
	ModeAsync
	// ModeAsyncWait submits asynchronously, then polls the job until it completes.
	ModeAsyncWait
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeAsyncWait:
		return "async_wait"
	default:
		return "unknown"
	}
}

// JobRequest describes one function invocation.
type JobRequest struct {
	Function   string
	Client     ClientType
	Target     string
	TargetType string
	Args       []string
	Kwargs     map[string]interface{}
	// Pillar travels as a `pillar=<json>` positional argument
	Pillar   map[string]interface{}
	Returner string
	Mode     Mode
}

var errMissingFunction = errors.New("job request has no function")

func (r JobRequest) clientType() ClientType {
	if r.Client == "" {
		return ClientLocal
	}
	return r.Client
}

// ClientName is the client name sent on the wire, `_async` suffixed for the
// asynchronous modes of every client but wheel.
func (r JobRequest) ClientName() string {
	client := r.clientType()
	if r.Mode != ModeSync && client != ClientWheel {
		return string(client) + "_async"
	}
	return string(client)
}

// Payload builds the salt-api request body.
func (r JobRequest) Payload() (map[string]interface{}, error) {
	if r.Function == "" {
		return nil, errMissingFunction
	}

	data := map[string]interface{}{
		"client": r.ClientName(),
		"fun":    r.Function,
	}
	if r.Target != "" {
		data["tgt"] = r.Target
	}
	if r.TargetType != "" {
		data["tgt_type"] = r.TargetType
	}

	args := make([]string, 0, len(r.Args)+1)
	if len(r.Pillar) > 0 {
		encoded, err := json.Marshal(r.Pillar)
		if err != nil {
			return nil, fmt.Errorf("encode pillar: %w", err)
		}
		args = append(args, "pillar="+string(encoded))
	}
	args = append(args, r.Args...)
	if len(args) > 0 {
		data["arg"] = args
	}

	if len(r.Kwargs) > 0 {
		if r.clientType() == ClientLocal {
			data["kwarg"] = r.Kwargs
		} else {
			// master-side clients take keyword arguments at the top level
			for k, v := range r.Kwargs {
				data[k] = v
			}
		}
	}

	if r.Returner != "" {
		data["ret"] = r.Returner
	}
	return data, nil
}

// RawResult is a decoded salt-api response body.
type RawResult map[string]interface{}

// Return is the body's `return` sequence, nil when absent.
func (r RawResult) Return() []interface{} {
	ret, _ := r["return"].([]interface{})
	return ret
}

// First is return[0], nil when absent.
func (r RawResult) First() interface{} {
	ret := r.Return()
	if len(ret) == 0 {
		return nil
	}
	return ret[0]
}

// JobHandle identifies an asynchronously submitted job.
type JobHandle struct {
	JID     string   `json:"jid"`
	Minions []string `json:"minions,omitempty"`
}

// JobHandle extracts return[0].jid from an async acknowledgement.
func (r RawResult) JobHandle() (JobHandle, bool) {
	first, ok := r.First().(map[string]interface{})
	if !ok {
		return JobHandle{}, false
	}
	jid, ok := first["jid"].(string)
	if !ok || jid == "" {
		return JobHandle{}, false
	}
	h := JobHandle{JID: jid}
	if minions, ok := first["minions"].([]interface{}); ok {
		for _, m := range minions {
			if s, ok := m.(string); ok {
				h.Minions = append(h.Minions, s)
			}
		}
	}
	return h, true
}
