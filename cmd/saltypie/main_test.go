package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltypie/pkg/salt"
)

func TestArgList_KeepsCommas(t *testing.T) {
	var args argList
	fs := flag.NewFlagSet("saltypie", flag.ContinueOnError)
	fs.Var(&args, "arg", "")

	require.NoError(t, fs.Parse([]string{
		"-arg", "G@os:Debian and L@web1,web2",
		"-arg", "exclude=a,b",
	}))

	o := options{function: "state.apply", client: "local", mode: "sync", args: args}
	req, err := o.request()
	require.NoError(t, err)
	assert.Equal(t, []string{"G@os:Debian and L@web1,web2", "exclude=a,b"}, req.Args)
}

func TestOptionsRequest(t *testing.T) {
	o := options{
		function: "state.orchestrate",
		target:   "*",
		client:   "runner",
		mode:     "async_wait",
		pillar:   `{"version":"1.2.3"}`,
	}
	req, err := o.request()
	require.NoError(t, err)

	assert.Equal(t, salt.ClientRunner, req.Client)
	assert.Equal(t, salt.ModeAsyncWait, req.Mode)
	assert.Empty(t, req.Target)
	assert.Nil(t, req.Args)
	assert.Equal(t, map[string]interface{}{"version": "1.2.3"}, req.Pillar)

	o.mode = "later"
	_, err = o.request()
	assert.Error(t, err)
}
