package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRequiresClientRole(t *testing.T) {
	cfgPath := writeTestConfig(t, "relay")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{ConfigPath: cfgPath}
	cmd := NewJoinCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `join requires role "client", config has "relay"`)
}

func TestJoinConnectFailure(t *testing.T) {
	// The test config points the relay at 127.0.0.1:1, where nothing
	// listens.
	cfgPath := writeTestConfig(t, "client")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{ConfigPath: cfgPath}
	cmd := NewJoinCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to relay")
}
