package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/csis-coordinator/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "set.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const threeMembers = `
logLevel: error
set:
  sirk: 457d7d0921a1fd22cecd8c86dd72cccd
  members:
    - name: center
      rank: 2
    - name: left
      rank: 1
    - name: right
      rank: 3
`

func TestRunSet(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, threeMembers))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runSet(context.Background(), &out, cfg))

	text := out.String()
	for _, name := range []string{"center", "left", "right"} {
		assert.Contains(t, text, name+": RSI ")
		assert.Contains(t, text, name+": discovered 1 CSIS instance(s)")
	}
	assert.Contains(t, text, "left: set 0 rank 1 of 3, SIRK 457d7d0921a1fd22cecd8c86dd72cccd")
	assert.Contains(t, text, "set locked on 3 member(s)")
	assert.Contains(t, text, "set released")

	states := []string{}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "set lock state: ") {
			states = append(states, strings.TrimPrefix(line, "set lock state: "))
		}
	}
	assert.Equal(t, []string{"unlocked", "locked"}, states)
}

func TestRunSetRollback(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
logLevel: error
set:
  sirk: 457d7d0921a1fd22cecd8c86dd72cccd
  encrypted: true
  members:
    - name: left
      rank: 1
    - name: right
      rank: 2
      lockError: 128
`))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runSet(context.Background(), &out, cfg))

	text := out.String()
	assert.Contains(t, text, "right: set 0 rank 2 of 2, SIRK 457d7d0921a1fd22cecd8c86dd72cccd")
	assert.Contains(t, text, "lock failed (transport)")
	assert.NotContains(t, text, "set released")
	assert.True(t, strings.HasSuffix(text, "set lock state: unlocked\n"), text)
}

func TestRunAndDumpCommands(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "capture.cbor")
	path := writeConfig(t, threeMembers+"transport:\n  capture: "+capture+"\n")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--config", path, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "set released")

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"dump", capture})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	roles := map[string]bool{}
	for _, line := range lines {
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &event), line)
		assert.NotEmpty(t, event["link_id"])
		assert.NotEmpty(t, event["opcode_name"])
		roles[event["role"].(string)] = true
	}
	assert.True(t, roles["central"])
	assert.True(t, roles["peripheral"])
}

func TestDumpMissingFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"dump", filepath.Join(t.TempDir(), "nope.cbor")})
	assert.Error(t, root.Execute())
}
