package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/csis-coordinator/csip"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "set.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DefaultLockTimeout, cfg.Set.LockTimeoutOrDefault())
	assert.Equal(t, DefaultATTTimeout, cfg.Transport.ATTTimeoutOrDefault())
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
client:
  maxInstances: 3
  encryptedSirk: false
transport:
  attTimeout: 5s
  capture: /tmp/csis.cbor
set:
  sirk: 000102030405060708090a0b0c0d0e0f
  encrypted: true
  lockTimeout: 2s
  members:
    - name: front
      rank: 2
    - name: rear
      rank: 1
      lockError: 0x80
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Transport.ATTTimeoutOrDefault())
	assert.Equal(t, "/tmp/csis.cbor", cfg.Transport.Capture)
	assert.Equal(t, 2*time.Second, cfg.Set.LockTimeoutOrDefault())
	assert.True(t, cfg.Set.Encrypted)
	require.Len(t, cfg.Set.Members, 2)
	assert.Equal(t, Member{Name: "rear", Rank: 1, LockError: 0x80}, cfg.Set.Members[1])

	key, err := cfg.Set.Key()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), key[15])

	assert.Equal(t, csip.Config{MaxInstances: 3}, cfg.ClientConfig())
}

func TestClientConfigDefaults(t *testing.T) {
	assert.Equal(t, csip.DefaultConfig(), Default().ClientConfig())
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": "set:\n  sirk: " + DefaultSIRK + "\n  colour: red\n",
		"short sirk":    "set:\n  sirk: 0011\n",
		"bad hex":       "set:\n  sirk: zz7d7d0921a1fd22cecd8c86dd72cccd\n",
		"no members":    "set:\n  members: []\n",
		"zero rank":     "set:\n  members:\n    - name: a\n      rank: 0\n",
		"duplicate rank": "set:\n  members:\n    - name: a\n      rank: 1\n" +
			"    - name: b\n      rank: 1\n",
		"duplicate name": "set:\n  members:\n    - name: a\n      rank: 1\n" +
			"    - name: a\n      rank: 2\n",
		"negative instances": "client:\n  maxInstances: -1\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
