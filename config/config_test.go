package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[Node]
  PrivateKey = "` + testKey + `"
  DataDir = "/var/lib/onion"
`))
	require.NoError(t, err)

	require.EqualValues(t, defaultRelayFee, cfg.Node.RelayFee)
	require.Equal(t, 10*time.Minute, cfg.Node.AckTimeoutDuration())
	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.Equal(t, BackendBolt, cfg.Replay.Backend)
	require.Equal(t, defaultBloomLn2, cfg.Replay.BloomLn2)
	require.Equal(t, time.Minute, cfg.Pending.ExpiryIntervalDuration())
	require.Equal(t, DefaultMaxConcurrentPackets,
		cfg.Dispatcher.MaxConcurrentPackets)
	require.Equal(t, "/var/lib/onion/replay.db", cfg.ReplayDBPath())
	require.Equal(t, "/var/lib/onion/pending.db", cfg.PendingDBPath())

	priv, err := cfg.Node.Key()
	require.NoError(t, err)
	require.Len(t, priv.PubKey().SerializeCompressed(), 33)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no node",
			body: `[Logging]
  Level = "debug"`,
		},
		{
			name: "bad key",
			body: `[Node]
  PrivateKey = "zz"`,
		},
		{
			name: "short key",
			body: `[Node]
  PrivateKey = "0102"`,
		},
		{
			name: "relative data dir",
			body: `[Node]
  PrivateKey = "` + testKey + `"
  DataDir = "data"`,
		},
		{
			name: "bad level",
			body: `[Node]
  PrivateKey = "` + testKey + `"
  DataDir = "/tmp"
[Logging]
  Level = "ONIN=loud"`,
		},
		{
			name: "bad backend",
			body: `[Node]
  PrivateKey = "` + testKey + `"
[Replay]
  Backend = "redis"`,
		},
		{
			name: "unknown key",
			body: `[Node]
  PrivateKey = "` + testKey + `"
  DataDir = "/tmp"
  Color = "blue"`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := Load([]byte(test.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMemoryBackends(t *testing.T) {
	// Memory backends do not need a data directory.
	cfg, err := Load([]byte(`
[Node]
  PrivateKey = "` + testKey + `"
  RelayFee = 3
[Logging]
  Level = "ONIN=debug,RPLY=warn"
[Replay]
  Backend = "memory"
[Pending]
  Backend = "memory"
[Dispatcher]
  MaxConcurrentPackets = 4
`))
	require.NoError(t, err)
	require.EqualValues(t, 3, cfg.Node.RelayFee)
	require.Equal(t, 4, cfg.Dispatcher.MaxConcurrentPackets)
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "onion.toml")
	require.NoError(t, os.WriteFile(f, []byte(`
[Node]
  PrivateKey = "`+testKey+`"
  DataDir = "/tmp/onion"
`), 0600))

	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "/tmp/onion", cfg.Node.DataDir)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSetLogLevel(t *testing.T) {
	cfg, err := Load([]byte(`
[Node]
  PrivateKey = "` + testKey + `"
  DataDir = "/var/lib/onion"
`))
	require.NoError(t, err)

	require.NoError(t, cfg.SetLogLevel("RPLY=trace,ONIN=debug"))
	require.Equal(t, "RPLY=trace,ONIN=debug", cfg.Logging.Level)

	// An invalid override is refused and leaves the level untouched.
	require.Error(t, cfg.SetLogLevel("loud"))
	require.Error(t, cfg.SetLogLevel("PEND=loud"))
	require.Equal(t, "RPLY=trace,ONIN=debug", cfg.Logging.Level)
}
