package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalLadders = `
ladders:
  Offline:
    steps:
      - command: Ping
        on: {acked: resolve}
`

func writeConfig(t *testing.T, engine, ladders string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yaml"), []byte(engine), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ladders.yaml"), []byte(ladders), 0o644))
	return dir
}

func TestLoadConfigDir_AppliesDefaults(t *testing.T) {
	dir := writeConfig(t, "routing:\n  directory_file: connectors.yaml\n", minimalLadders)

	cfg, err := LoadConfigDir(dir)
	require.NoError(t, err)

	e := cfg.Engine
	assert.Equal(t, DefaultWorkers, e.Workers)
	assert.Equal(t, DefaultLeaseTTL, e.Lease.TTL)
	assert.Equal(t, OnBusySkip, e.Lease.OnBusy)
	assert.Equal(t, DefaultCommandTimeout, e.Commands.Timeout)
	assert.Equal(t, DefaultMaxAttempts, e.Attempts.Max)
	assert.Equal(t, DefaultBackoffJitter, e.Backoff.Jitter)
	assert.Equal(t, DefaultRetention, e.Scheduler.Retention)
	assert.Equal(t, DefaultAPIPort, e.API.Port)
	assert.Nil(t, e.Intake.Redis)
	assert.Equal(t, filepath.Join(dir, "connectors.yaml"), e.Routing.DirectoryFile)
	require.Contains(t, cfg.Ladders, "Offline")
	assert.Equal(t, "resolve", cfg.Ladders["Offline"].Steps[0].On["acked"])
}

func TestLoadConfigDir_RedisDefaults(t *testing.T) {
	dir := writeConfig(t, `
routing:
  directory_file: /etc/edgefix/connectors.yaml
intake:
  redis:
    addr: localhost:6379
`, minimalLadders)

	cfg, err := LoadConfigDir(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg.Engine.Intake.Redis)
	assert.Equal(t, DefaultRedisKey, cfg.Engine.Intake.Redis.Key)
	assert.Equal(t, DefaultRedisPollBatch, cfg.Engine.Intake.Redis.PollBatch)
	assert.Equal(t, "/etc/edgefix/connectors.yaml", cfg.Engine.Routing.DirectoryFile)
}

func TestLoadConfigDir_ExampleConfigs(t *testing.T) {
	cfg, err := LoadConfigDir(filepath.Join("..", "..", "configs"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Engine.Lease.TTL)
	assert.Len(t, cfg.Engine.Sinks.Webhooks, 1)
	assert.Contains(t, cfg.Ladders, "Offline")
	assert.Contains(t, cfg.Ladders, "ModuleCrashLoop")
}

func TestLoadConfigDir_MissingFiles(t *testing.T) {
	_, err := LoadConfigDir(t.TempDir())
	assert.ErrorContains(t, err, "engine.yaml")
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]struct {
		engine  string
		ladders string
		want    string
	}{
		"bad on_busy": {
			engine: "lease: {on_busy: wait}",
			want:   "lease.on_busy",
		},
		"command outlives lease": {
			engine: "lease: {ttl: 10s}\ncommands: {timeout: 10s}",
			want:   "must be shorter than lease.ttl",
		},
		"jitter out of range": {
			engine: "backoff: {jitter: 1.5}",
			want:   "backoff.jitter",
		},
		"step not allowed": {
			engine: "commands: {allowed: [RestartModule]}",
			want:   "not in commands.allowed",
		},
		"webhook without url": {
			engine: "sinks: {webhooks: [{name: ops}]}",
			want:   "url_env is required",
		},
		"kafka without topic": {
			engine: "sinks: {kafka: {brokers: [localhost:9092]}}",
			want:   "brokers and topic",
		},
		"no ladders": {
			ladders: "ladders: {}",
			want:    "no remedy ladders",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ladders := tc.ladders
			if ladders == "" {
				ladders = minimalLadders
			}
			engine := "routing: {directory_file: connectors.yaml}\n" + tc.engine
			_, err := LoadConfigDir(writeConfig(t, engine, ladders))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestValidateConfig_DirectoryFileRequired(t *testing.T) {
	_, err := LoadConfigDir(writeConfig(t, "workers: 2\n", minimalLadders))
	assert.ErrorContains(t, err, "routing.directory_file")
}
