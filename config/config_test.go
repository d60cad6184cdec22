package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Worker.Command)
	assert.Empty(t, cfg.Worker.Args)
	assert.Equal(t, 4, cfg.Supervisor.MaxFails)
	assert.Zero(t, cfg.Supervisor.RestartDelay)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.InvokeTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  command: ./worker
  args: ["--fast"]
  env: ["A=1"]
supervisor:
  max_fails: 2
  restart_delay: 250ms
server:
  listen_addr: 0.0.0.0:8080
  invoke_timeout: 5s
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./worker", cfg.Worker.Command)
	assert.Equal(t, []string{"--fast"}, cfg.Worker.Args)
	assert.Equal(t, []string{"A=1"}, cfg.Worker.Env)
	assert.Equal(t, 2, cfg.Supervisor.MaxFails)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.RestartDelay)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.InvokeTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  max_fails: 2\n"), 0o644))
	t.Setenv("PROCBRIDGE_SUPERVISOR_MAX_FAILS", "7")
	t.Setenv("PROCBRIDGE_WORKER_COMMAND", "/bin/worker")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Supervisor.MaxFails)
	assert.Equal(t, "/bin/worker", cfg.Worker.Command)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		fields []string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "negative max fails", mutate: func(c *Config) { c.Supervisor.MaxFails = -1 }, fields: []string{"supervisor.max_fails"}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, fields: []string{"logging.level"}},
		{
			name: "several",
			mutate: func(c *Config) {
				c.Server.ListenAddr = ""
				c.Server.InvokeTimeout = -time.Second
				c.Worker.Env = []string{"NOEQUALS"}
			},
			fields: []string{"server.listen_addr", "server.invoke_timeout", "worker.env"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			var fields []string
			for _, err := range cfg.Validate() {
				fields = append(fields, err.Field)
			}
			assert.Equal(t, c.fields, fields)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("PROCBRIDGE_LOGGING_LEVEL", "loud")
	_, err := Load("")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 1)
}
