// Package config loads procbridge settings from a file and PROCBRIDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/procbridge/supervisor"
	"github.com/spf13/viper"
)

// DefaultListenAddr is where the HTTP server listens unless configured otherwise.
const DefaultListenAddr = "127.0.0.1:9500"

// EnvPrefix is prepended to every environment override, e.g. PROCBRIDGE_SUPERVISOR_MAX_FAILS.
const EnvPrefix = "PROCBRIDGE"

type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WorkerConfig describes the worker process.
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Env is added to the host's environment, as KEY=VALUE pairs.
	Env []string `mapstructure:"env"`
	Dir string   `mapstructure:"dir"`
}

type SupervisorConfig struct {
	MaxFails     int           `mapstructure:"max_fails"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// InvokeTimeout of zero means requests wait until the client disconnects.
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			MaxFails: supervisor.DefaultMaxFails,
		},
		Server: ServerConfig{
			ListenAddr:    DefaultListenAddr,
			InvokeTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with v. Every key must have a default for environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.args", defaults.Worker.Args)
	v.SetDefault("worker.env", defaults.Worker.Env)
	v.SetDefault("worker.dir", defaults.Worker.Dir)

	v.SetDefault("supervisor.max_fails", defaults.Supervisor.MaxFails)
	v.SetDefault("supervisor.restart_delay", defaults.Supervisor.RestartDelay)

	v.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	v.SetDefault("server.invoke_timeout", defaults.Server.InvokeTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the config file at path, if path is not empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
