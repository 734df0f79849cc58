// Package config loads server settings from defaults, an optional config
// file, CODEPLAY_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeplay/internal/executor"
)

const (
	configName = "codeplay"
	envPrefix  = "CODEPLAY"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Session   Session   `mapstructure:"session"`
	Executor  Executor  `mapstructure:"executor"`
	Shell     Shell     `mapstructure:"shell"`
	Workspace Workspace `mapstructure:"workspace"`
	Tracing   Tracing   `mapstructure:"tracing"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShareBaseURL    string        `mapstructure:"share_base_url"`
	StaticDir       string        `mapstructure:"static_dir"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OutboxSize      int           `mapstructure:"outbox_size"`
}

type Session struct {
	MaxSessions      int `mapstructure:"max_sessions"`
	ActivityCapacity int `mapstructure:"activity_capacity"`
}

type Executor struct {
	TempDir         string             `mapstructure:"temp_dir"`
	RunTimeout      time.Duration      `mapstructure:"run_timeout"`
	CompileTimeout  time.Duration      `mapstructure:"compile_timeout"`
	MaxConcurrent   int64              `mapstructure:"max_concurrent"`
	StrictExitCodes bool               `mapstructure:"strict_exit_codes"`
	MaxOutputBytes  int                `mapstructure:"max_output_bytes"`
	Toolchain       executor.Toolchain `mapstructure:"toolchain"`
}

type Shell struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Workspace struct {
	Root         string `mapstructure:"root"`
	MaxFiles     int    `mapstructure:"max_files"`
	MaxFileBytes int64  `mapstructure:"max_file_bytes"`
	MaxDepth     int    `mapstructure:"max_depth"`
}

type Tracing struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so that environment variables are seen by
// Unmarshal even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	tc := executor.DefaultToolchain()

	v.SetDefault("server.addr", ":7009")
	v.SetDefault("server.share_base_url", "http://localhost:5173")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.outbox_size", 256)

	v.SetDefault("session.max_sessions", 0)
	v.SetDefault("session.activity_capacity", 50)

	v.SetDefault("executor.temp_dir", "")
	v.SetDefault("executor.run_timeout", executor.DefaultRunTimeout)
	v.SetDefault("executor.compile_timeout", executor.DefaultCompileTimeout)
	v.SetDefault("executor.max_concurrent", 8)
	v.SetDefault("executor.strict_exit_codes", false)
	v.SetDefault("executor.max_output_bytes", executor.DefaultMaxOutputBytes)
	v.SetDefault("executor.toolchain.node", tc.Node)
	v.SetDefault("executor.toolchain.python", tc.Python)
	v.SetDefault("executor.toolchain.cc", tc.CC)
	v.SetDefault("executor.toolchain.cxx", tc.CXX)
	v.SetDefault("executor.toolchain.javac", tc.Javac)
	v.SetDefault("executor.toolchain.java", tc.JavaRun)

	v.SetDefault("shell.enabled", false)
	v.SetDefault("shell.timeout", time.Second)

	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.max_files", 500)
	v.SetDefault("workspace.max_file_bytes", 512<<10)
	v.SetDefault("workspace.max_depth", 8)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlags defines the command-line flags on fs and binds them to their
// config keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "path to a config file (default ./codeplay.{toml,yaml})")
	fs.String("addr", ":7009", "listen address")
	fs.String("share-base-url", "http://localhost:5173", "base URL used to build share links")
	fs.String("static-dir", "", "serve a built frontend from this directory")
	fs.String("workspace-root", "", "directory sessions may be imported from (empty disables import)")
	fs.Bool("shell", false, "enable the shell relay")
	fs.Bool("strict-exit-codes", false, "treat a non-zero exit as a runtime error")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("trace", false, "write OpenTelemetry spans to stdout")

	bindings := map[string]string{
		"server.addr":                "addr",
		"server.share_base_url":      "share-base-url",
		"server.static_dir":          "static-dir",
		"workspace.root":             "workspace-root",
		"shell.enabled":              "shell",
		"executor.strict_exit_codes": "strict-exit-codes",
		"log.level":                  "log-level",
		"tracing.enabled":            "trace",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads configuration into a Config. configFile may be empty, in which
// case codeplay.{toml,yaml,json} is looked up in the working directory and
// its absence is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Executor.RunTimeout <= 0 {
		return fmt.Errorf("executor.run_timeout must be positive, got %s", c.Executor.RunTimeout)
	}
	if c.Executor.CompileTimeout < 0 {
		return fmt.Errorf("executor.compile_timeout must not be negative, got %s", c.Executor.CompileTimeout)
	}
	if c.Executor.MaxConcurrent < 0 {
		return fmt.Errorf("executor.max_concurrent must not be negative, got %d", c.Executor.MaxConcurrent)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the configured level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ExecutorConfig converts the executor section for executor.New.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		TempDir:         c.Executor.TempDir,
		RunTimeout:      c.Executor.RunTimeout,
		CompileTimeout:  c.Executor.CompileTimeout,
		MaxConcurrent:   c.Executor.MaxConcurrent,
		StrictExitCodes: c.Executor.StrictExitCodes,
		MaxOutputBytes:  c.Executor.MaxOutputBytes,
		Toolchain:       c.Executor.Toolchain,
	}
}
