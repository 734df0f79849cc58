package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":7009", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Executor.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Executor.CompileTimeout)
	assert.False(t, cfg.Executor.StrictExitCodes)
	assert.Equal(t, "python3", cfg.Executor.Toolchain.Python)
	assert.Equal(t, "java", cfg.Executor.Toolchain.JavaRun)
	assert.False(t, cfg.Shell.Enabled)
	assert.Equal(t, time.Second, cfg.Shell.Timeout)
	assert.Equal(t, "", cfg.Workspace.Root)
	assert.Equal(t, 50, cfg.Session.ActivityCapacity)
}

func TestLoad_File(t *testing.T) {
	dir := inTempDir(t)
	content := `
[server]
addr = ":9000"
share_base_url = "https://play.example.com"

[executor]
run_timeout = "3s"
strict_exit_codes = true

[executor.toolchain]
python = "/opt/python/bin/python3"

[shell]
enabled = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeplay.toml"), []byte(content), 0o644))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "https://play.example.com", cfg.Server.ShareBaseURL)
	assert.Equal(t, 3*time.Second, cfg.Executor.RunTimeout)
	assert.True(t, cfg.Executor.StrictExitCodes)
	assert.Equal(t, "/opt/python/bin/python3", cfg.Executor.Toolchain.Python)
	assert.Equal(t, "node", cfg.Executor.Toolchain.Node)
	assert.True(t, cfg.Shell.Enabled)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := inTempDir(t)
	_, err := Load(viper.New(), filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644))
	t.Setenv("CODEPLAY_SERVER_ADDR", ":9100")
	t.Setenv("CODEPLAY_EXECUTOR_MAX_CONCURRENT", "2")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, int64(2), cfg.Executor.MaxConcurrent)
}

func TestLoad_FlagsWin(t *testing.T) {
	inTempDir(t)
	t.Setenv("CODEPLAY_SERVER_ADDR", ":9100")

	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--addr", ":9200", "--shell", "--workspace-root", "/srv/projects"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.True(t, cfg.Shell.Enabled)
	assert.Equal(t, "/srv/projects", cfg.Workspace.Root)
}

func TestLoad_Invalid(t *testing.T) {
	inTempDir(t)

	t.Setenv("CODEPLAY_EXECUTOR_RUN_TIMEOUT", "0s")
	_, err := Load(viper.New(), "")
	assert.ErrorContains(t, err, "run_timeout")
}

func TestLog_SlogLevel(t *testing.T) {
	level, err := Log{Level: "debug"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = Log{Level: "loud"}.SlogLevel()
	assert.Error(t, err)
}

func TestExecutorConfig(t *testing.T) {
	inTempDir(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	ec := cfg.ExecutorConfig()
	assert.Equal(t, cfg.Executor.RunTimeout, ec.RunTimeout)
	assert.Equal(t, cfg.Executor.Toolchain, ec.Toolchain)
}
