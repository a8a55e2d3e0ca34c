package main

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/fsgate/internal/config"
)

// saveGlobals restores the flag variables after the test.
func saveGlobals(t *testing.T) {
	t.Helper()
	origCfg, origProject := cfgFile, projectDir
	origLevel, origFormat, origDryRun := logLevel, logFormat, dryRun
	t.Cleanup(func() {
		cfgFile, projectDir = origCfg, origProject
		logLevel, logFormat, dryRun = origLevel, origFormat, origDryRun
	})
	logLevel = "error"
}

// newProject creates a PlatformIO project whose toolchain commands append
// their target name to calls.log.
func newProject(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "platformio.ini"), []byte("[env:esp32dev]\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, config.FileName), []byte(`
platformio:
  build_fs: ["sh", "-c", "echo buildfs >> calls.log"]
  upload_fs: ["sh", "-c", "echo uploadfs >> calls.log"]
  upload: ["sh", "-c", "echo upload >> calls.log"]
`), 0o644))
	return root
}

func readCalls(t *testing.T, root string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "calls.log"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestSetupLogger(t *testing.T) {
	saveGlobals(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/auto", logLevel: "warn", logFormat: "auto"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			require.NotNil(t, logger)
		})
	}
}

func TestUseJSONLogs(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.True(t, useJSONLogs("json", f))
	assert.False(t, useJSONLogs("text", f))
	assert.False(t, useJSONLogs("", f))
	// A regular file is not a terminal
	assert.True(t, useJSONLogs("auto", f))
}

func TestLoadConfig_Defaults(t *testing.T) {
	saveGlobals(t)
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_DIRS", t.TempDir())
	xdg.Reload()
	cfgFile = ""

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg, err := loadConfig(logger, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.Paths.DataDir)
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	saveGlobals(t)

	cfgPath := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("paths:\n  data_dir: www\n"), 0o600))
	cfgFile = cfgPath

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg, err := loadConfig(logger, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "www", cfg.Paths.DataDir)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	saveGlobals(t)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := loadConfig(logger, t.TempDir())
	assert.Error(t, err)
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()

	<-ctx.Done()
	assert.Error(t, ctx.Err())
}

func TestRunCheck(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root

	require.NoError(t, runCheck(checkCmd, nil))
	assert.Equal(t, []string{"buildfs", "uploadfs"}, readCalls(t, root))
	assert.FileExists(t, filepath.Join(root, ".pio", "littlefs_hash.json"))

	// Unchanged data: nothing runs
	require.NoError(t, runCheck(checkCmd, nil))
	assert.Equal(t, []string{"buildfs", "uploadfs"}, readCalls(t, root))
}

func TestRunCheck_DryRun(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root
	dryRun = true

	require.NoError(t, runCheck(checkCmd, nil))
	assert.Empty(t, readCalls(t, root))
	assert.NoFileExists(t, filepath.Join(root, ".pio", "littlefs_hash.json"))
}

func TestRunUpload(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root

	require.NoError(t, runUpload(uploadCmd, nil))
	assert.Equal(t, []string{"buildfs", "uploadfs", "upload"}, readCalls(t, root))

	// Second upload skips the filesystem image
	require.NoError(t, runUpload(uploadCmd, nil))
	assert.Equal(t, []string{"buildfs", "uploadfs", "upload", "upload"}, readCalls(t, root))

	// Reset forces the next upload to rebuild it
	require.NoError(t, runReset(resetCmd, nil))
	require.NoError(t, runUpload(uploadCmd, nil))
	assert.Equal(t, []string{"buildfs", "uploadfs", "upload", "upload", "buildfs", "uploadfs", "upload"}, readCalls(t, root))
}

func TestRunUpload_NoData(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root
	require.NoError(t, os.RemoveAll(filepath.Join(root, "data")))

	require.NoError(t, runUpload(uploadCmd, nil))
	assert.Equal(t, []string{"upload"}, readCalls(t, root))
}

func TestRunStatusHashFiles(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "www"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "www", "index.html"), []byte("<html>"), 0o644))

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	hashCmd.SetOut(&out)
	filesCmd.SetOut(&out)
	t.Cleanup(func() {
		statusCmd.SetOut(nil)
		hashCmd.SetOut(nil)
		filesCmd.SetOut(nil)
	})

	require.NoError(t, runStatus(statusCmd, nil))
	assert.Contains(t, out.String(), "status:   changed")
	assert.Contains(t, out.String(), "(absent)")
	assert.Contains(t, out.String(), "2 files, 8 bytes")
	assert.Empty(t, readCalls(t, root), "status must not run the toolchain")

	out.Reset()
	require.NoError(t, runHash(hashCmd, nil))
	fp := strings.TrimSpace(out.String())
	assert.Len(t, fp, 64)

	out.Reset()
	require.NoError(t, runFiles(filesCmd, nil))
	assert.Equal(t, "data/a.txt\ndata/www/index.html\n", out.String())

	require.NoError(t, runCheck(checkCmd, nil))
	out.Reset()
	require.NoError(t, runStatus(statusCmd, nil))
	assert.Contains(t, out.String(), "status:   unchanged")
	assert.Contains(t, out.String(), "recorded: "+fp)
}

func TestRunHash_NoData(t *testing.T) {
	saveGlobals(t)
	root := newProject(t)
	projectDir = root
	require.NoError(t, os.RemoveAll(filepath.Join(root, "data")))

	assert.Error(t, runHash(hashCmd, nil))
	assert.Error(t, runFiles(filesCmd, nil))
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	assert.Contains(t, out.String(), "fsgate dev")
}
