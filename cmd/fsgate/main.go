package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/fsgate/internal/config"
	"github.com/schaermu/fsgate/internal/fingerprint"
	"github.com/schaermu/fsgate/internal/gate"
	"github.com/schaermu/fsgate/internal/pio"
	"github.com/schaermu/fsgate/internal/pipeline"
	"github.com/schaermu/fsgate/internal/project"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile    string
	projectDir string
	logLevel   string
	logFormat  string
	dryRun     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fsgate",
	Short: "Rebuild and upload the filesystem image only when its data changed",
	Long: `fsgate is a pre-upload hook for PlatformIO projects. It fingerprints the
project's data directory and compares the result with the fingerprint recorded
at the last filesystem build.

When the content changed (or no fingerprint was recorded yet) it runs the
filesystem image build and upload targets and records the new fingerprint.
When nothing changed the filesystem upload is skipped.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Rebuild and upload the filesystem image if the data directory changed",
	Long: `Check is the pre-upload hook itself. Run it right before the firmware
upload, e.g. from an extra_scripts pre-action or a Makefile target.`,
	RunE: runCheck,
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Run the firmware upload with the filesystem check as pre-action",
	RunE:  runUpload,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the filesystem image needs a rebuild",
	RunE:  runStatus,
}

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the fingerprint of the data directory",
	RunE:  runHash,
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the fingerprinted files in fingerprint order",
	RunE:  runFiles,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the fingerprint record to force a rebuild on the next upload",
	RunE:  runReset,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "fsgate %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <project>/fsgate.yaml, then $XDG_CONFIG_HOME/fsgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "PlatformIO project directory (default is the nearest parent with platformio.ini)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, auto)")

	checkCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	uploadCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// app bundles everything a command needs
type app struct {
	logger    *slog.Logger
	cfg       *config.Config
	root      string
	toolchain *pio.Client
	detector  *gate.Detector
}

func setupApp() (*app, error) {
	logger := setupLogger()

	root, err := project.Resolve(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	cfg, err := loadConfig(logger, root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	toolchain := pio.NewClient(root, cfg.Commands(), logger)
	detector := gate.NewDetector(cfg, osfs.New(root), toolchain, logger, dryRun)

	return &app{
		logger:    logger,
		cfg:       cfg,
		root:      root,
		toolchain: toolchain,
		detector:  detector,
	}, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setupApp()
	if err != nil {
		return err
	}

	if err := a.detector.EnsureUpToDate(ctx); err != nil {
		a.logger.Error("filesystem check failed", "error", err)
		return err
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setupApp()
	if err != nil {
		return err
	}

	p := buildPipeline(a)
	if err := p.Run(ctx, "upload"); err != nil {
		a.logger.Error("upload failed", "error", err)
		return err
	}
	return nil
}

// buildPipeline registers the filesystem check as pre-action of the upload target
func buildPipeline(a *app) *pipeline.Pipeline {
	p := pipeline.New(a.logger)
	p.AddTarget("upload", func(ctx context.Context) error {
		if dryRun {
			a.logger.Info("[dry-run] would upload firmware")
			return nil
		}
		return a.toolchain.Upload(ctx)
	})
	p.AddPreAction("upload", a.detector.EnsureUpToDate)
	return p
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setupApp()
	if err != nil {
		return err
	}

	decision, err := a.detector.Check(ctx)
	if err != nil {
		return err
	}

	printDecision(cmd.OutOrStdout(), a, decision)
	return nil
}

func printDecision(out io.Writer, a *app, d gate.Decision) {
	_, _ = fmt.Fprintf(out, "status:   %s\n", d.Status)
	_, _ = fmt.Fprintf(out, "data dir: %s\n", a.cfg.Paths.DataDir)
	_, _ = fmt.Fprintf(out, "record:   %s (%s)\n", a.cfg.Paths.RecordFile, d.Previous.State)
	if d.Status == gate.NoData {
		return
	}
	_, _ = fmt.Fprintf(out, "current:  %s (%d files, %d bytes)\n", d.Current.Fingerprint, d.Current.Files, d.Current.Bytes)
	if d.Previous.Fingerprint != "" {
		_, _ = fmt.Fprintf(out, "recorded: %s\n", d.Previous.Fingerprint)
	}
	if d.Previous.Err != nil {
		_, _ = fmt.Fprintf(out, "error:    %v\n", d.Previous.Err)
	}
}

func runHash(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setupApp()
	if err != nil {
		return err
	}

	if !a.detector.HasData() {
		return fmt.Errorf("data directory %s does not exist", a.cfg.Paths.DataDir)
	}

	res, err := a.detector.Fingerprint(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Fingerprint)
	return nil
}

func runFiles(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setupApp()
	if err != nil {
		return err
	}

	if !a.detector.HasData() {
		return fmt.Errorf("data directory %s does not exist", a.cfg.Paths.DataDir)
	}

	out := cmd.OutOrStdout()
	return a.detector.Files(ctx, func(f fingerprint.File) error {
		_, err := fmt.Fprintln(out, f.Path)
		return err
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	a, err := setupApp()
	if err != nil {
		return err
	}

	if err := a.detector.Store().Clear(); err != nil {
		return err
	}

	a.logger.Info("fingerprint record removed", "record", a.cfg.Paths.RecordFile)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so command output on stdout stays machine readable
	if useJSONLogs(logFormat, os.Stderr) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// useJSONLogs resolves the log format; auto picks text on a terminal
func useJSONLogs(format string, f *os.File) bool {
	switch format {
	case "json":
		return true
	case "auto":
		return !term.IsTerminal(int(f.Fd()))
	default:
		return false
	}
}

func loadConfig(logger *slog.Logger, root string) (*config.Config, error) {
	configPath, err := config.Locate(cfgFile, root)
	if err != nil {
		return nil, err
	}

	if configPath == "" {
		logger.Debug("no config file found, using defaults", "project_dir", root)
		return config.Default(), nil
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"data_dir", cfg.Paths.DataDir,
		"record_file", cfg.Paths.RecordFile,
		"algorithm", cfg.Fingerprint.Algorithm,
		"environment", cfg.PlatformIO.Environment)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
