package pio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Toolchain runs the build targets the gate depends on
type Toolchain interface {
	// BuildFS builds the filesystem image from the data directory
	BuildFS(ctx context.Context) error
	// UploadFS uploads the filesystem image to the device
	UploadFS(ctx context.Context) error
	// Upload uploads the firmware to the device
	Upload(ctx context.Context) error
}

// Commands holds the argv of each toolchain target
type Commands struct {
	BuildFS  []string
	UploadFS []string
	Upload   []string

	// Environment is passed as "-e <env>" when set
	Environment string
}

// DefaultCommands returns the PlatformIO CLI invocations
func DefaultCommands() Commands {
	return Commands{
		BuildFS:  []string{"pio", "run", "--target", "buildfs"},
		UploadFS: []string{"pio", "run", "--target", "uploadfs"},
		Upload:   []string{"pio", "run", "--target", "upload"},
	}
}

// Client implements Toolchain by running the configured commands in the
// project directory
type Client struct {
	dir    string
	cmds   Commands
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// NewClient creates a toolchain client rooted at projectDir
func NewClient(projectDir string, cmds Commands, logger *slog.Logger) *Client {
	return &Client{
		dir:    projectDir,
		cmds:   cmds,
		logger: logger,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetOutput redirects the output of the invoked commands
func (c *Client) SetOutput(stdout, stderr io.Writer) {
	c.stdout = stdout
	c.stderr = stderr
}

// BuildFS runs the filesystem image build
func (c *Client) BuildFS(ctx context.Context) error {
	return c.run(ctx, "buildfs", c.cmds.BuildFS)
}

// UploadFS runs the filesystem image upload
func (c *Client) UploadFS(ctx context.Context) error {
	return c.run(ctx, "uploadfs", c.cmds.UploadFS)
}

// Upload runs the firmware upload
func (c *Client) Upload(ctx context.Context) error {
	return c.run(ctx, "upload", c.cmds.Upload)
}

// Argv returns the full command line for a target, including the environment flag
func (c *Client) Argv(argv []string) []string {
	if c.cmds.Environment == "" {
		return argv
	}
	out := make([]string, 0, len(argv)+2)
	out = append(out, argv...)
	return append(out, "-e", c.cmds.Environment)
}

// run executes a command and streams its output
func (c *Client) run(ctx context.Context, target string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command configured for target %s", target)
	}

	argv = c.Argv(argv)
	c.logger.Debug("running toolchain command", "target", target, "command", strings.Join(argv, " "), "dir", c.dir)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.dir
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed (%s): %w", target, strings.Join(argv, " "), err)
	}
	return nil
}
