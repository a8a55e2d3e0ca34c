package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/fsgate/internal/config"
	"github.com/schaermu/fsgate/internal/fingerprint"
	"github.com/schaermu/fsgate/internal/pio"
	"github.com/schaermu/fsgate/internal/record"
)

// Detector decides whether the filesystem image must be rebuilt and
// uploaded before the firmware upload
type Detector struct {
	cfg       *config.Config
	fs        billy.Filesystem
	toolchain pio.Toolchain
	store     *record.Store
	logger    *slog.Logger
	dryRun    bool
}

// NewDetector creates a detector working on the project filesystem fsys
func NewDetector(cfg *config.Config, fsys billy.Filesystem, toolchain pio.Toolchain, logger *slog.Logger, dryRun bool) *Detector {
	return &Detector{
		cfg:       cfg,
		fs:        fsys,
		toolchain: toolchain,
		store:     record.NewStore(fsys, cfg.Paths.RecordFile, cfg.Algorithm()),
		logger:    logger,
		dryRun:    dryRun,
	}
}

// Store returns the fingerprint record store
func (d *Detector) Store() *record.Store {
	return d.store
}

// HasData reports whether the watched directory exists
func (d *Detector) HasData() bool {
	info, err := d.fs.Stat(d.cfg.Paths.DataDir)
	if err != nil {
		d.logger.Debug("data directory not accessible", "data_dir", d.cfg.Paths.DataDir, "error", err)
		return false
	}
	return info.IsDir()
}

// Fingerprint computes the fingerprint of the watched directory
func (d *Detector) Fingerprint(ctx context.Context) (fingerprint.Result, error) {
	res, err := fingerprint.Compute(ctx, d.fs, d.cfg.Paths.DataDir, d.cfg.Algorithm())
	if err != nil {
		return fingerprint.Result{}, fmt.Errorf("failed to fingerprint %s: %w", d.cfg.Paths.DataDir, err)
	}
	return res, nil
}

// Files visits the fingerprinted files of the watched directory in
// fingerprint order
func (d *Detector) Files(ctx context.Context, fn func(fingerprint.File) error) error {
	return fingerprint.Walk(ctx, d.fs, d.cfg.Paths.DataDir, fn)
}

// Check evaluates whether a rebuild is needed without side effects
func (d *Detector) Check(ctx context.Context) (Decision, error) {
	if !d.HasData() {
		return Decision{Status: NoData}, nil
	}

	current, err := d.Fingerprint(ctx)
	if err != nil {
		return Decision{}, err
	}

	prev := d.store.Lookup()
	if prev.State == record.Unreadable {
		d.logger.Warn("fingerprint record unreadable, treating as absent",
			"record", d.store.Path(),
			"error", prev.Err)
	}

	decision := Decision{
		Status:   Changed,
		Current:  current,
		Previous: prev,
	}
	if old, ok := prev.Present(); ok && old == current.Fingerprint {
		decision.Status = Unchanged
	}

	return decision, nil
}

// EnsureUpToDate rebuilds and uploads the filesystem image when the watched
// directory changed since the last recorded build. Toolchain failures are
// logged but neither stop the upload step nor the record update.
func (d *Detector) EnsureUpToDate(ctx context.Context) error {
	d.logger.Info("checking filesystem image",
		"data_dir", d.cfg.Paths.DataDir,
		"record", d.store.Path(),
		"dry_run", d.dryRun)

	decision, err := d.Check(ctx)
	if err != nil {
		return err
	}

	switch decision.Status {
	case NoData:
		d.logger.Info("no filesystem data, nothing to do", "data_dir", d.cfg.Paths.DataDir)
		return nil
	case Unchanged:
		d.logger.Info("filesystem image unchanged, skipping",
			"fingerprint", decision.Current.Fingerprint)
		return nil
	}

	d.logger.Info("filesystem image changed, rebuilding",
		"fingerprint", decision.Current.Fingerprint,
		"previous", decision.Previous.Fingerprint,
		"record", decision.Previous.State.String(),
		"files", decision.Current.Files,
		"bytes", decision.Current.Bytes)

	if d.dryRun {
		d.logger.Info("[dry-run] would build and upload filesystem image and update record",
			"record", d.store.Path())
		return nil
	}

	if err := d.toolchain.BuildFS(ctx); err != nil {
		d.logger.Warn("filesystem image build failed", "error", err)
	}
	if err := d.toolchain.UploadFS(ctx); err != nil {
		d.logger.Warn("filesystem image upload failed", "error", err)
	}

	// An interrupted run leaves the record untouched
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filesystem image update interrupted: %w", err)
	}

	if err := d.store.Save(decision.Current.Fingerprint); err != nil {
		return fmt.Errorf("failed to save fingerprint record: %w", err)
	}

	d.logger.Info("fingerprint record updated", "record", d.store.Path())
	return nil
}
