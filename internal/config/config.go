package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/fsgate/internal/fingerprint"
	"github.com/schaermu/fsgate/internal/pio"
)

const (
	// FileName is the per-project config file looked up in the project root
	FileName = "fsgate.yaml"

	// userConfigFile is looked up in the XDG config directories
	userConfigFile = "fsgate/config.yaml"

	defaultDataDir    = "data"
	defaultRecordFile = ".pio/littlefs_hash.json"
)

// Config represents the complete fsgate configuration
type Config struct {
	Paths       PathsConfig       `yaml:"paths"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	PlatformIO  PlatformIOConfig  `yaml:"platformio"`
}

// PathsConfig configures paths relative to the project root
type PathsConfig struct {
	DataDir    string `yaml:"data_dir"`
	RecordFile string `yaml:"record_file"`
}

// FingerprintConfig configures how the data directory is hashed
type FingerprintConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// PlatformIOConfig configures the toolchain invocations
type PlatformIOConfig struct {
	Environment string   `yaml:"environment"`
	BuildFS     []string `yaml:"build_fs"`
	UploadFS    []string `yaml:"upload_fs"`
	Upload      []string `yaml:"upload"`
}

// Default returns the configuration used when no config file exists
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Locate returns the config file to load: the explicit path if given, then
// fsgate.yaml in the project root, then the user config file. An empty
// result means no config file exists and defaults apply.
func Locate(explicit, projectDir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	projectFile := filepath.Join(projectDir, FileName)
	if _, err := os.Stat(projectFile); err == nil {
		return projectFile, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to stat %s: %w", projectFile, err)
	}

	if userFile, err := xdg.SearchConfigFile(userConfigFile); err == nil {
		return userFile, nil
	}

	return "", nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Paths.RecordFile = os.ExpandEnv(c.Paths.RecordFile)
	c.PlatformIO.Environment = os.ExpandEnv(c.PlatformIO.Environment)
	for _, argv := range [][]string{c.PlatformIO.BuildFS, c.PlatformIO.UploadFS, c.PlatformIO.Upload} {
		for i := range argv {
			argv[i] = os.ExpandEnv(argv[i])
		}
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.RecordFile == "" {
		c.Paths.RecordFile = defaultRecordFile
	}
	if c.Fingerprint.Algorithm == "" {
		c.Fingerprint.Algorithm = string(fingerprint.DefaultAlgorithm)
	}
	defaults := pio.DefaultCommands()
	if c.PlatformIO.BuildFS == nil {
		c.PlatformIO.BuildFS = defaults.BuildFS
	}
	if c.PlatformIO.UploadFS == nil {
		c.PlatformIO.UploadFS = defaults.UploadFS
	}
	if c.PlatformIO.Upload == nil {
		c.PlatformIO.Upload = defaults.Upload
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Paths live inside the project root
	if !filepath.IsLocal(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be a relative path inside the project: %s", c.Paths.DataDir)
	}
	if !filepath.IsLocal(c.Paths.RecordFile) {
		return fmt.Errorf("paths.record_file must be a relative path inside the project: %s", c.Paths.RecordFile)
	}
	// A record inside the watched directory would change its own fingerprint
	if rel, err := filepath.Rel(c.Paths.DataDir, c.Paths.RecordFile); err == nil && filepath.IsLocal(rel) {
		return fmt.Errorf("paths.record_file must not be inside paths.data_dir")
	}

	if _, err := fingerprint.ParseAlgorithm(c.Fingerprint.Algorithm); err != nil {
		return fmt.Errorf("fingerprint.algorithm: %w", err)
	}

	// Validate commands
	if len(c.PlatformIO.BuildFS) == 0 || c.PlatformIO.BuildFS[0] == "" {
		return fmt.Errorf("platformio.build_fs must not be empty")
	}
	if len(c.PlatformIO.UploadFS) == 0 || c.PlatformIO.UploadFS[0] == "" {
		return fmt.Errorf("platformio.upload_fs must not be empty")
	}
	if len(c.PlatformIO.Upload) == 0 || c.PlatformIO.Upload[0] == "" {
		return fmt.Errorf("platformio.upload must not be empty")
	}

	return nil
}

// Algorithm returns the configured fingerprint algorithm
func (c *Config) Algorithm() digest.Algorithm {
	return digest.Algorithm(c.Fingerprint.Algorithm)
}

// Commands returns the toolchain invocations
func (c *Config) Commands() pio.Commands {
	return pio.Commands{
		BuildFS:     c.PlatformIO.BuildFS,
		UploadFS:    c.PlatformIO.UploadFS,
		Upload:      c.PlatformIO.Upload,
		Environment: c.PlatformIO.Environment,
	}
}
