package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for dbackup.
type Config struct {
	LogDir       string              `toml:"log_dir"`
	Database     DatabaseConfig      `toml:"database"`
	Staging      StagingConfig       `toml:"staging"`
	Jobs         JobsConfig          `toml:"jobs"`
	Retention    RetentionConfig     `toml:"retention"`
	Encryption   EncryptionConfig    `toml:"encryption"`
	Sources      []SourceConfig      `toml:"sources"`
	Destinations []DestinationConfig `toml:"destinations"`
}

// DatabaseConfig configures the metadata database holding backup
// records, timelines, and file records.
type DatabaseConfig struct {
	Path string `toml:"path"` // SQLite file path, or ":memory:"
}

// StagingConfig configures the local staging area where artifacts are
// packaged before fan-out.
type StagingConfig struct {
	Dir string `toml:"dir"`
}

// JobsConfig tunes the background job execution model.
type JobsConfig struct {
	// Production switches the retry backoff unit from seconds to
	// minutes. This is an environment-level policy, not per-call.
	Production bool `toml:"production"`

	// MaxRetries bounds store attempts per destination. Defaults to 3:
	// one attempt plus two retries.
	MaxRetries int `toml:"max_retries"`

	// CaptureTimeoutMinutes caps one capture unit's wall clock.
	CaptureTimeoutMinutes int `toml:"capture_timeout_minutes"`

	// StoreTimeoutMinutes caps one destination store attempt.
	StoreTimeoutMinutes int `toml:"store_timeout_minutes"`
}

// RetentionConfig defines the five sequential retention windows.
type RetentionConfig struct {
	KeepAllDays       int `toml:"keep_all_days"`
	KeepDailyDays     int `toml:"keep_daily_days"`
	KeepWeeklyWeeks   int `toml:"keep_weekly_weeks"`
	KeepMonthlyMonths int `toml:"keep_monthly_months"`
	KeepYearlyYears   int `toml:"keep_yearly_years"`
}

// EncryptionConfig enables optional artifact encryption before staging.
type EncryptionConfig struct {
	Type          string `toml:"type"` // "", "age", or "test"
	PublicKeyPath string `toml:"public_key_path,omitempty"`
}

// SourceConfig describes one backed-up database.
type SourceConfig struct {
	Name                string   `toml:"name"`
	Host                string   `toml:"host"`
	Port                int      `toml:"port"`
	Database            string   `toml:"database"`
	Username            string   `toml:"username"`
	Password            string   `toml:"password,omitempty"`
	SkipTables          []string `toml:"skip_tables,omitempty"`
	StructureOnlyTables []string `toml:"structure_only_tables,omitempty"`
}

// DestinationConfig describes one storage destination.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DestinationConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", "sftp", or "memory"
	Name string `toml:"name"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// SFTP-specific fields (only used when Type == "sftp")
	SFTPHost     string `toml:"sftp_host,omitempty"`
	SFTPPort     int    `toml:"sftp_port,omitempty"`
	SFTPUsername string `toml:"sftp_username,omitempty"`
	SFTPPassword string `toml:"sftp_password,omitempty"`
	SFTPRoot     string `toml:"sftp_root,omitempty"`
}

// NewConfig creates a Config with default paths and policy values.
func NewConfig(baseDir string) *Config {
	return &Config{
		LogDir:   filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{Path: filepath.Join(baseDir, "dbackup.db")},
		Staging:  StagingConfig{Dir: filepath.Join(baseDir, "staging")},
		Jobs: JobsConfig{
			MaxRetries:            3,
			CaptureTimeoutMinutes: 60,
			StoreTimeoutMinutes:   15,
		},
		Retention: RetentionConfig{
			KeepAllDays:       30,
			KeepDailyDays:     60,
			KeepWeeklyWeeks:   8,
			KeepMonthlyMonths: 6,
			KeepYearlyYears:   1,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// FindSource returns the source config with the given name, or nil.
func (c *Config) FindSource(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}
