package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/logging"
	"github.com/cleared-dev/tally/internal/reconcile"
)

// FileName is the default config file name.
const FileName = "tally.yaml"

// Config represents the top-level tally.yaml configuration.
type Config struct {
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Import    ImportConfig    `yaml:"import"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ReconcileConfig controls how records are compared.
type ReconcileConfig struct {
	AmountTolerance string `yaml:"amount_tolerance"` // decimal, e.g. "0.01"
	Duplicates      string `yaml:"duplicates"`       // "last_wins" or "reject"
}

// ImportConfig controls how uploaded CSV files are decoded.
type ImportConfig struct {
	Encoding  string `yaml:"encoding"`
	Delimiter string `yaml:"delimiter,omitempty"` // single character or "tab"; default ","
}

// ServerConfig configures `tally serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a tally.yaml file from disk. ${VAR} references are expanded
// from the environment before parsing; fields the file omits keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults for a new project.
func Default() *Config {
	return &Config{
		Reconcile: ReconcileConfig{
			AmountTolerance: reconcile.DefaultTolerance.String(),
			Duplicates:      string(reconcile.DuplicatesLastWins),
		},
		Import: ImportConfig{
			Encoding: string(importer.EncodingUTF8),
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			MaxUploadBytes:  10 << 20,
			SessionTTL:      time.Hour,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if _, err := c.EngineOptions(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.ImportOptions(); err != nil {
		errs = append(errs, err.Error())
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, "server.max_upload_bytes must be positive")
	}
	if c.Server.SessionTTL < 0 {
		errs = append(errs, "server.session_ttl must be non-negative")
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	if !logging.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EngineOptions converts the reconcile section into engine options.
func (c *Config) EngineOptions() (reconcile.Options, error) {
	opts := reconcile.DefaultOptions()
	if s := strings.TrimSpace(c.Reconcile.AmountTolerance); s != "" {
		tol, err := decimal.NewFromString(s)
		if err != nil {
			return opts, fmt.Errorf("reconcile.amount_tolerance (%q) is not a decimal", c.Reconcile.AmountTolerance)
		}
		if tol.IsNegative() {
			return opts, fmt.Errorf("reconcile.amount_tolerance (%s) must be non-negative", tol)
		}
		opts.AmountTolerance = tol
	}
	policy, err := reconcile.ParseDuplicatePolicy(c.Reconcile.Duplicates)
	if err != nil {
		return opts, fmt.Errorf("reconcile.duplicates: %w", err)
	}
	opts.Duplicates = policy
	return opts, nil
}

// ImportOptions converts the import section into reader options.
func (c *Config) ImportOptions() (importer.Options, error) {
	var opts importer.Options
	enc, err := importer.ParseEncoding(c.Import.Encoding)
	if err != nil {
		return opts, fmt.Errorf("import.encoding: %w", err)
	}
	opts.Encoding = enc

	switch d := c.Import.Delimiter; {
	case d == "":
	case strings.EqualFold(d, "tab"):
		opts.Comma = '\t'
	case utf8.RuneCountInString(d) == 1:
		opts.Comma, _ = utf8.DecodeRuneInString(d)
	default:
		return opts, fmt.Errorf("import.delimiter (%q) must be a single character or \"tab\"", d)
	}
	return opts, nil
}
