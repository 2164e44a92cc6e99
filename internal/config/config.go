// Package config builds the process configuration once at startup from
// defaults, an optional YAML file and command-line flags, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/and161185/vaultkeeper/internal/autolock"
	"github.com/and161185/vaultkeeper/internal/backup"
	"github.com/and161185/vaultkeeper/internal/crypto/kdf"
	"github.com/and161185/vaultkeeper/internal/repository/file"
	"github.com/and161185/vaultkeeper/internal/throttle"
)

// Config is immutable once Load returns.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	VaultDir     string `yaml:"vault_dir"`     // default <data_dir>/vaults
	BackupDir    string `yaml:"backup_dir"`    // default <data_dir>/backups
	AttemptsFile string `yaml:"attempts_file"` // default <data_dir>/auth_attempts.json

	MaxBackups    int           `yaml:"max_backups"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LockoutTime   time.Duration `yaml:"lockout_time"`
	DeriveTimeout time.Duration `yaml:"derive_timeout"`
	AutoLock      time.Duration `yaml:"auto_lock"`

	// PostgresDSN switches the attempt store to Postgres when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	KDF   kdf.Config `yaml:"kdf"`
	Debug bool       `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:       defaultDataDir(),
		MaxBackups:    backup.DefaultMax,
		MaxAttempts:   throttle.DefaultMaxAttempts,
		LockoutTime:   throttle.DefaultLockout,
		DeriveTimeout: 10 * time.Second,
		AutoLock:      autolock.DefaultTimeout,
		KDF:           kdf.DefaultConfig(),
	}
}

func defaultDataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "vaultkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "vaultkeeper")
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// BindFlags registers flags whose defaults are c's current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "base directory for vaults, backups and the attempt store")
	fs.StringVar(&c.VaultDir, "vault-dir", c.VaultDir, "vault directory (default <data-dir>/vaults)")
	fs.StringVar(&c.BackupDir, "backup-dir", c.BackupDir, "backup directory (default <data-dir>/backups)")
	fs.StringVar(&c.AttemptsFile, "attempts-file", c.AttemptsFile, "throttle store (default <data-dir>/"+file.AttemptsFile+")")
	fs.IntVar(&c.MaxBackups, "max-backups", c.MaxBackups, "snapshots kept per vault")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "failed attempts before lockout")
	fs.DurationVar(&c.LockoutTime, "lockout", c.LockoutTime, "lockout window")
	fs.DurationVar(&c.DeriveTimeout, "derive-timeout", c.DeriveTimeout, "upper bound on one key derivation")
	fs.DurationVar(&c.AutoLock, "auto-lock", c.AutoLock, "idle time before the vault is wiped from memory (0 disables)")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "store throttle state in PostgreSQL instead of a file")
	fs.Uint32Var(&c.KDF.MemoryCost, "kdf-memory", c.KDF.MemoryCost, "Argon2id memory in KiB for new envelopes")
	fs.Uint32Var(&c.KDF.TimeCost, "kdf-time", c.KDF.TimeCost, "Argon2id passes for new envelopes")
	fs.Uint8Var(&c.KDF.Parallelism, "kdf-parallelism", c.KDF.Parallelism, "Argon2id lanes for new envelopes")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "development logging")
}

func (c *Config) setDefaults() {
	if c.VaultDir == "" {
		c.VaultDir = filepath.Join(c.DataDir, "vaults")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.DataDir, "backups")
	}
	if c.AttemptsFile == "" {
		c.AttemptsFile = filepath.Join(c.DataDir, file.AttemptsFile)
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "" && (c.VaultDir == "" || c.BackupDir == "" || c.AttemptsFile == ""):
		return errors.New("config: data_dir is required")
	case c.MaxBackups < 1:
		return errors.New("config: max_backups must be at least 1")
	case c.MaxAttempts < 1:
		return errors.New("config: max_attempts must be at least 1")
	case c.LockoutTime <= 0:
		return errors.New("config: lockout_time must be positive")
	case c.DeriveTimeout <= 0:
		return errors.New("config: derive_timeout must be positive")
	case c.AutoLock < 0:
		return errors.New("config: auto_lock must not be negative")
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load resolves the configuration from args. Parsing stops at the first
// non-flag argument; the remainder is returned for subcommand dispatch.
func Load(name string, args []string) (Config, []string, error) {
	// first pass only locates --config
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.SetInterspersed(false)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	path := pre.String("config", "", "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	c := Default()
	if *path != "" {
		if err := c.LoadFile(*path); err != nil {
			return Config{}, nil, err
		}
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.String("config", *path, "YAML configuration file")
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}

	c.setDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, nil, err
	}
	return c, fs.Args(), nil
}
