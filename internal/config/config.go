package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
	"github.com/spf13/viper"
)

const (
	// FileName is the config file looked up in the data dir and the
	// working directory, without extension.
	FileName = "lockvault"
	// EnvPrefix prefixes every environment override: LOCKVAULT_IDLE_TIMEOUT.
	EnvPrefix = "lockvault"

	DatabaseFile = "vault.db"
	AuditFile    = "audit.jsonl"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// KDF mirrors crypto.KDFParams with config key names.
type KDF struct {
	Time      uint32 `mapstructure:"time"`
	MemoryKiB uint32 `mapstructure:"memory_kib"`
	Threads   uint8  `mapstructure:"threads"`
}

// Params converts to the crypto representation.
func (k KDF) Params() crypto.KDFParams {
	return crypto.KDFParams{Time: k.Time, MemoryKiB: k.MemoryKiB, Threads: k.Threads}
}

type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	Username         string        `mapstructure:"username"`
	KDF              KDF           `mapstructure:"kdf"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	RetentionDays    int           `mapstructure:"retention_days"`
	ShareTTL         time.Duration `mapstructure:"share_ttl"`
	EmergencyContact string        `mapstructure:"emergency_contact"`
	Verbose          bool          `mapstructure:"verbose"`
	Debug            bool          `mapstructure:"debug"`
}

// DatabasePath is the bbolt file holding the backend state.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// AuditPath is the JSON Lines audit trail.
func (c Config) AuditPath() string {
	return filepath.Join(c.DataDir, AuditFile)
}

// Retention is the trash retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".lockvault"
	}
	return filepath.Join(dir, "lockvault")
}

func defaults() map[string]any {
	p := crypto.DefaultKDFParams
	return map[string]any{
		"data_dir":          DefaultDataDir(),
		"username":          "",
		"kdf.time":          p.Time,
		"kdf.memory_kib":    p.MemoryKiB,
		"kdf.threads":       p.Threads,
		"idle_timeout":      "5m",
		"poll_interval":     "30s",
		"sweep_interval":    "1h",
		"retention_days":    30,
		"share_ttl":         "24h",
		"emergency_contact": "",
		"verbose":           false,
		"debug":             false,
	}
}

// Load resolves configuration from defaults, an optional lockvault.yaml
// and LOCKVAULT_* environment variables, in increasing precedence.
// overrides are applied last; the CLI passes flag values through it.
func Load(overrides map[string]any) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if dir, ok := overrides["data_dir"].(string); ok && dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(v.GetString("data_dir"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, a malformed one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	case c.RetentionDays <= 0:
		return fmt.Errorf("%w: retention_days must be positive", ErrInvalidConfig)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: idle_timeout must not be negative", ErrInvalidConfig)
	case c.PollInterval < 0 || c.SweepInterval < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	case c.ShareTTL <= 0:
		return fmt.Errorf("%w: share_ttl must be positive", ErrInvalidConfig)
	case c.KDF.Time == 0 || c.KDF.Threads == 0 || c.KDF.MemoryKiB < 8*uint32(c.KDF.Threads):
		return fmt.Errorf("%w: kdf parameters out of range", ErrInvalidConfig)
	}
	return nil
}
