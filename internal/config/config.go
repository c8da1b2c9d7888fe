// Package config loads and validates mailmap's typed configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for mailmap.
type Config struct {
	Imap       ImapConfig       `koanf:"imap"`
	Ollama     OllamaConfig     `koanf:"ollama"`
	Database   DatabaseConfig   `koanf:"database"`
	LocalCache LocalCacheConfig `koanf:"local_cache"`
	Duplex     DuplexConfig     `koanf:"duplex"`
	Spam       SpamConfig       `koanf:"spam"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ImapConfig holds the remote IMAP account and listener configuration.
type ImapConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	Username           string   `koanf:"username"`
	Password           string   `koanf:"password"`
	UseSSL             bool     `koanf:"use_ssl"`
	IdleFolders        []string `koanf:"idle_folders"`
	PollIntervalSecs   int      `koanf:"poll_interval_seconds"`
}

// OllamaConfig holds the LLM backend configuration.
type OllamaConfig struct {
	BaseURL        string `koanf:"base_url"`
	Model          string `koanf:"model"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	RequestsPerSec float64 `koanf:"requests_per_second"`
}

// DatabaseConfig holds the persistent store and category file locations.
type DatabaseConfig struct {
	Path           string `koanf:"path"`
	CategoriesFile string `koanf:"categories_file"`
}

// LocalCacheConfig holds local on-disk archive source configuration.
type LocalCacheConfig struct {
	ProfilePath     string      `koanf:"profile_path"`
	ServerFilter    string      `koanf:"server_filter"`
	FolderFilter    string      `koanf:"folder_filter"`
	SamplesPerFolder int        `koanf:"samples_per_folder"`
	ImportLimit     float64     `koanf:"import_limit"`
	InitSampleLimit int         `koanf:"init_sample_limit"`
	RandomSample    bool        `koanf:"random_sample"`
	SourceType      string      `koanf:"source_type"` // "", "local_cache", "imap", "duplex"
}

// DuplexConfig holds the duplex-channel server configuration.
type DuplexConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	AuthToken string `koanf:"auth_token"`
}

// SpamConfig holds rule-engine configuration.
type SpamConfig struct {
	Enabled     bool     `koanf:"enabled"`
	SkipFolders []string `koanf:"skip_folders"`
	Rules       []string `koanf:"rules"`
}

// LoggingConfig mirrors internal/logging.Config in koanf tags.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Output    string `koanf:"output"`
	AddSource bool   `koanf:"add_source"`
}

// MetricsConfig holds the loopback metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// DefaultSpamRules mirrors the real-world vendor spam-header rule set
// shipped as sensible defaults.
var DefaultSpamRules = []string{
	"X-MS-Exchange-Organization-SCL >= 5",
	"X-Microsoft-Antispam /BCL:(\\d+)/ >= 7",
	"X-Spam-Flag == YES",
	"X-Spam-Status prefix Yes",
	"X-Spam-Score >= 5",
	"X-Spam-Level /(\\*+)/ >= 5",
	"X-Rspamd-Action in reject|add header|greylist",
	"X-Rspamd-Score >= 10",
	"X-Spamd-Result contains REJECT",
	"X-Barracuda-Spam-Status prefix YES",
	"X-Barracuda-Spam-Score >= 5",
	"X-SpamExperts-Class == spam",
	"X-SpamExperts-Outgoing-Class == spam",
	"X-Spampanel-Outgoing-Class == spam",
	"X-Proofpoint-Spam-Details exists",
	"X-IronPort-Anti-Spam-Result exists",
	"X-TM-AS-Result contains Yes",
	"X-TMASE-Result contains Yes",
	"X-Mimecast-Spam-Score >= 5",
	"X-Ovh-Spam-Reason exists",
	"X-VR-SpamCause exists",
	"X-Spam == YES",
	"X-IP-Spam-Verdict == SPAM",
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Imap: ImapConfig{
			Port:             993,
			UseSSL:           true,
			IdleFolders:      []string{"INBOX"},
			PollIntervalSecs: 300,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "qwen2.5:14b",
			TimeoutSeconds: 300,
			RequestsPerSec: 2,
		},
		Database: DatabaseConfig{
			Path:           "mailmap.db",
			CategoriesFile: "categories.txt",
		},
		LocalCache: LocalCacheConfig{
			SamplesPerFolder: 20,
			InitSampleLimit:  100,
		},
		Duplex: DuplexConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9753,
		},
		Spam: SpamConfig{
			Enabled:     true,
			SkipFolders: []string{"Junk", "Spam", "Deleted", "Deleted Items", "Trash"},
			Rules:       append([]string(nil), DefaultSpamRules...),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9754",
		},
	}
}

// Load reads a YAML configuration file, falling back to defaults for
// any section the file omits, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", path, err)
			}
			if err := k.Unmarshal("", &cfg); err != nil {
				return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides credential fields from the environment,
// mirroring the original implementation's dataclass __post_init__ hooks.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAILMAP_IMAP_USERNAME"); v != "" {
		cfg.Imap.Username = v
	}
	if v := os.Getenv("MAILMAP_IMAP_PASSWORD"); v != "" {
		cfg.Imap.Password = v
	}
	if v := os.Getenv("MAILMAP_DUPLEX_TOKEN"); v != "" {
		cfg.Duplex.AuthToken = v
	}
}

// Validate checks cross-field invariants and fails fast on
// configuration errors, per the fatal-at-startup error class.
func (c Config) Validate() error {
	if c.Imap.Host != "" {
		if c.Imap.Port <= 0 || c.Imap.Port > 65535 {
			return fmt.Errorf("config: imap.port out of range: %d", c.Imap.Port)
		}
		if len(c.Imap.IdleFolders) == 0 {
			return fmt.Errorf("config: imap.idle_folders must not be empty")
		}
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("config: ollama.base_url is required")
	}
	if c.Ollama.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: ollama.timeout_seconds must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Database.CategoriesFile == "" {
		return fmt.Errorf("config: database.categories_file is required")
	}
	if c.Duplex.Enabled {
		if c.Duplex.Host != "127.0.0.1" && c.Duplex.Host != "localhost" && c.Duplex.Host != "::1" {
			return fmt.Errorf("config: duplex.host must be loopback, got %q", c.Duplex.Host)
		}
		if c.Duplex.Port <= 0 || c.Duplex.Port > 65535 {
			return fmt.Errorf("config: duplex.port out of range: %d", c.Duplex.Port)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("config: logging.level invalid: %q", c.Logging.Level)
	}
	return nil
}

// ShutdownTimeout returns the duration the daemon waits for
// in-flight work to finish before a forced shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return 10 * time.Second
}

// EnsureDirectories creates any parent directories the configured
// paths require.
func (c Config) EnsureDirectories() error {
	for _, p := range []string{c.Database.Path, c.Database.CategoriesFile} {
		if dir := filepath.Dir(p); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("config: create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}
