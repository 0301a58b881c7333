package sss

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/sssproto/sss/errs"
)

// Settings is the on-disk configuration the host reads to bootstrap
// identity and sockets. Applications may
// construct one directly instead of loading it from disk.
type Settings struct {
	// IdentityPath is where the host's long-term keypair is persisted. If
	// the file does not exist, a fresh keypair is generated and written
	// there.
	IdentityPath string `toml:"identity_path"`

	// Port is the UDP port the host tries first for both its IPv4 and IPv6
	// sockets; the host falls back to an ephemeral port if this one is
	// unavailable.
	Port uint16 `toml:"port"`

	// CookieCacheSize bounds the responder's replay LRU.
	CookieCacheSize int `toml:"cookie_cache_size"`

	// LogLevel names a charmbracelet/log level (debug, info, warn, error)
	// and defaults to "info". The host does not apply it to its loggers.
	LogLevel string `toml:"log_level"`
}

// DefaultPort is used when Settings omits one.
const DefaultPort uint16 = 9660

// DefaultCookieCacheSize sizes the responder's replay LRU when Settings
// omits one.
const DefaultCookieCacheSize = 4096

// SettingsStore is the persistence collaborator for identity material and
// configuration, kept as an interface so applications can swap in
// alternative storage without this module depending on any particular
// backend.
type SettingsStore interface {
	Load() (Settings, error)
	Save(Settings) error
}

// FileSettingsStore loads and saves Settings as a TOML file at Path.
type FileSettingsStore struct {
	Path string
}

func (s FileSettingsStore) Load() (Settings, error) {
	var cfg Settings
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return defaultSettings(), nil
	}
	if _, err := toml.DecodeFile(s.Path, &cfg); err != nil {
		return Settings{}, errs.NewConfigError("sss: decode settings %s: %w", s.Path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func (s FileSettingsStore) Save(cfg Settings) error {
	f, err := os.Create(s.Path)
	if err != nil {
		return errs.NewConfigError("sss: create settings %s: %w", s.Path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultSettings() Settings {
	cfg := Settings{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Settings) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.CookieCacheSize == 0 {
		cfg.CookieCacheSize = DefaultCookieCacheSize
	}
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = "sss_identity.key"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
