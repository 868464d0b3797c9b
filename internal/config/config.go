package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinPairingIDLen is the minimum accepted length for a pairing id. The id
// is an opaque string exchanged out of band (QR code or copy-paste); the
// core only rejects values too short to plausibly be a session key.
const MinPairingIDLen = 8

// Config holds all environment-based configuration for pairbookd.
type Config struct {
	// Remote row-store endpoint and credentials (required).
	RemoteBaseURL string `env:"REMOTE_BASE_URL"`
	RemoteAPIKey  string `env:"REMOTE_API_KEY"`

	// Initial pairing id. Optional: an unpaired device runs local-only
	// until a pairing id arrives through the inbox.
	PairingID string `env:"PAIRING_ID"`

	// Which side of the pairing this device edits as. "A" or "B".
	Party string `env:"PARTY"`

	// Path of the local bbolt database. Defaults to ~/.pairbook/state.db.
	StatePath string `env:"STATE_PATH"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Quiet window for coalescing local mutations into one remote write.
	DebounceInterval time.Duration `env:"DEBOUNCE_INTERVAL" envDefault:"800ms"`

	// Directory watched for mutation files dropped by the UI layer.
	// Empty disables the inbox watcher.
	InboxDir string `env:"INBOX_DIR"`

	// Environment controls log format.
	Environment string `env:"PAIRBOOK_ENV" envDefault:"development"`

	// Read-only MCP surface for ledger consumers (export, AI assistants).
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "pairbookd"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve InboxDir to an absolute path at startup so the watcher's
	// relative-path computations are stable regardless of the working
	// directory the daemon was launched from.
	if cfg.InboxDir != "" {
		absDir, err := filepath.Abs(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir to absolute path: %w", err)
		}

		cfg.InboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}

	if c.RemoteAPIKey == "" {
		return fmt.Errorf("REMOTE_API_KEY is required")
	}

	if c.Party != "A" && c.Party != "B" {
		return fmt.Errorf("PARTY must be \"A\" or \"B\", got %q", c.Party)
	}

	if c.PairingID != "" && len(c.PairingID) < MinPairingIDLen {
		return fmt.Errorf("PAIRING_ID too short (minimum %d characters)", MinPairingIDLen)
	}

	if c.DebounceInterval <= 0 {
		return fmt.Errorf("DEBOUNCE_INTERVAL must be positive")
	}

	return nil
}

// DefaultStatePath returns the default bbolt database location:
// ~/.pairbook/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pairbook", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
