package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/campuslink/campuslink/internal/util"
)

type Config struct {
	Paths     Paths     `json:"paths"`
	Backend   Backend   `json:"backend"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
}

type Paths struct {
	DataDir         string `json:"data_dir"`
	CredentialsFile string `json:"credentials_file"`
}

type Backend struct {
	BaseURL    string `json:"base_url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

type Signaling struct {
	URL string `json:"url"`

	// Reconnect backoff bounds (seconds). The delay doubles from min to
	// max across consecutive failures.
	ReconnectMinSec int `json:"reconnect_min_seconds"`
	ReconnectMaxSec int `json:"reconnect_max_seconds"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	EndedGraceSec  int `json:"ended_grace_seconds"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:         "data",
			CredentialsFile: "data/credentials.json",
		},
		Backend: Backend{
			BaseURL:    "http://localhost:5000/api/v1",
			TimeoutSec: 10,
		},
		Signaling: Signaling{
			URL:             "ws://localhost:8787/ws",
			ReconnectMinSec: 1,
			ReconnectMaxSec: 30,
		},
		Call: Call{
			RingTimeoutSec: 30,
			EndedGraceSec:  2,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.CredentialsFile) == "" {
		return errors.New("paths.credentials_file is required")
	}

	if err := validateURL(c.Backend.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if c.Backend.TimeoutSec <= 0 {
		return errors.New("backend.timeout_seconds must be > 0")
	}

	if err := validateURL(c.Signaling.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ReconnectMinSec <= 0 {
		return errors.New("signaling.reconnect_min_seconds must be > 0")
	}
	if c.Signaling.ReconnectMaxSec < c.Signaling.ReconnectMinSec {
		return errors.New("signaling.reconnect_max_seconds must be >= reconnect_min_seconds")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.EndedGraceSec <= 0 {
		return errors.New("call.ended_grace_seconds must be > 0")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
