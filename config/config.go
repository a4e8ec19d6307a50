// Package config manages the relay's global, persisted configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Data holds the serialisable global configuration.
type Data struct {
	// Retention / dispatch knobs (spec.md §4.2, §4.4)
	MessageRetention     int    `json:"message_retention"`      // N: max thread_messages rows per (user,thread)
	ArtifactRetention    int    `json:"artifact_retention"`     // N: max artifacts per (user,thread)
	MultiDispatchTimeout string `json:"multi_dispatch_timeout"` // e.g. "15s"

	// Auth collaborator knobs. The collaborator itself is out of scope
	// (spec.md §1); AuthMode is reported by GET /health, and the other
	// fields are loaded and saved but not read elsewhere in this module.
	AuthMode              string `json:"auth_mode"` // "basic" | "passkey" | "device"
	AccessTTL             string `json:"access_ttl"`
	RefreshTTL            string `json:"refresh_ttl"`
	DeviceCodeTTL         string `json:"device_code_ttl"`
	DevicePollInterval    string `json:"device_poll_interval"`
	DeviceVerificationURL string `json:"device_verification_url"`
	ChallengeTTL          string `json:"challenge_ttl"`
	PasskeyOrigin         string `json:"passkey_origin"`
	PasskeyRPID           string `json:"passkey_rp_id"`
	AnchorAccessTTL       string `json:"anchor_access_ttl"`
	AnchorRefreshTTL      string `json:"anchor_refresh_ttl"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults for any
// missing fields.  Creates the directory if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	return Data{
		MessageRetention:      200,
		ArtifactRetention:     200,
		MultiDispatchTimeout:  "15s",
		AuthMode:              "basic",
		AccessTTL:             "1h",
		RefreshTTL:            "168h",
		DeviceCodeTTL:         "10m",
		DevicePollInterval:    "5s",
		DeviceVerificationURL: "http://localhost:5173/device",
		ChallengeTTL:          "5m",
		AnchorAccessTTL:       "24h",
		AnchorRefreshTTL:      "720h",
	}
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}

// MultiDispatchTimeoutDuration parses MultiDispatchTimeout, falling back to 15s.
func (d Data) MultiDispatchTimeoutDuration() time.Duration {
	return parseDuration(d.MultiDispatchTimeout, 15*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return dur
}
