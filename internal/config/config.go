// Package config defines the relay's mutable runtime settings record.
// The JSON layout matches the config.json document the relay has always
// written, so existing files load unchanged.
package config

import (
	"encoding/json"
	"fmt"
)

// Config holds every runtime setting the admin plane can change.
type Config struct {
	MaxUsers         int               `json:"maxUsers"`
	MaxMessageLength int               `json:"maxMessageLength"`
	BanWords         []string          `json:"banWords"`
	UserPasswords    map[string]string `json:"userPasswords"`
	AdminPassword    string            `json:"adminPassword"`
	BannedIPs        []string          `json:"bannedIPs"`
	HistoryCount     int               `json:"historyCount"`
}

// Defaults used for any field missing from the stored form.
const (
	DefaultMaxUsers         = 2000
	DefaultMaxMessageLength = 2000
	DefaultAdminPassword    = "admin"
	DefaultHistoryCount     = 50
)

// Default returns a Config populated with the out-of-the-box settings.
func Default() Config {
	return Config{
		MaxUsers:         DefaultMaxUsers,
		MaxMessageLength: DefaultMaxMessageLength,
		BanWords:         []string{},
		UserPasswords:    map[string]string{},
		AdminPassword:    DefaultAdminPassword,
		BannedIPs:        []string{},
		HistoryCount:     DefaultHistoryCount,
	}
}

// Decode overlays the JSON document in data onto Default.
func Decode(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Validate checks the record invariants.
func (c Config) Validate() error {
	if c.HistoryCount < 0 {
		return fmt.Errorf("historyCount must be >= 0, got %d", c.HistoryCount)
	}
	return nil
}

// Clone returns a deep copy that shares no slices or maps with c.
func (c Config) Clone() Config {
	out := c
	out.BanWords = append([]string{}, c.BanWords...)
	out.BannedIPs = append([]string{}, c.BannedIPs...)
	out.UserPasswords = make(map[string]string, len(c.UserPasswords))
	for k, v := range c.UserPasswords {
		out.UserPasswords[k] = v
	}
	return out
}

// normalize replaces JSON nulls with empty collections.
func (c *Config) normalize() {
	if c.BanWords == nil {
		c.BanWords = []string{}
	}
	if c.BannedIPs == nil {
		c.BannedIPs = []string{}
	}
	if c.UserPasswords == nil {
		c.UserPasswords = map[string]string{}
	}
}

// Normalized returns c with nil collections replaced by empty ones.
func (c Config) Normalized() Config {
	c.normalize()
	return c
}
