// Package agent – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving the LLM API key:
//  1. OS keyring (most secure — encrypted by the OS)
//  2. DELTA_API_KEY
//  3. OPENAI_API_KEY
// Steps 2–3 read the merged environment, so .env files participate with
// the precedence established in env.go.
package agent

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "delta"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__delta_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// MigrateKeyToKeyring moves an API key into the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env",
	)
	return nil
}

// ResolveAPIKey resolves the API key using the priority chain and reports
// the source used, for the startup log line.
func ResolveAPIKey(env Env, logger *slog.Logger) (key, source string) {
	if logger == nil {
		logger = slog.Default()
	}
	if val := GetKeyring(keyringAPIKey); val != "" {
		return val, "keyring"
	}
	if val := env.Get("DELTA_API_KEY"); val != "" {
		return val, "DELTA_API_KEY"
	}
	if val := env.Get("OPENAI_API_KEY"); val != "" {
		return val, "OPENAI_API_KEY"
	}
	logger.Warn("no API key found. Set DELTA_API_KEY or store one with: delta config set-key")
	return "", ""
}
