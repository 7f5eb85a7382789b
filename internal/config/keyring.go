package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName = "crm-sync"

	envKeyringBackend  = "CRM_KEYRING_BACKEND"
	envKeyringPassword = "CRM_KEYRING_PASSWORD"
	envCredentialsDir  = "CRM_CREDENTIALS_DIR"

	keyringBackendAuto   = "auto"
	keyringBackendFile   = "file"
	keyringBackendSystem = "system"
)

var openKeyring = keyring.Open

var userConfigDir = os.UserConfigDir

var stdinHasTTY = func() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// SetOpenKeyring swaps the keyring opener and returns a func restoring the
// previous one. Tests use it with keyring.NewArrayKeyring.
func SetOpenKeyring(fn func(keyring.Config) (keyring.Keyring, error)) func() {
	prev := openKeyring
	openKeyring = fn
	return func() { openKeyring = prev }
}

// vault stores JSON values in the OS keyring, or an encrypted file where
// no keyring service exists.
type vault struct {
	ring keyring.Keyring
}

func openVault() (*vault, error) {
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &vault{ring: ring}, nil
}

// get decodes key into dst and reports whether it existed.
func (v *vault) get(key string, dst any) (bool, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s from keyring: %w", key, err)
	}
	if err := json.Unmarshal(item.Data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (v *vault) put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := v.ring.Set(keyring.Item{Key: key, Label: serviceName + " " + key, Data: data}); err != nil {
		return fmt.Errorf("write %s to keyring: %w", key, err)
	}
	return nil
}

func (v *vault) remove(key string) error {
	if err := v.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove %s from keyring: %w", key, err)
	}
	return nil
}

func keyringConfig() keyring.Config {
	cfg := keyring.Config{ServiceName: serviceName}
	backend := keyringBackendMode()
	if backend == keyringBackendSystem {
		return cfg
	}
	// Auto keeps the file settings so keyring.Open can fall back to them.
	cfg.FileDir = keyringFileDir()
	cfg.FilePasswordFunc = keyringFilePassword
	if shouldForceFileBackend(runtime.GOOS, backend, os.Getenv("DBUS_SESSION_BUS_ADDRESS")) {
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
	}
	return cfg
}

func keyringBackendMode() string {
	switch strings.ToLower(firstNonBlankEnv(envKeyringBackend)) {
	case keyringBackendFile:
		return keyringBackendFile
	case keyringBackendSystem, "os", "native":
		return keyringBackendSystem
	}
	return keyringBackendAuto
}

// shouldForceFileBackend is true for an explicit file backend and for
// headless Linux, where no secret service is reachable.
func shouldForceFileBackend(goos, backend, dbusAddr string) bool {
	switch backend {
	case keyringBackendFile:
		return true
	case keyringBackendAuto:
		return goos == "linux" && strings.TrimSpace(dbusAddr) == ""
	}
	return false
}

// keyringFileDir is CRM_CREDENTIALS_DIR/keyring, falling back to the user
// config dir, ~/.config and finally the temp dir.
func keyringFileDir() string {
	base := firstNonBlankEnv(envCredentialsDir)
	if base == "" {
		if dir, err := userConfigDir(); err == nil && strings.TrimSpace(dir) != "" {
			base = filepath.Join(dir, serviceName)
		} else if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			base = filepath.Join(home, ".config", serviceName)
		} else {
			base = filepath.Join(os.TempDir(), serviceName)
		}
	}
	return filepath.Join(base, "keyring")
}

func keyringFilePassword(prompt string) (string, error) {
	if pw := firstNonBlankEnv(envKeyringPassword); pw != "" {
		return pw, nil
	}
	if !stdinHasTTY() {
		return "", fmt.Errorf("set %s when using file keyring in non-interactive environments", envKeyringPassword)
	}
	return keyring.TerminalPrompt(prompt)
}
