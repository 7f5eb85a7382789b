package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/99designs/keyring"
)

const (
	defaultProfile = "default"
	// accountKey holds the default profile; it predates named profiles.
	accountKey        = "default"
	profilePrefix     = "profile:"
	profileIndexKey   = "profiles_index"
	currentProfileKey = "current_profile"
)

func profileKey(name string) string {
	if name == "" || name == defaultProfile {
		return accountKey
	}
	return profilePrefix + name
}

// normalizeProfiles trims names and drops blanks and duplicates, keeping
// first-seen order.
func normalizeProfiles(profiles []string) []string {
	var out []string
	for _, p := range profiles {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func (v *vault) profiles() ([]string, error) {
	var names []string
	if _, err := v.get(profileIndexKey, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// current reads the active profile marker, stored as a raw string.
func (v *vault) current() (string, error) {
	item, err := v.ring.Get(currentProfileKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return defaultProfile, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get current profile: %w", err)
	}
	if name := strings.TrimSpace(string(item.Data)); name != "" {
		return name, nil
	}
	return defaultProfile, nil
}

// SaveProfile stores account under profile and makes it current.
func SaveProfile(profile string, account Account) error {
	if profile == "" {
		profile = defaultProfile
	}
	v, err := openVault()
	if err != nil {
		return err
	}
	if err := v.put(profileKey(profile), account); err != nil {
		return err
	}
	names, err := v.profiles()
	if err != nil {
		return err
	}
	if err := v.put(profileIndexKey, normalizeProfiles(append(names, profile))); err != nil {
		return err
	}
	return setCurrent(v, profile)
}

// LoadProfile returns the account stored under profile, or
// ErrNotConfigured.
func LoadProfile(profile string) (Account, error) {
	v, err := openVault()
	if err != nil {
		return Account{}, err
	}
	var account Account
	ok, err := v.get(profileKey(profile), &account)
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, ErrNotConfigured
	}
	return account, nil
}

// DeleteProfile removes a profile. If it was current, the first remaining
// profile takes over.
func DeleteProfile(profile string) error {
	if profile == "" {
		profile = defaultProfile
	}
	v, err := openVault()
	if err != nil {
		return err
	}
	if err := v.remove(profileKey(profile)); err != nil {
		return err
	}
	names, err := v.profiles()
	if err != nil {
		return err
	}
	remaining := slices.DeleteFunc(names, func(n string) bool { return n == profile })
	if err := v.put(profileIndexKey, remaining); err != nil {
		return err
	}
	if current, err := v.current(); err == nil && current == profile {
		next := defaultProfile
		if len(remaining) > 0 {
			next = remaining[0]
		}
		return setCurrent(v, next)
	}
	return nil
}

// ListProfiles returns stored profile names in the order they were added.
func ListProfiles() ([]string, error) {
	v, err := openVault()
	if err != nil {
		return nil, err
	}
	names, err := v.profiles()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		if _, err := v.ring.Get(accountKey); err == nil {
			return []string{defaultProfile}, nil
		}
	}
	return names, nil
}

// CurrentProfile returns the active profile name.
func CurrentProfile() (string, error) {
	v, err := openVault()
	if err != nil {
		return "", err
	}
	return v.current()
}

// SetCurrentProfile makes profile the active one.
func SetCurrentProfile(profile string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	return setCurrent(v, profile)
}

func setCurrent(v *vault, profile string) error {
	if profile == "" {
		profile = defaultProfile
	}
	return v.ring.Set(keyring.Item{Key: currentProfileKey, Data: []byte(profile)})
}
