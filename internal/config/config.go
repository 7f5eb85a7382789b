package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envProfile = "CRM_PROFILE"

// Environment overrides for the stored account.
const (
	EnvProxyURL          = "CRM_PROXY_URL"
	EnvBaseURL           = "CHATWOOT_BASE_URL"
	EnvAPIToken          = "CHATWOOT_API_TOKEN"
	EnvAccountID         = "CHATWOOT_ACCOUNT_ID"
	EnvRealtimeURL       = "CRM_REALTIME_URL"
	EnvPubsubToken       = "CHATWOOT_PUBSUB_TOKEN"
	EnvBotAttribute      = "CRM_BOT_ATTRIBUTE"
	EnvEvolutionURL      = "EVOLUTION_URL"
	EnvEvolutionAPIKey   = "EVOLUTION_API_KEY"
	EnvEvolutionInstance = "EVOLUTION_INSTANCE"
)

// Account holds the vendor connection details of one profile.
type Account struct {
	// BaseURL is the Chatwoot base URL, or the credential-injecting proxy.
	BaseURL   string `json:"base_url"`
	APIToken  string `json:"api_token,omitempty"`
	AccountID int    `json:"account_id"`

	// RealtimeURL is the push endpoint: the hub's /ws, or Chatwoot's /cable
	// when PubsubToken is set.
	RealtimeURL  string `json:"realtime_url,omitempty"`
	PubsubToken  string `json:"pubsub_token,omitempty"`
	UserID       int    `json:"user_id,omitempty"`
	BotAttribute string `json:"bot_attribute,omitempty"`

	WhatsApp *WhatsApp `json:"whatsapp,omitempty"`
}

// WhatsApp holds the gateway connection.
type WhatsApp struct {
	URL      string `json:"url"`
	APIKey   string `json:"api_key,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ErrNotConfigured is returned when no account is configured.
var ErrNotConfigured = errors.New("not configured - run 'cwcrm auth login' first")

// ErrWhatsAppNotConfigured is returned when the profile has no gateway.
var ErrWhatsAppNotConfigured = errors.New("WhatsApp gateway not configured - set EVOLUTION_URL or run 'cwcrm auth login --whatsapp-url'")

// LoadAccount resolves the active account. CRM_PROXY_URL or
// CHATWOOT_BASE_URL switch to a fully env-driven account; otherwise the
// current keyring profile is loaded. Optional env settings are layered on
// top in both cases.
func LoadAccount() (Account, error) {
	var (
		account Account
		err     error
	)
	if baseURL := firstNonBlankEnv(EnvProxyURL, EnvBaseURL); baseURL != "" {
		account, err = accountFromEnv(baseURL)
	} else if profile := firstNonBlankEnv(envProfile); profile != "" {
		account, err = LoadProfile(profile)
	} else {
		var current string
		current, err = CurrentProfile()
		if err == nil {
			account, err = LoadProfile(current)
		}
	}
	if err != nil {
		return Account{}, err
	}
	applyEnv(&account)
	return account, nil
}

// accountFromEnv builds an account from the environment. Behind the proxy
// no token is needed; talking to Chatwoot directly requires one.
func accountFromEnv(baseURL string) (Account, error) {
	token := firstNonBlankEnv(EnvAPIToken)
	viaProxy := firstNonBlankEnv(EnvProxyURL) != ""
	if !viaProxy && token == "" {
		return Account{}, fmt.Errorf("%s requires %s", EnvBaseURL, EnvAPIToken)
	}
	idStr := firstNonBlankEnv(EnvAccountID)
	if idStr == "" {
		return Account{}, fmt.Errorf("%s must be set", EnvAccountID)
	}
	accountID, err := strconv.Atoi(idStr)
	if err != nil || accountID <= 0 {
		return Account{}, fmt.Errorf("%s must be a positive integer", EnvAccountID)
	}
	return Account{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		APIToken:  token,
		AccountID: accountID,
	}, nil
}

func applyEnv(a *Account) {
	if v := firstNonBlankEnv(EnvRealtimeURL); v != "" {
		a.RealtimeURL = v
	}
	if v := firstNonBlankEnv(EnvPubsubToken); v != "" {
		a.PubsubToken = v
	}
	if v := firstNonBlankEnv(EnvBotAttribute); v != "" {
		a.BotAttribute = v
	}
	if v := firstNonBlankEnv(EnvEvolutionURL); v != "" {
		if a.WhatsApp == nil {
			a.WhatsApp = &WhatsApp{}
		}
		a.WhatsApp.URL = strings.TrimSuffix(v, "/")
	}
	if a.WhatsApp != nil {
		if v := firstNonBlankEnv(EnvEvolutionAPIKey); v != "" {
			a.WhatsApp.APIKey = v
		}
		if v := firstNonBlankEnv(EnvEvolutionInstance); v != "" {
			a.WhatsApp.Instance = v
		}
	}
}

// LoadWhatsApp resolves the gateway connection. EVOLUTION_URL alone is
// enough; otherwise the active account's gateway is used.
func LoadWhatsApp() (WhatsApp, error) {
	if firstNonBlankEnv(EnvEvolutionURL) != "" {
		var a Account
		applyEnv(&a)
		return *a.WhatsApp, nil
	}
	a, err := LoadAccount()
	if err != nil {
		return WhatsApp{}, err
	}
	if a.WhatsApp == nil || strings.TrimSpace(a.WhatsApp.URL) == "" {
		return WhatsApp{}, ErrWhatsAppNotConfigured
	}
	return *a.WhatsApp, nil
}

// Validate checks the fields every command needs.
func (a Account) Validate() error {
	if strings.TrimSpace(a.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if a.AccountID <= 0 {
		return errors.New("account id must be a positive integer")
	}
	if a.WhatsApp != nil && strings.TrimSpace(a.WhatsApp.URL) == "" {
		return errors.New("WhatsApp gateway URL is required when a gateway is configured")
	}
	return nil
}

func firstNonBlankEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
