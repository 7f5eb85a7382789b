package cmd

import (
	"fmt"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/reconcile"
	"github.com/chatwoot/crm-sync/internal/whatsapp"
)

// loadAccount resolves and validates the active account.
func loadAccount() (config.Account, error) {
	account, err := config.LoadAccount()
	if err != nil {
		return config.Account{}, err
	}
	if err := account.Validate(); err != nil {
		return config.Account{}, fmt.Errorf("invalid account configuration: %w", err)
	}
	return account, nil
}

func newAPIClient(account config.Account) *api.Client {
	client := api.New(account.BaseURL, account.APIToken, account.AccountID)
	if flags.Timeout > 0 {
		client.HTTP.Timeout = flags.Timeout
	}
	client.UserAgent = "cwcrm/" + version
	if account.BotAttribute != "" {
		client.BotAttribute = account.BotAttribute
	}
	return client
}

func newWhatsAppClient(gw config.WhatsApp) *whatsapp.Client {
	transport := api.New(gw.URL, gw.APIKey, 0)
	if flags.Timeout > 0 {
		transport.HTTP.Timeout = flags.Timeout
	}
	transport.UserAgent = "cwcrm/" + version
	return whatsapp.NewWithClient(transport)
}

func getClient() (*api.Client, error) {
	account, err := loadAccount()
	if err != nil {
		return nil, err
	}
	return newAPIClient(account), nil
}

func getWhatsApp() (*whatsapp.Client, error) {
	gw, err := config.LoadWhatsApp()
	if err != nil {
		return nil, err
	}
	return newWhatsAppClient(gw), nil
}

// getVendor returns the vendor selected by --whatsapp.
func getVendor(filter api.ListConversationsParams) (reconcile.Vendor, config.Account, error) {
	if flags.WhatsApp {
		wa, err := getWhatsApp()
		if err != nil {
			return nil, config.Account{}, err
		}
		account, _ := config.LoadAccount()
		return reconcile.WhatsApp{Client: wa}, account, nil
	}
	account, err := loadAccount()
	if err != nil {
		return nil, config.Account{}, err
	}
	return reconcile.Chatwoot{Client: newAPIClient(account), Filter: filter}, account, nil
}
