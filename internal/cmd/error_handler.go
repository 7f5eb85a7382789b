package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
)

// HandleError renders err with suggestions for stderr.
func HandleError(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", api.UserMessage(err))

	var hints []string
	switch {
	case errors.Is(err, config.ErrNotConfigured):
		hints = []string{"Run: cwcrm auth login --url <chatwoot> --token <token> --account-id <id>",
			"Or set CRM_PROXY_URL and CHATWOOT_ACCOUNT_ID to go through a running 'cwcrm serve'"}
	case errors.Is(err, config.ErrWhatsAppNotConfigured):
		hints = []string{"Set EVOLUTION_URL, EVOLUTION_API_KEY and EVOLUTION_INSTANCE",
			"Or run: cwcrm auth login --whatsapp-url <gateway>"}
	default:
		hints = hintsFor(err)
	}
	if len(hints) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}

	var vendorErr *api.VendorError
	if errors.As(err, &vendorErr) && vendorErr.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s\n", vendorErr.RequestID)
	}
	return b.String()
}

func hintsFor(err error) []string {
	switch api.Kind(err) {
	case api.KindNetwork:
		return []string{"Check the base URL: cwcrm auth status", "Use --debug to see the failing request"}
	case api.KindProxy:
		return []string{"The proxy could not reach Chatwoot; check CHATWOOT_URL on the server",
			"Check the server logs of 'cwcrm serve'"}
	case api.KindRateLimited:
		return []string{"Wait a few seconds and retry"}
	case api.KindCircuitOpen:
		return []string{"The API has failed repeatedly; wait 30 seconds and retry"}
	case api.KindMalformed:
		return []string{"Check that the base URL points at the Chatwoot API and not a web page"}
	case api.KindNotSupported:
		return []string{"This vendor does not offer the operation; try without --whatsapp or upgrade Chatwoot"}
	case api.KindVendor:
		var vendorErr *api.VendorError
		if errors.As(err, &vendorErr) {
			return statusHints(vendorErr.StatusCode)
		}
	}
	return nil
}

func statusHints(code int) []string {
	switch {
	case code == http.StatusUnauthorized:
		return []string{"Your API token may be invalid or expired", "Run: cwcrm auth login"}
	case code == http.StatusForbidden:
		return []string{"Your account role does not allow this action"}
	case code == http.StatusUnprocessableEntity:
		return []string{"Check your input values"}
	case code >= 500:
		return []string{"Server error; wait and retry"}
	}
	return []string{"Use --debug for more details"}
}
