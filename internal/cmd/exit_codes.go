package cmd

import (
	"errors"
	"net/http"
	"strings"

	"github.com/spf13/pflag"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
)

const (
	exitOK          = 0
	exitGeneric     = 1
	exitUsage       = 2
	exitAuth        = 3
	exitNotFound    = 4
	exitForbidden   = 5
	exitRateLimited = 6
	exitServer      = 7
	exitNetwork     = 8
	exitUnsupported = 9
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	var handled *handledError
	if errors.As(err, &handled) {
		err = handled.err
	}
	if errors.Is(err, config.ErrNotConfigured) || errors.Is(err, config.ErrWhatsAppNotConfigured) {
		return exitAuth
	}

	switch api.Kind(err) {
	case api.KindValidation:
		return exitUsage
	case api.KindNotFound:
		return exitNotFound
	case api.KindNotSupported:
		return exitUnsupported
	case api.KindRateLimited:
		return exitRateLimited
	case api.KindCircuitOpen, api.KindMalformed:
		return exitServer
	case api.KindNetwork, api.KindProxy:
		return exitNetwork
	case api.KindVendor:
		return vendorExitCode(err)
	}
	if isUsageError(err) {
		return exitUsage
	}
	return exitGeneric
}

func vendorExitCode(err error) int {
	var vendorErr *api.VendorError
	if !errors.As(err, &vendorErr) {
		return exitGeneric
	}
	switch code := vendorErr.StatusCode; {
	case code == http.StatusUnauthorized:
		return exitAuth
	case code == http.StatusForbidden:
		return exitForbidden
	case code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return exitUsage
	case code >= 500:
		return exitServer
	default:
		return exitGeneric
	}
}

var usageIndicators = []string{
	"unknown command",
	"unknown flag",
	"unknown shorthand flag",
	"flag needs an argument",
	"accepts ",
	"requires at least",
	"requires exactly",
	"invalid argument",
	"must be",
	"conflicts with",
}

func isUsageError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range usageIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
