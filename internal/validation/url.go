// Package validation checks user-supplied values before they reach the
// network.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// cloudMetadataHosts are never valid API targets, even through a local proxy.
var cloudMetadataHosts = []string{
	"169.254.169.254",
	"fd00:ec2::254",
	"metadata.google.internal",
	"metadata",
}

// ValidateBaseURL checks a proxy, vendor or gateway base URL. Local and
// private hosts are allowed since the proxy usually runs next to the
// dashboard; cloud metadata endpoints are not.
func ValidateBaseURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: only http and https are allowed, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must contain a hostname")
	}
	if isCloudMetadata(hostname) {
		return fmt.Errorf("cloud metadata endpoints are not allowed")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("base URL must not carry a query or fragment")
	}
	return nil
}

// ValidateWebhookURL checks a callback URL handed to a vendor. Unlike base
// URLs it may carry a query, which is where shared secrets usually go.
func ValidateWebhookURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: only http and https are allowed, got %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("URL must contain a hostname")
	}
	if isCloudMetadata(parsed.Hostname()) {
		return fmt.Errorf("cloud metadata endpoints are not allowed")
	}
	return nil
}

// ValidateRealtimeURL checks a websocket endpoint. http(s) is accepted and
// upgraded by the dialer.
func ValidateRealtimeURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("invalid realtime URL scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("URL must contain a hostname")
	}
	if isCloudMetadata(parsed.Hostname()) {
		return fmt.Errorf("cloud metadata endpoints are not allowed")
	}
	return nil
}

func isCloudMetadata(hostname string) bool {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	for _, h := range cloudMetadataHosts {
		if host == h {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, h := range cloudMetadataHosts {
			if meta := net.ParseIP(h); meta != nil && meta.Equal(ip) {
				return true
			}
		}
	}
	return false
}
