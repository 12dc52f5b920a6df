package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateWebhookURL checks that a notification endpoint is safe to POST to
// from the server. Production endpoints must use https and may not point at
// loopback, private, link-local or unspecified addresses, whether given as a
// literal or reached through DNS.
func ValidateWebhookURL(rawURL string, production bool) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("webhook url %q is not an absolute URL", rawURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if production {
			return fmt.Errorf("webhook url must use https in production")
		}
	default:
		return fmt.Errorf("webhook url scheme must be http or https")
	}
	if !production {
		return nil
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasPrefix(strings.ToLower(host), "metadata.google") {
		return fmt.Errorf("webhook host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return publicIP(ip)
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := publicIP(ip); err != nil {
				return fmt.Errorf("webhook host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func publicIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
