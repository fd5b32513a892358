package validation

import (
	"net"
	"net/url"
	"strings"
)

// ValidRedirectURI enforces the registration rules for OAuth redirect URIs:
// absolute URL, https (or http to localhost/127.0.0.1 for development),
// and no fragment component.
func ValidRedirectURI(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Host)
	default:
		return false
	}
}

func isLoopbackHost(host string) bool {
	h := host
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		h = splitHost
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
