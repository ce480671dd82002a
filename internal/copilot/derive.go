// Package copilot implements the pure, side-effect-free rule that picks
// the Copilot upstream host at startup (spec §4.9).
package copilot

import (
	"net/url"
	"strings"
)

const (
	defaultHost    = "api.githubcopilot.com"
	enterpriseHost = "api.enterprise.githubcopilot.com"
	gheSuffix      = ".ghe.com"
)

// DeriveHost picks the Copilot upstream host. First match wins:
//
//  1. explicitTarget, if non-empty, is used verbatim.
//  2. githubServerURL is parsed; on parse failure, or an empty/unparsable
//     hostname, fall through to the default.
//     - hostname == "github.com"      -> api.githubcopilot.com
//     - hostname ends with ".ghe.com" -> api.<subdomain>.ghe.com
//     - anything else                 -> api.enterprise.githubcopilot.com
//  3. Otherwise: api.githubcopilot.com
func DeriveHost(explicitTarget, githubServerURL string) string {
	if t := strings.TrimSpace(explicitTarget); t != "" {
		return t
	}
	raw := strings.TrimSpace(githubServerURL)
	if raw == "" {
		return defaultHost
	}
	u, err := url.Parse(raw)
	if err != nil {
		return defaultHost
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return defaultHost
	}
	switch {
	case host == "github.com":
		return defaultHost
	case strings.HasSuffix(host, gheSuffix):
		subdomain := strings.TrimSuffix(host, gheSuffix)
		if subdomain == "" {
			return enterpriseHost
		}
		return "api." + subdomain + gheSuffix
	default:
		return enterpriseHost
	}
}
