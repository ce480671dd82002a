// Package headerpolicy decides which inbound headers are forwarded
// upstream and which are stripped before the sidecar injects its own
// credential headers.
package headerpolicy

import (
	"net/http"
	"strings"
)

// stripped holds the exact (case-insensitive) header names the sidecar
// never forwards. The sidecar is the sole injector of authentication, so
// any client-supplied auth header is untrusted.
var stripped = map[string]struct{}{
	"host":                {},
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"forwarded":           {},
	"via":                 {},
}

const strippedPrefix = "x-forwarded-"

// Keep reports whether an inbound header name should be forwarded
// verbatim. name is matched case-insensitively.
func Keep(name string) bool {
	lower := strings.ToLower(name)
	if _, drop := stripped[lower]; drop {
		return false
	}
	return !strings.HasPrefix(lower, strippedPrefix)
}

// Filter returns a copy of in with every header Keep rejects removed.
// The original header is left untouched.
func Filter(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if !Keep(name) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
