package store

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Classify derives the response type of resp as seen from origin.
//
// An unfollowed redirect (3xx with Location) is opaqueredirect. A response
// whose final request left origin is cors when the upstream sent
// Access-Control-Allow-Origin, opaque otherwise. Everything else is basic.
func Classify(origin *url.URL, resp *http.Response) ResponseType {
	if resp == nil {
		return TypeOpaque
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
		return TypeOpaqueRedirect
	}
	if origin != nil && resp.Request != nil && resp.Request.URL != nil && !SameOrigin(origin, resp.Request.URL) {
		if resp.Header.Get("Access-Control-Allow-Origin") != "" {
			return TypeCORS
		}
		return TypeOpaque
	}
	return TypeBasic
}

// SameOrigin reports whether a and b share scheme, host and port.
// Default ports are implied when absent.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

// Origin renders the scheme://host:port triple of u in lower case with an
// explicit port.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
