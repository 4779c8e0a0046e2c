package store

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cache entry.
type RequestKey struct {
	// Method is the upper-case request method (GET when empty)
	Method string

	// URL is the absolute request URL without fragment
	URL string
}

// KeyFor derives the key for a request.
func KeyFor(req *http.Request) RequestKey {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: normalizeURL(req.URL)}
}

// String renders the key in its storage form.
//
// Example:
//
//	GET https://salary-plan.example/index.html
func (k RequestKey) String() string {
	method := k.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + k.URL
}

// ParseKey reverses RequestKey.String.
func ParseKey(s string) (RequestKey, bool) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return RequestKey{}, false
	}
	return RequestKey{Method: method, URL: rawURL}, true
}

// Cacheable reports whether requests with this method may be stored.
// Only GET responses are kept.
func Cacheable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

func normalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	stripRequestLineFragment(&clone)
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	if clone.Path == "" && clone.Host != "" {
		clone.Path = "/"
	}
	return clone.String()
}

// stripRequestLineFragment drops a fragment that url.ParseRequestURI left in
// the path or query. A literal '#' only survives in RawPath; a %23 in the
// request leaves RawPath empty and stays part of the path.
func stripRequestLineFragment(u *url.URL) {
	if i := strings.IndexByte(u.RawPath, '#'); i >= 0 {
		raw := u.RawPath[:i]
		path, err := url.PathUnescape(raw)
		if err != nil {
			return
		}
		u.Path = path
		u.RawPath = raw
		u.RawQuery = ""
		u.ForceQuery = false
		return
	}
	if i := strings.IndexByte(u.RawQuery, '#'); i >= 0 {
		u.RawQuery = u.RawQuery[:i]
	}
}
