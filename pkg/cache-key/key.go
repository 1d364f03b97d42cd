package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = " "

// Key identifies a resource within one cache table.
// Only retrieval requests have keys.
type Key struct {
	Method string
	// Origin-relative request URI (e.g. `/styles.css?v=2`),
	// or the absolute URL for requests addressed to another origin.
	URL string
}

// IsRetrieval reports whether requests with the given method may be cached.
func IsRetrieval(method string) bool {
	return method == "" || method == http.MethodGet
}

// FromRequest returns the key for an incoming request.
func FromRequest(r *http.Request) (Key, error) {
	if !IsRetrieval(r.Method) {
		return Key{}, ErrorMethodNotSupported
	}
	u := r.URL.RequestURI()
	if r.URL.IsAbs() {
		u = r.URL.String()
	}
	return Key{Method: http.MethodGet, URL: u}, nil
}

// Resolve returns the key for a possibly relative reference such as `./` or `icons/icon-72.png`.
// Relative references are resolved against the root path.
func Resolve(method, ref string) (Key, error) {
	if !IsRetrieval(method) {
		return Key{}, ErrorMethodNotSupported
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return Key{}, err
	}
	if refURL.IsAbs() {
		return Key{Method: http.MethodGet, URL: refURL.String()}, nil
	}
	resolved := (&url.URL{Path: "/"}).ResolveReference(refURL)
	return Key{Method: http.MethodGet, URL: resolved.RequestURI()}, nil
}

// Parse is the inverse of Key.String.
func Parse(s string) (Key, error) {
	method, u, found := strings.Cut(s, methodSeparator)
	if !found || u == "" {
		return Key{}, fmt.Errorf("Malformed key: %s", s)
	}
	if !IsRetrieval(method) {
		return Key{}, ErrorMethodNotSupported
	}
	return Key{Method: method, URL: u}, nil
}

func (k Key) String() string {
	return k.Method + methodSeparator + k.URL
}

// PathOnly returns the key with the query string removed.
// The second return value is false if the key had no query.
func (k Key) PathOnly() (Key, bool) {
	path, _, found := strings.Cut(k.URL, "?")
	if !found {
		return k, false
	}
	return Key{Method: k.Method, URL: path}, true
}

// Path returns the origin-relative path of the key.
func (k Key) Path() string {
	u, err := url.Parse(k.URL)
	if err != nil {
		return k.URL
	}
	return u.Path
}

// Request creates an outgoing request for the keyed resource.
func (k Key) Request() (*http.Request, error) {
	return http.NewRequest(k.Method, k.URL, nil)
}
