// Package transform rewrites inbound requests so they target the fixed upstream.
//
// Request is pure: it never reads the body and never mutates its input, so it
// can be called any number of times with identical results. Logging and
// hop-by-hop header handling live in the layers around it.
package transform

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"authproxy/internal/credential"
)

// ErrMalformedURI is returned when the upstream origin and the inbound
// path-and-query cannot be combined into a valid request URI.
var ErrMalformedURI = errors.New("malformed upstream request URI")

// Request returns a copy of in rebased onto upstream.
//
// The outgoing URI takes upstream's scheme and authority and in's
// path-and-query verbatim, or upstream's own path-and-query when in carries
// none. The Host header is removed so the transport derives it from the
// outgoing authority. A set credential replaces any client Authorization
// header; otherwise the client's header passes through. Method, the remaining
// headers and the body stream are carried over unchanged.
func Request(in *http.Request, upstream *url.URL, cred credential.Credential) (*http.Request, error) {
	target, err := rebase(in.URL, upstream)
	if err != nil {
		return nil, err
	}

	out := in.Clone(in.Context())
	out.URL = target
	out.Host = ""
	out.RequestURI = ""

	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Del("Host")

	if cred.IsSet() {
		out.Header.Set("Authorization", cred.HeaderValue())
	}

	return out, nil
}

func rebase(src, upstream *url.URL) (*url.URL, error) {
	if upstream == nil || upstream.Host == "" {
		return nil, fmt.Errorf("%w: upstream has no authority", ErrMalformedURI)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported upstream scheme %q", ErrMalformedURI, upstream.Scheme)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: request has no URI", ErrMalformedURI)
	}

	u := &url.URL{
		Scheme: upstream.Scheme,
		Host:   upstream.Host,
	}

	if hasPathAndQuery(src) {
		// Origin-form targets always start with "/"; anything else (such as
		// the asterisk-form "*") cannot be appended to an authority.
		if src.Path != "" && !strings.HasPrefix(src.Path, "/") {
			return nil, fmt.Errorf("%w: path %q is not absolute", ErrMalformedURI, src.Path)
		}
		u.Path = src.Path
		u.RawPath = src.RawPath
		u.RawQuery = src.RawQuery
		u.ForceQuery = src.ForceQuery
	} else {
		u.Path = upstream.Path
		u.RawPath = upstream.RawPath
		u.RawQuery = upstream.RawQuery
		u.ForceQuery = upstream.ForceQuery
	}

	if _, err := url.Parse(u.String()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedURI, err)
	}

	return u, nil
}

// hasPathAndQuery reports whether the request target carried a path or query.
// Authority-form targets (CONNECT host:port) carry neither.
func hasPathAndQuery(u *url.URL) bool {
	return u.Path != "" || u.RawPath != "" || u.RawQuery != "" || u.ForceQuery
}
