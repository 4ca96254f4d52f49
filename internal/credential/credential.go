// Package credential precomputes the Authorization header injected into
// every upstream request.
package credential

import (
	"encoding/base64"
	"log/slog"

	"authproxy/internal/config"
)

// Credential is a precomputed HTTP Basic Authorization header value.
// The zero value means no credential is configured.
type Credential struct {
	value string
}

// Encode returns the Basic credential for username and password.
//
// See RFC 7617, section 2: the user-id and password are joined by a single
// colon and base64 encoded. They are not URL encoded.
func Encode(username, password string) Credential {
	raw := username + ":" + password
	return Credential{value: "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))}
}

// FromConfig encodes the configured upstream credential once at startup.
// Without a username there is no credential and the password is ignored.
func FromConfig(cfg *config.Config) Credential {
	if cfg.Upstream.Username == "" {
		return Credential{}
	}
	return Encode(cfg.Upstream.Username, cfg.Upstream.Password)
}

// IsSet reports whether a credential was configured.
func (c Credential) IsSet() bool {
	return c.value != ""
}

// HeaderValue returns the Authorization header value.
func (c Credential) HeaderValue() string {
	return c.value
}

// Mode names the injected authentication scheme, "basic" or "none".
func (c Credential) Mode() string {
	if c.IsSet() {
		return "basic"
	}
	return "none"
}

// String never reveals the encoded secret.
func (c Credential) String() string {
	if !c.IsSet() {
		return "none"
	}
	return "Basic [REDACTED]"
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
