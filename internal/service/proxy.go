// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"authproxy/internal/client"
	"authproxy/internal/config"
	"authproxy/internal/credential"
	"authproxy/internal/model"
	"authproxy/internal/transform"
)

// ProxyService holds the immutable forwarding context shared by every
// connection: the upstream origin, the encoded credential and the dispatcher.
type ProxyService struct {
	client     *client.UpstreamClient
	upstream   *url.URL
	credential credential.Credential
	logger     *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, cred credential.Credential, logger *slog.Logger) (*ProxyService, error) {
	u, err := cfg.Upstream.Target()
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	return &ProxyService{
		client:     c,
		upstream:   u,
		credential: cred,
		logger:     logger.With("component", "proxy_service"),
	}, nil
}

// Forward rewrites an inbound request onto the upstream and sends it.
// The caller is responsible for closing the response body.
//
// Errors wrap transform.ErrMalformedURI when the request cannot be rebased,
// and *client.DispatchError when the upstream round trip fails.
func (s *ProxyService) Forward(req *http.Request) (*model.ProxyResponse, error) {
	out, err := transform.Request(req, s.upstream, s.credential)
	if err != nil {
		return nil, fmt.Errorf("rewrite request: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.URL.EscapedPath(),
		"auth", s.credential,
	)

	resp, err := s.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// Upstream returns a copy of the upstream origin.
func (s *ProxyService) Upstream() *url.URL {
	u := *s.upstream
	return &u
}

// AuthMode reports whether a credential is injected ("basic") or not ("none").
func (s *ProxyService) AuthMode() string {
	return s.credential.Mode()
}
