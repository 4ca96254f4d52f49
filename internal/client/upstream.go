// Package client provides the pooled upstream HTTP client.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"authproxy/internal/config"
	"authproxy/internal/metrics"
	"authproxy/internal/model"
)

// UpstreamClient sends requests to the fixed upstream over a shared
// connection pool. It is safe for concurrent use.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and TLS
// verification against the system trust store, extended by upstream.ca_file.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	tlsCfg, err := newTLSConfig(&cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream tls: %w", err)
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies are relayed byte for byte; never negotiate gzip on the client's behalf.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}, nil
}

func newTLSConfig(cfg *config.UpstreamConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in, warned about at startup
	}
	if cfg.CAFile == "" {
		return tlsCfg, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("load system trust store: %w", err)
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file %s contains no PEM certificates", cfg.CAFile)
	}
	tlsCfg.RootCAs = roots

	return tlsCfg, nil
}

// Do sends an outgoing request and returns the upstream response with its
// body still streaming. The caller is responsible for closing the body.
// The request context controls the lifetime of the round trip and the body:
// when it is canceled (e.g. client disconnects), both are aborted.
// Failures are returned as *DispatchError and are never retried.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	body := prepare(req)

	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"content_length", req.ContentLength,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		de := &DispatchError{
			Method: req.Method,
			Host:   req.URL.Host,
			Kind:   Classify(err),
			Err:    err,
		}
		if body != nil && body.failed() {
			de.Kind = KindClientBody
		}
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			if de.Kind != KindClientBody {
				c.metrics.UpstreamErrors.WithLabelValues(de.Kind).Inc()
			}
		}
		return nil, de
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Trailer:       resp.Trailer,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// prepare adjusts transport-level fields of an outgoing request so that
// net/http relays it as received. It returns the tracked request body, or nil
// when the request has none.
func prepare(req *http.Request) *requestBody {
	var body *requestBody
	if req.ContentLength == 0 || req.Body == nil || req.Body == http.NoBody {
		// A nil body marks the request as bodyless for the transport.
		req.Body = nil
	} else {
		body = &requestBody{ReadCloser: req.Body}
		req.Body = body
	}
	// The client's Connection: close governs the inbound connection only.
	req.Close = false
	if _, ok := req.Header["User-Agent"]; !ok {
		// An explicit empty value stops net/http from adding its own.
		req.Header.Set("User-Agent", "")
	}
	return body
}

// requestBody records whether reading the inbound body failed, so that a
// client-side fault such as an exceeded body limit is not blamed on the
// upstream.
type requestBody struct {
	io.ReadCloser

	mu  sync.Mutex
	err error
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}
	return n, err
}

func (b *requestBody) failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err != nil
}
