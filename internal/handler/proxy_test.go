package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"authproxy/internal/client"
	"authproxy/internal/config"
	"authproxy/internal/credential"
	"authproxy/internal/service"
	"authproxy/internal/transform"
)

func newTestProxyHandler(t *testing.T, upstream config.UpstreamConfig) *ProxyHandler {
	t.Helper()
	if upstream.IdleConnections == 0 {
		upstream.IdleConnections = 10
	}
	cfg := &config.Config{Upstream: upstream}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uc, err := client.NewUpstreamClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient: %v", err)
	}
	t.Cleanup(uc.CloseIdleConnections)

	svc, err := service.NewProxyService(uc, cfg, credential.FromConfig(cfg), logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestProxyHandler_Handle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RequestURI() != "/foo?bar=1" {
			t.Errorf("upstream request URI = %q, want %q", r.URL.RequestURI(), "/foo?bar=1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/foo?bar=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", body, `{"result":"ok"}`)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"Content-Type", "application/json"},
		{"Set-Cookie", "session=abc"},
		{"X-Upstream", "yes"},
		{"Content-Length", "15"},
	}
	for _, tt := range tests {
		if got := rec.Header().Get(tt.key); got != tt.want {
			t.Errorf("header %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProxyHandler_Handle_StatusPassthrough(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"created", http.StatusCreated},
		{"no content", http.StatusNoContent},
		{"not found", http.StatusNotFound},
		{"unauthorized", http.StatusUnauthorized},
		{"internal error", http.StatusInternalServerError},
		{"bad gateway from upstream", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer upstream.Close()

			h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestProxyHandler_Handle_StripsHopByHopResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "X-Hop")
		w.Header().Set("X-Hop", "secret")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.Header().Set("X-End-To-End", "kept")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	for _, key := range []string{"Connection", "X-Hop", "Keep-Alive", "Proxy-Authenticate"} {
		if v := rec.Header().Get(key); v != "" {
			t.Errorf("header %s should be stripped, got %q", key, v)
		}
	}
	if v := rec.Header().Get("X-End-To-End"); v != "kept" {
		t.Errorf("X-End-To-End = %q, want %q", v, "kept")
	}
}

func TestProxyHandler_Handle_InjectsCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{
		URL:      upstream.URL,
		Username: "alice",
		Password: "secret",
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer client")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := rec.Body.String(); got != "Basic YWxpY2U6c2VjcmV0" {
		t.Errorf("upstream Authorization = %q, want %q", got, "Basic YWxpY2U6c2VjcmV0")
	}
}

func TestProxyHandler_Handle_UpstreamRefused(t *testing.T) {
	h := newTestProxyHandler(t, config.UpstreamConfig{URL: "http://" + refusedAddr(t)})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := decodeError(t, rec); msg != "upstream connection failed" {
		t.Errorf("error = %q, want %q", msg, "upstream connection failed")
	}
}

func TestProxyHandler_Handle_MalformedURI(t *testing.T) {
	h := newTestProxyHandler(t, config.UpstreamConfig{URL: "http://" + refusedAddr(t)})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodOptions, "*", http.NoBody), rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := decodeError(t, rec); msg != "malformed upstream request URI" {
		t.Errorf("error = %q, want %q", msg, "malformed upstream request URI")
	}
}

func TestProxyHandler_Handle_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL, TimeoutSeconds: 1})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/slow", http.NoBody), rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if msg := decodeError(t, rec); msg != "upstream request timed out" {
		t.Errorf("error = %q, want %q", msg, "upstream request timed out")
	}
}

func TestProxyHandler_Handle_AbortsTruncatedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("only ten b"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

	e := echo.New()
	RegisterProxy(e, h)
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/truncated")
	if err != nil {
		// The abort may also surface before headers are parsed.
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Errorf("ReadAll() = %q, want error for truncated body", body)
	}
}

func TestProxyHandler_Handle_RelaysTrailers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
		w.Header().Set("X-Checksum", "abc")
		// Not announced up front.
		w.Header().Set(http.TrailerPrefix+"X-Late", "late")
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

	e := echo.New()
	RegisterProxy(e, h)
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/sum")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if _, ok := resp.Trailer["X-Checksum"]; !ok {
		t.Errorf("announced trailers = %v, want X-Checksum", resp.Trailer)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}

	tests := []struct {
		key  string
		want string
	}{
		{"X-Checksum", "abc"},
		{"X-Late", "late"},
	}
	for _, tt := range tests {
		if got := resp.Trailer.Get(tt.key); got != tt.want {
			t.Errorf("trailer %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProxyHandler_Handle_FlushesUnknownLength(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("data: second\n\n"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, config.UpstreamConfig{URL: upstream.URL})

	e := echo.New()
	RegisterProxy(e, h)
	proxy := httptest.NewServer(e)
	defer proxy.Close()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	resp, err := http.Get(proxy.URL + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	first := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		first <- string(buf[:n])
	}()

	select {
	case got := <-first:
		if got != "data: first\n\n" {
			t.Errorf("first chunk = %q, want %q", got, "data: first\n\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk was not flushed to the client")
	}

	unblock()
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "data: second\n\n" {
		t.Errorf("rest = %q, want %q", rest, "data: second\n\n")
	}
}

func TestErrorResponse(t *testing.T) {
	dispatch := func(kind string) error {
		return fmt.Errorf("forward to upstream: %w", &client.DispatchError{
			Method: http.MethodGet,
			Host:   "api.example.com",
			Kind:   kind,
			Err:    errors.New("boom"),
		})
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"malformed", fmt.Errorf("rewrite request: %w", transform.ErrMalformedURI), http.StatusBadGateway, "malformed upstream request URI"},
		{"timeout", dispatch(client.KindTimeout), http.StatusGatewayTimeout, "upstream request timed out"},
		{"canceled", dispatch(client.KindCanceled), http.StatusBadGateway, "client disconnected"},
		{"dns", dispatch(client.KindDNS), http.StatusBadGateway, "upstream host unreachable"},
		{"tls", dispatch(client.KindTLS), http.StatusBadGateway, "upstream TLS handshake failed"},
		{"connect", dispatch(client.KindConnect), http.StatusBadGateway, "upstream connection failed"},
		{"other kind", dispatch(client.KindOther), http.StatusBadGateway, "upstream request failed"},
		{"unclassified", context.DeadlineExceeded, http.StatusBadGateway, "upstream request failed"},
		{"client body", dispatch(client.KindClientBody), http.StatusBadRequest, "request body could not be read"},
		{"body limit", fmt.Errorf("forward to upstream: %w", &client.DispatchError{
			Method: http.MethodPost,
			Host:   "api.example.com",
			Kind:   client.KindClientBody,
			Err:    &url.Error{Op: "Post", URL: "http://api.example.com/", Err: echo.ErrStatusRequestEntityTooLarge},
		}), http.StatusRequestEntityTooLarge, "request entity too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := errorResponse(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
			if strings.Contains(msg, "boom") {
				t.Errorf("message %q leaks the underlying error", msg)
			}
		})
	}
}
