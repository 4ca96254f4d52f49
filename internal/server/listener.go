// Package server binds the proxy and admin listeners and builds the Echo
// instances that serve them.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pires/go-proxyproto"
)

// proxyHeaderTimeout bounds how long an accepted connection may take to send
// its PROXY protocol header.
const proxyHeaderTimeout = 10 * time.Second

// Listen binds a TCP listener on addr. With proxyProtocol set, connections
// may start with a PROXY protocol v1/v2 header from a fronting load balancer
// and report its source address as their remote address; connections without
// a header keep their TCP peer address.
func Listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if proxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: proxyHeaderTimeout,
		}
	}
	return ln, nil
}

// Start binds addr and serves e on it in the background until e is shut
// down. Bind failures are returned; serve failures are logged.
func Start(e *echo.Echo, addr string, proxyProtocol bool, logger *slog.Logger) (net.Listener, error) {
	ln, err := Listen(addr, proxyProtocol)
	if err != nil {
		return nil, err
	}

	logger.Info("starting server", "addr", ln.Addr().String(), "proxy_protocol", proxyProtocol)
	go func() {
		if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	}()

	return ln, nil
}
