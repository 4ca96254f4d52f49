package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterProxy installs the proxy handler as the terminal pre-router
// middleware, so every method and path is forwarded and no route can shadow
// one. Middleware added with e.Pre before this call runs first.
func RegisterProxy(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(func(echo.HandlerFunc) echo.HandlerFunc {
		return proxy.Handle
	})
}

// RegisterAdmin wires the health, status and metrics routes onto the admin
// Echo instance.
func RegisterAdmin(e *echo.Echo, health *HealthHandler, reg *prometheus.Registry, metricsPath string) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
}
