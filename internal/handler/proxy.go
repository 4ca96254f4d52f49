package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"authproxy/internal/client"
	"authproxy/internal/middleware"
	"authproxy/internal/model"
	"authproxy/internal/service"
	"authproxy/internal/transform"
)

const copyBufferSize = 32 * 1024

// ProxyHandler forwards every inbound request to the fixed upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(req)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	middleware.RemoveHopByHop(resp.Header)
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	announced := len(resp.Trailer)
	if announced > 0 {
		keys := make([]string, 0, announced)
		for key := range resp.Trailer {
			keys = append(keys, key)
		}
		dst["Trailer"] = []string{strings.Join(keys, ", ")}
	}

	c.Response().WriteHeader(resp.StatusCode)
	if announced > 0 {
		// Trailers require a chunked response.
		c.Response().Flush()
	}

	// The status line is already on the wire, so a failed copy can only be
	// reported by aborting the connection; the client then sees a truncated
	// response instead of a complete one.
	if err := copyBody(c.Response(), resp); err != nil {
		h.logger.Warn("streaming response body aborted",
			"err", err,
			"method", req.Method,
			"path", req.URL.Path,
		)
		panic(http.ErrAbortHandler)
	}

	copyTrailer(dst, resp.Trailer, announced)
	return nil
}

// copyTrailer sends the upstream trailer values. Keys that were not announced
// before the header was written go out with the http.TrailerPrefix.
func copyTrailer(dst, trailer http.Header, announced int) {
	if len(trailer) == announced {
		for key, vals := range trailer {
			dst[key] = vals
		}
		return
	}
	for key, vals := range trailer {
		dst[http.TrailerPrefix+key] = vals
	}
}

// copyBody streams the upstream body to the client. Responses of unknown
// length are flushed after every chunk so that event streams and long polls
// reach the client as they are produced.
func copyBody(w *echo.Response, resp *model.ProxyResponse) error {
	flush := resp.ContentLength == -1
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush {
				w.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := errorResponse(err)

	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"status", status,
	)

	return c.JSON(status, map[string]string{
		"error": msg,
	})
}

// errorResponse maps a forwarding error to the gateway status and message
// returned to the client.
func errorResponse(err error) (int, string) {
	if errors.Is(err, transform.ErrMalformedURI) {
		return http.StatusBadGateway, "malformed upstream request URI"
	}

	// Middleware such as the body limit fails the inbound body read with its
	// own status, which surfaces here through the transport.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, strings.ToLower(http.StatusText(he.Code))
	}

	var de *client.DispatchError
	if !errors.As(err, &de) {
		return http.StatusBadGateway, "upstream request failed"
	}

	switch de.Kind {
	case client.KindTimeout:
		return http.StatusGatewayTimeout, "upstream request timed out"
	case client.KindCanceled:
		return http.StatusBadGateway, "client disconnected"
	case client.KindDNS:
		return http.StatusBadGateway, "upstream host unreachable"
	case client.KindTLS:
		return http.StatusBadGateway, "upstream TLS handshake failed"
	case client.KindConnect:
		return http.StatusBadGateway, "upstream connection failed"
	case client.KindClientBody:
		return http.StatusBadRequest, "request body could not be read"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}
