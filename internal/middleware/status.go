package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"
)

// responseStatus returns the status the client receives. When a handler
// returns an *echo.HTTPError nothing has been written yet; Echo's error
// handler writes the error's code after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
