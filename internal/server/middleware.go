package server

import (
	"github.com/labstack/echo/v4"

	"gridmesh/logging"
)

func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		logging.Info("Received request", logging.Server,
			"method", c.Request().Method, "path", c.Request().URL.Path)
		logging.Debug("Request headers", logging.Server, "headers", c.Request().Header)
		return next(c)
	}
}
