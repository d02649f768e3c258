package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrIdRequired     = echo.NewHTTPError(http.StatusBadRequest, "Id is required")
	ErrJobNotFound    = echo.NewHTTPError(http.StatusNotFound, "Job not found")
	ErrPeerNotFound   = echo.NewHTTPError(http.StatusNotFound, "Peer not found")
	ErrBadPeerId      = echo.NewHTTPError(http.StatusBadRequest, "Invalid peer id")
	ErrModelRequired  = echo.NewHTTPError(http.StatusBadRequest, "Model is required")
	ErrScoreRequired  = echo.NewHTTPError(http.StatusBadRequest, "Score must be between 1 and 5")
	ErrNoDistribution = echo.NewHTTPError(http.StatusNotFound, "No distributed execution for this job")
)
