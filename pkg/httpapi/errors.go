package httpapi

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// mapErr translates the shared error taxonomy into an HTTP response,
// mirroring the teacher's mapServiceError.
func mapErr(err error) *echo.HTTPError {
	if err == nil {
		return echo.NewHTTPError(http.StatusOK, "")
	}
	e, ok := hitlerr.As(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	switch e.Kind {
	case hitlerr.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, e.Message)
	case hitlerr.KindAuth:
		return echo.NewHTTPError(http.StatusUnauthorized, e.Message)
	case hitlerr.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, e.Message)
	case hitlerr.KindRateLimited:
		he := echo.NewHTTPError(http.StatusTooManyRequests, e.Message)
		return he
	case hitlerr.KindTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, e.Message)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, e.Message)
	}
}
