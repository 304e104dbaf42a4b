package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/terror"
)

// statusFor maps a terror.Code to the HTTP status rendered at the RPC
// boundary (§7: "Surfaced: all other errors propagate to the RPC
// boundary and to the caller").
func statusFor(code terror.Code) int {
	switch code {
	case terror.NotFound:
		return http.StatusNotFound
	case terror.Conflict:
		return http.StatusConflict
	case terror.Invalid:
		return http.StatusBadRequest
	case terror.Cancelled:
		return 499
	case terror.BackendUnavailable:
		return http.StatusServiceUnavailable
	case terror.HeartbeatExpiration:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// renderErr writes err as the error chain §7 requires, classifying
// terror.Errors onto their status and falling back to 500 for plain
// errors escaping a lower layer. Fatal errors (IntegrityViolation)
// still render to the caller; aborting the server task is the
// component's own responsibility, not this boundary's.
func renderErr(c echo.Context, err error) error {
	if terr, ok := err.(*terror.Error); ok {
		return c.JSON(statusFor(terr.Code()), map[string]any{
			"code":    terr.Code(),
			"message": terr.Render(false),
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
