// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hail/internal/modules/dispatch"
	"hail/internal/modules/geo"
	"hail/internal/modules/location"
	"hail/internal/modules/trip"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeTripError maps the recoverable error kinds to their API status codes.
// Cancellation policy violations are the one endpoint-specific deviation and
// are mapped in the cancel handler before this runs.
func writeTripError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest), errors.Is(err, location.ErrBadReport):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotParty):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrRiderActive),
		errors.Is(err, trip.ErrDriverActive),
		errors.Is(err, trip.ErrStaleTransition),
		errors.Is(err, trip.ErrIllegalTransition),
		errors.Is(err, geo.ErrStaleReport):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, location.ErrImplausibleMovement):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "service unavailable, retry")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
