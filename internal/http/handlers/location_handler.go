// README: Driver location report and nearby-driver query handlers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hail/internal/http/middleware"
	"hail/internal/modules/geo"
	"hail/internal/modules/location"
	"hail/internal/types"
)

type LocationHandler struct {
	ingest *location.Service
	index  geo.Index
}

func NewLocationHandler(ingest *location.Service, index geo.Index) *LocationHandler {
	return &LocationHandler{ingest: ingest, index: index}
}

type locationReportReq struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_m"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func (h *LocationHandler) Report(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	// Only the authenticated driver may report their own position.
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}

	var req locationReportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	err := h.ingest.Report(c.Request.Context(), location.Report{
		DriverID:       types.ID(id),
		Position:       types.Point{Lat: req.Lat, Lng: req.Lng},
		AccuracyMeters: req.AccuracyMeters,
		RecordedAt:     req.RecordedAt,
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type nearbyDriverView struct {
	DriverID       types.ID `json:"driver_id"`
	DistanceMeters float64  `json:"distance_m"`
}

func (h *LocationHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 2000.0
	if v := c.Query("radius_m"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			radius = r
		}
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	found, err := h.index.Nearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		writeTripError(c, err)
		return
	}
	views := make([]nearbyDriverView, len(found))
	for i, d := range found {
		views[i] = nearbyDriverView{DriverID: d.DriverID, DistanceMeters: d.DistanceMeters}
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": views})
}
