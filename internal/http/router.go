// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hail/internal/http/handlers"
	"hail/internal/http/middleware"
	"hail/internal/infra"
	"hail/internal/modules/dispatch"
	"hail/internal/modules/geo"
	"hail/internal/modules/location"
	"hail/internal/modules/notify"
	"hail/internal/modules/trip"
)

type RouterDeps struct {
	Engine   *dispatch.Engine
	Trips    *trip.Service
	Ingest   *location.Service
	Index    geo.Index
	Router   *notify.Router
	Verifier infra.TokenVerifier
}

func NewRouter(deps RouterDeps) http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	tripHandler := handlers.NewTripHandler(deps.Engine, deps.Trips)
	api.POST("/trips", tripHandler.Create)
	api.GET("/trips/:id", tripHandler.Get)
	api.POST("/trips/:id/accept", tripHandler.Accept)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)
	api.POST("/trips/:id/advance", tripHandler.Advance)

	locationHandler := handlers.NewLocationHandler(deps.Ingest, deps.Index)
	api.POST("/drivers/:id/location", locationHandler.Report)
	api.GET("/nearby-drivers", locationHandler.Nearby)

	streamHandler := handlers.NewStreamHandler(deps.Router, deps.Trips)
	api.GET("/trips/:id/events", streamHandler.TripEvents)
	api.GET("/drivers/:id/offers", streamHandler.DriverOffers)

	return r
}
