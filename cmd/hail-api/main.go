// README: Entry point; loads config, wires services, starts the HTTP server
// and the dispatch engine.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hail/internal/config"
	httptransport "hail/internal/http"
	"hail/internal/infra"
	"hail/internal/modules/dispatch"
	"hail/internal/modules/geo"
	"hail/internal/modules/location"
	"hail/internal/modules/notify"
	"hail/internal/modules/trip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("HAIL_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	var index geo.Index
	var offers dispatch.OfferLog
	switch cfg.Geo.Backend {
	case "redis":
		redisClient := infra.NewRedis(cfg.Redis.Addr)
		index = geo.NewRedisIndex(redisClient)
		offers = dispatch.NewRedisOfferLog(redisClient)
	default:
		index = geo.NewMemoryIndex(cfg.Geo.Precision)
		offers = dispatch.NewMemOfferLog()
	}

	trips := trip.NewService(trip.NewPGStore(dbPool))
	router := notify.NewRouter()
	engine := dispatch.NewEngine(trips, index, router, offers, cfg.Dispatch)
	engine.Start(ctx)
	ingest := location.NewService(index, cfg.Ingest.MaxSpeedKmh)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Engine:   engine,
		Trips:    trips,
		Ingest:   ingest,
		Index:    index,
		Router:   router,
		Verifier: verifier,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("hail-api listening on %s (geo backend: %s)", cfg.HTTP.Addr, cfg.Geo.Backend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
