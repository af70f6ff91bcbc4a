// README: Smoke-check cases: API liveness, auth enforcement, schema, Redis GEO.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type Check struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	checks := []Check{
		{"api: health endpoint", checkHealth},
		{"api: unauthenticated request rejected", checkAuthEnforced},
		{"api: health under load", checkHealthLoad},
		{"db: trips schema present", checkTripSchema},
		{"db: no trips stuck in terminal-with-version-0", checkTripRows},
		{"redis: geo round-trip", checkRedisGeo},
	}

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		res := c.Run(ctx, r)
		res.Name = c.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, c.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func checkHealth(ctx context.Context, r *Runner) Result {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Status: "FAIL", Note: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func checkAuthEnforced(ctx context.Context, r *Runner) Result {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/api/nearby-drivers?lat=0&lng=0", nil)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return Result{Status: "FAIL", Note: fmt.Sprintf("expected 401, got %d", resp.StatusCode)}
	}
	return Result{Status: "PASS"}
}

func checkHealthLoad(ctx context.Context, r *Runner) Result {
	start := time.Now()
	total := r.cfg.Requests
	workers := r.cfg.Concurrency
	if workers > total {
		workers = total
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	jobs := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
				resp, err := r.httpc.Do(req)
				if err != nil || resp.StatusCode != http.StatusOK {
					mu.Lock()
					failures++
					mu.Unlock()
				}
				if resp != nil {
					resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	if failures > 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("%d/%d requests failed", failures, total)}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: fmt.Sprintf("%d requests, %d workers", total, workers)}
}

func checkTripSchema(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "no DSN"}
	}
	for _, table := range []string{"trips", "trip_state_events"} {
		var one int
		q := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", table)
		if err := r.db.QueryRow(ctx, q).Scan(&one); err != nil && err.Error() != "no rows in result set" {
			return Result{Status: "FAIL", Note: fmt.Sprintf("%s: %v", table, err)}
		}
	}
	return Result{Status: "PASS"}
}

// checkTripRows flags rows that violate the version/state relationship: every
// transition bumps the version, so a terminal trip cannot still be at 0.
func checkTripRows(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "no DSN"}
	}
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM trips WHERE state IN ('completed','cancelled') AND version = 0").Scan(&n)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if n > 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("%d inconsistent rows", n)}
	}
	return Result{Status: "PASS"}
}

func checkRedisGeo(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "no Redis address"}
	}
	key := "hail:bench:geo"
	defer r.redis.Del(ctx, key)

	if err := r.redis.GeoAdd(ctx, key, &redis.GeoLocation{
		Name: "probe", Longitude: 121.565, Latitude: 25.033,
	}).Err(); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	found, err := r.redis.GeoSearch(ctx, key, &redis.GeoSearchQuery{
		Longitude: 121.565, Latitude: 25.033, Radius: 100, RadiusUnit: "m",
	}).Result()
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if len(found) != 1 || found[0] != "probe" {
		return Result{Status: "FAIL", Note: "probe member not found"}
	}
	return Result{Status: "PASS"}
}
