package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/paperdex/internal/provider"
	"github.com/kalambet/paperdex/internal/repo"
)

// ActiveCounter reports the number of in-flight download jobs.
type ActiveCounter interface {
	Active() int
}

type HealthDeps struct {
	Papers    *repo.Papers
	Cache     *repo.Cache
	Downloads ActiveCounter         // optional
	Providers []provider.Descriptor // optional
	Version   string
	Started   time.Time
}

// NewHealthHandler serves the operational endpoints. It is only mounted
// when an HTTP listen address is configured.
func NewHealthHandler(deps HealthDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/status", handleStatus(deps))

	return r
}

func handleHealth(deps HealthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"version":     deps.Version,
			"uptime_secs": int64(time.Since(deps.Started).Seconds()),
		})
	}
}

func handleStatus(deps HealthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"version":     deps.Version,
			"uptime_secs": int64(time.Since(deps.Started).Seconds()),
		}
		if deps.Papers != nil {
			status["papers"] = deps.Papers.Stats()
		}
		if deps.Cache != nil {
			status["cache"] = deps.Cache.Stats()
		}
		if deps.Downloads != nil {
			status["active_downloads"] = deps.Downloads.Active()
		}
		if len(deps.Providers) > 0 {
			status["providers"] = deps.Providers
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding status: %v", err)
		}
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
