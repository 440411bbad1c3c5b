package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/memeline/memeline-backend/api/responses"
	"github.com/memeline/memeline-backend/pkg/config"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
)

// Pinger is the readiness surface every downstream client exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyCheckTimeout = 5 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Memeline-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady checks every downstream the API depends on. A single failing
// dependency fails the probe.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP, redisP, gcsP, pubsubP Pinger) http.HandlerFunc {
	checks := []struct {
		name string
		dep  Pinger
	}{
		{"database", dbP},
		{"redis", redisP},
		{"gcs", gcsP},
		{"pubsub", pubsubP},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Memeline-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		status := map[string]string{}
		for _, check := range checks {
			if check.dep == nil {
				status[check.name] = "skipped"
				continue
			}
			if err := check.dep.Ping(ctx); err != nil {
				status[check.name] = "down"
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, check.name+" unavailable").WithDetails(status)
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			status[check.name] = "up"
		}

		status["status"] = "ready"
		responses.WriteSuccess(w, status)
	}
}
