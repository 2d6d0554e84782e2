package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerHTTP wires the server routes.
//
// ready is a backend connectivity probe (nil when the backend has nothing to
// probe, e.g. the in-memory store). durable reports whether a durable backend
// is configured at all.
func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	ready func(ctx context.Context) error,
	durable bool,
	ws http.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireStore && !durable {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}

		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := ready(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/ws", ws)
}
