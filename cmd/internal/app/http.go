package app

import (
	"net/http"
	"time"

	"gearhub/cmd/internal/auth/session"
)

// routes builds the full mux: probes, metrics, control API, realtime gateway
// and, when enabled, the dev notify hook.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		switch a.sessions.State().Phase {
		case session.PhaseUninitialized, session.PhaseRestoring:
			http.Error(w, "session restoring", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	a.control.Register(mux)
	mux.Handle("GET /v1/realtime", a.gateway)

	if a.cfg.DevNotify && a.sourceHub != nil {
		mux.Handle("POST /v1/dev/notify", a.control.Guard(devNotifyHandler(a.log, a.sourceHub, a.push)))
	}
	return mux
}

// Handler returns the root handler with middleware applied.
func (a *App) Handler() http.Handler {
	var h http.Handler = a.routes()
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}
