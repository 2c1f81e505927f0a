package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k1networth/outputfeed/internal/output"
)

type RouterConfig struct {
	Outputs *output.Handler
	Live    http.Handler

	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Limiter  *RateLimiter

	// Ready reports whether the service can take traffic. Nil means always.
	Ready func() bool
}

func NewRouter(log *slog.Logger, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("# metrics disabled\n"))
		})
	}

	if cfg.Outputs != nil {
		mux.Handle("GET /api/outputs", WithRoute("/api/outputs", http.HandlerFunc(cfg.Outputs.ListOutputs)))

		var webhook http.Handler = http.HandlerFunc(cfg.Outputs.Webhook)
		if cfg.Limiter != nil {
			webhook = cfg.Limiter.Middleware(webhook)
		}
		mux.Handle("POST /api/webhook", WithRoute("/api/webhook", webhook))
	}

	if cfg.Live != nil {
		mux.Handle("GET /ws", cfg.Live)
	}

	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = cfg.Metrics.Middleware(h)
	}
	h = AccessLog(log)(h)
	h = RequestID(h)

	return h
}
