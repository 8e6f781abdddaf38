package metrics

import (
	"context"
	"fmt"
	"net/http"
	http_pprof "net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging/fields"
	"github.com/ssvlabs/keymanager/storage/basedb"
)

// Handler handles incoming metrics requests
type Handler interface {
	// Start starts an http server, listening to /metrics requests
	Start(logger *zap.Logger, mux *http.ServeMux, addr string) error
}

type metricsHandler struct {
	ctx           context.Context
	db            basedb.Database
	enableProf    bool
	healthChecker HealthChecker
}

// NewMetricsHandler returns a new metrics handler.
func NewMetricsHandler(ctx context.Context, db basedb.Database, enableProf bool, healthChecker HealthChecker) Handler {
	if healthChecker == nil {
		healthChecker = &databaseHealthChecker{db: db}
	}
	mh := metricsHandler{
		ctx:           ctx,
		db:            db,
		enableProf:    enableProf,
		healthChecker: healthChecker,
	}
	return &mh
}

func (mh *metricsHandler) Start(logger *zap.Logger, mux *http.ServeMux, addr string) error {
	logger.Info("setup collection", fields.Address(addr), zap.Bool("enableProf", mh.enableProf))

	if mh.enableProf {
		mh.configureProfiling()
		// adding pprof routes manually on an own HTTPMux to avoid lint issue:
		// `G108: Profiling endpoint is automatically exposed on /debug/pprof (gosec)`
		mux.HandleFunc("/debug/pprof/", http_pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", http_pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", http_pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", http_pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", http_pprof.Trace)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := mh.healthChecker.IsHealthy(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, err := fmt.Fprintf(w, `{"error": %q}`, err.Error()); err != nil {
				logger.Error("could not write health response", zap.Error(err))
			}
			return
		}
		if _, err := fmt.Fprint(w, `{"status": "OK"}`); err != nil {
			logger.Error("could not write health response", zap.Error(err))
		}
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}

func (mh *metricsHandler) configureProfiling() {
	runtime.SetBlockProfileRate(10000)
	runtime.SetMutexProfileFraction(5)
}
