package app

import (
	"net/http"

	"github.com/hgosansn/Deskling/cmd/internal/hub"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, cfg Config, gateway *hub.Gateway) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		// The hub has no external dependencies: ready once listening.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc(cfg.Path, gateway.HandleWS)

	// Everything else: websocket upgrades are closed with 1008
	// invalid_path, plain requests get 404.
	mux.HandleFunc("/", gateway.HandleInvalidPath)
}
