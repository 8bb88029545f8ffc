// File: cmd/lapcd/metrics_server.go
// Author: momentics <momentics@gmail.com>
//
// JSON exposition for --metrics-port: /healthz returns the §4.8
// health_status() structure, /metrics returns the Registry snapshot, and
// /debug (only when --debug is set) dumps the registered debug probes.
// No metrics-exposition library surfaced in the retrieved corpus, so this
// is plain net/http + encoding/json rather than a pulled-in dependency.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/momentics/lapc/control"
	"github.com/momentics/lapc/server"
)

func newMetricsServer(port int, registry *control.Registry, srv *server.Server, probes *control.DebugProbes, debug bool, cfg *control.Config) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry.Snapshot())
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ps := srv.Pool().HealthStatus()
		status := control.ComputeHealthStatus(control.PoolHealth{
			IsHealthy: ps.IsHealthy,
			OpenConns: ps.OpenConns,
			Issues:    ps.Issues,
		}, srv.QueueDepth(), srv.QueueCapacity())
		if !status.IsHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, status)
	})

	if debug {
		mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, probes.DumpState())
		})
		mux.HandleFunc("/debug/bundle", func(w http.ResponseWriter, r *http.Request) {
			bundle, err := control.BuildSupportBundle(cfg, registry.Snapshot())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/zstd")
			w.Header().Set("Content-Disposition", `attachment; filename="lapcd-support.zst"`)
			_, _ = w.Write(bundle)
		})
	}

	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
