// Command hls2dvb runs the HLS-to-DVB multicast gateway: it loads a YAML
// stream configuration, starts one pipeline per enabled stream, and exposes
// a minimal control-plane HTTP server (/metrics, /streams) for the
// out-of-scope collaborator that would otherwise own those endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hls2dvb/gateway/internal/alerts"
	"github.com/hls2dvb/gateway/internal/config"
	"github.com/hls2dvb/gateway/internal/manager"
	"github.com/hls2dvb/gateway/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway's YAML configuration")
	alertCapacity := flag.Int("alert-buffer", 500, "number of alerts retained in memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("hls2dvb: %v", err)
	}

	sink := alerts.NewMemory(*alertCapacity)
	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	mgr := manager.New(sink, collectors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if errs := mgr.Start(ctx, cfg.Streams); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("hls2dvb: startup: %v", e)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: controlPlaneMux(reg, mgr, sink)}
	go func() {
		log.Printf("hls2dvb: control plane listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("hls2dvb: control plane: %v", err)
		}
	}()

	go pruneAlerts(ctx, sink, cfg.Alerts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Print("hls2dvb: shutting down")

	mgr.Stop()
	_ = srv.Close()
}

// pruneAlerts periodically drops resolved alerts past their configured
// per-severity retention window, per spec.md §6. A no-op if sink isn't the
// in-memory implementation (e.g. a test double with no retention to enforce).
func pruneAlerts(ctx context.Context, sink alerts.Sink, cfg config.AlertsConfig) {
	mem, ok := sink.(*alerts.Memory)
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem.Prune(time.Now(), cfg.RetentionFor)
		}
	}
}

// controlPlaneMux wires the handlers spec.md §1 places out of scope for the
// core (statistics endpoints, persistence API) but that SPEC_FULL.md's
// ambient stack still needs a minimal stand-in for: Prometheus exposition
// plus a read-only JSON view of the stream registry.
func controlPlaneMux(reg *prometheus.Registry, mgr *manager.Manager, sink alerts.Sink) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.ListStreams())
	})
	mux.HandleFunc("/streams/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/streams/"):]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		view, ok := mgr.GetStream(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, view)
	})
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		if m, ok := sink.(*alerts.Memory); ok {
			writeJSON(w, m.Snapshot())
			return
		}
		writeJSON(w, []alerts.Alert{})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("hls2dvb: encode response: %v", err)
	}
}
