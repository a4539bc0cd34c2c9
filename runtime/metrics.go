package runtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds the Prometheus collectors a Process updates as it polls
// the core; Serve exposes them on /metrics exactly as
// sptp/stats.PrometheusExporter does for PTP counters.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived   prometheus.Counter
	PacketsDropped    *prometheus.CounterVec
	PacketsForwarded  *prometheus.CounterVec
	PacketsOriginated prometheus.Counter
	LocationTableSize prometheus.Gauge
	CBFPending        prometheus.Gauge
	DENMEventsActive  prometheus.Gauge
	DENMEventsSent    prometheus.Counter
}

// NewMetrics constructs and registers every collector against a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veloce_gn_packets_received_total",
			Help: "GeoNetworking packets received from the link driver.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veloce_gn_packets_dropped_total",
			Help: "GeoNetworking packets dropped, labeled by reason.",
		}, []string{"reason"}),
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veloce_gn_packets_forwarded_total",
			Help: "GeoNetworking packets forwarded, labeled by transport kind.",
		}, []string{"transport"}),
		PacketsOriginated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veloce_gn_packets_originated_total",
			Help: "GeoNetworking packets originated locally.",
		}),
		LocationTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veloce_gn_location_table_entries",
			Help: "Current number of entries in the location table.",
		}),
		CBFPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veloce_gn_cbf_pending",
			Help: "Number of packets currently armed in the contention-based forwarding buffer.",
		}),
		DENMEventsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veloce_denm_events_active",
			Help: "Current number of live DENM event records (origin + received).",
		}),
		DENMEventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veloce_denm_events_sent_total",
			Help: "DENM messages originated, including retransmissions.",
		}),
	}
	m.registry.MustRegister(
		m.PacketsReceived,
		m.PacketsDropped,
		m.PacketsForwarded,
		m.PacketsOriginated,
		m.LocationTableSize,
		m.CBFPending,
		m.DENMEventsActive,
		m.DENMEventsSent,
	)
	return m
}

// Serve runs the Prometheus HTTP exporter until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listenAddr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("runtime: metrics exporter listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("runtime: metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
