// Package metrics exports session lifecycle counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liuproxy_fleet/internal/session"
	"liuproxy_fleet/internal/shared"
	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/proxypool/model"
)

const namespace = "fleet"

// Collector implements session.Observer and owns its own Prometheus registry.
type Collector struct {
	registry   *prometheus.Registry
	sessions   *prometheus.GaugeVec
	messages   *prometheus.CounterVec
	closed     *prometheus.CounterVec
	candidates prometheus.Gauge
}

var _ session.Observer = (*Collector)(nil)

// New creates a collector with the Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently in each lifecycle state.",
		}, []string{"state"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound protocol messages handled, by action.",
		}, []string{"action"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions that ended, by outcome (retired or stopped).",
		}, []string{"outcome"}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_candidates",
			Help:      "Proxies selected at startup after merge and ignore filtering.",
		}),
	}
	c.registry.MustRegister(
		c.sessions,
		c.messages,
		c.closed,
		c.candidates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) StateChanged(_ model.Endpoint, from, to session.State) {
	if from != session.StateIdle {
		c.sessions.WithLabelValues(from.String()).Dec()
	}
	c.sessions.WithLabelValues(to.String()).Inc()
}

func (c *Collector) MessageHandled(_ model.Endpoint, action string) {
	switch action {
	case session.ActionAuth, session.ActionPong:
	default:
		// 未知 action 合并到一个标签里，避免标签基数失控。
		action = "other"
	}
	c.messages.WithLabelValues(action).Inc()
}

func (c *Collector) SessionClosed(_ model.Endpoint, _ error, retired bool) {
	outcome := "stopped"
	if retired {
		outcome = "retired"
	}
	c.closed.WithLabelValues(outcome).Inc()
}

// SetCandidates records how many proxies the pool started with.
func (c *Collector) SetCandidates(n int) {
	c.candidates.Set(float64(n))
}

// WatchTraffic exports the meter's byte totals as counters.
func (c *Collector) WatchTraffic(m *shared.TrafficMeter) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_sent_bytes_total",
			Help:      "Bytes written to the remote service through the proxies.",
		}, func() float64 { return float64(m.Sent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_received_bytes_total",
			Help:      "Bytes read from the remote service through the proxies.",
		}, func() float64 { return float64(m.Received()) }),
	)
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	l := logger.WithComponent("Metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l.Info().Str("addr", addr).Msg("Metrics listener started.")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
