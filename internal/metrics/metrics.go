// Package metrics exports queue activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"syncq/internal/job"
)

const namespace = "syncq"

// Registry implements queue.Metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	jobs    *prometheus.CounterVec
	pending *prometheus.GaugeVec
	running *prometheus.GaugeVec
	network prometheus.Gauge
	purges  prometheus.Counter
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job lifecycle transitions by job type and outcome.",
		}, []string{"type", "outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Descriptors waiting to run.",
		}, []string{"type"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_running",
			Help:      "Descriptors currently executing.",
		}, []string{"type"}),
		network: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_class",
			Help:      "Current connectivity class (0 none, 1 cellular, 2 wifi).",
		}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_purges_total",
			Help:      "Logout purges performed.",
		}),
	}
	r.reg.MustRegister(
		r.jobs, r.pending, r.running, r.network, r.purges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RegisterGaugeFunc exposes a value computed at scrape time.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) inc(t job.Type, outcome string) {
	r.jobs.WithLabelValues(string(t), outcome).Inc()
}

func (r *Registry) Submitted(t job.Type)  { r.inc(t, "submitted") }
func (r *Registry) Superseded(t job.Type) { r.inc(t, "superseded") }
func (r *Registry) Succeeded(t job.Type)  { r.inc(t, "succeeded") }
func (r *Registry) Retried(t job.Type)    { r.inc(t, "retried") }
func (r *Registry) Failed(t job.Type)     { r.inc(t, "failed") }
func (r *Registry) Discarded(t job.Type)  { r.inc(t, "discarded") }

func (r *Registry) Depth(t job.Type, pending, running int) {
	r.pending.WithLabelValues(string(t)).Set(float64(pending))
	r.running.WithLabelValues(string(t)).Set(float64(running))
}

func (r *Registry) SetNetworkClass(class int) { r.network.Set(float64(class)) }

func (r *Registry) Purged() { r.purges.Inc() }
