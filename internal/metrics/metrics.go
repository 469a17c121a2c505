// Package metrics exports resource lifecycle events to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srg/ocfd/internal/resource"
)

const namespace = "ocfd"

// Collector implements resource.Metrics on a private registry, so several
// servers in one process (tests) never collide on registration.
type Collector struct {
	registry  *prometheus.Registry
	ticks     *prometheus.CounterVec
	pushes    *prometheus.CounterVec
	updates   *prometheus.CounterVec
	requests  *prometheus.CounterVec
	observers *prometheus.GaugeVec
	armed     *prometheus.GaugeVec
}

var _ resource.Metrics = (*Collector)(nil)

// New registers the ocfd metrics plus the Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks processed per resource.",
		}, []string{"resource"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Notification pushes per resource and outcome.",
		}, []string{"resource", "outcome"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Update requests per resource, split by acceptance.",
		}, []string{"resource", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests per transport and request type.",
		}, []string{"transport", "type"}),
		observers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Current observer count per resource.",
		}, []string{"resource"}),
		armed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_armed",
			Help:      "1 while the resource's notification timer is armed.",
		}, []string{"resource"}),
	}

	c.registry.MustRegister(
		c.ticks, c.pushes, c.updates, c.requests, c.observers, c.armed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Tick(path string) {
	c.ticks.WithLabelValues(path).Inc()
}

func (c *Collector) Pushed(path, outcome string) {
	c.pushes.WithLabelValues(path, outcome).Inc()
}

func (c *Collector) Observers(path string, count int) {
	c.observers.WithLabelValues(path).Set(float64(count))
}

func (c *Collector) Armed(path string, armed bool) {
	v := 0.0
	if armed {
		v = 1
	}
	c.armed.WithLabelValues(path).Set(v)
}

func (c *Collector) Updated(path string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.updates.WithLabelValues(path, result).Inc()
}

// Request counts one inbound request on a transport.
func (c *Collector) Request(transport string, t resource.RequestType) {
	c.requests.WithLabelValues(transport, t.String()).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RequestCounter is the subset of Collector transports use. A nil
// RequestCounter is valid and counts nothing.
type RequestCounter interface {
	Request(transport string, t resource.RequestType)
}

// Count records a request when rc is non-nil.
func Count(rc RequestCounter, transport string, t resource.RequestType) {
	if rc != nil {
		rc.Request(transport, t)
	}
}
