package metrics

import (
	"net/http"

	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uag"

// Registry is the view of the user agent registry the gauges read.
type Registry interface {
	List() []*ua.UserAgent
}

// Collector counts User-Agent events and exports the state of the
// registry. It is subscribed to the registry as an event handler.
type Collector struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	calls  *prometheus.CounterVec
}

var _ ua.EventHandler = (*Collector)(nil)

func New(uag Registry) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		reg: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "User agent events by kind",
		}, []string{"event"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_closed_total",
			Help:      "Closed calls by user agent",
		}, []string{"aor"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "user_agents",
		Help:      "Number of user agents in the registry",
	}, func() float64 {
		return float64(len(uag.List()))
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "user_agents_registered",
		Help:      "Number of user agents with a successful registration",
	}, func() float64 {
		n := 0
		for _, u := range uag.List() {
			if u.IsRegistered() {
				n++
			}
		}
		return float64(n)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of calls owned by user agents",
	}, func() float64 {
		n := 0
		for _, u := range uag.List() {
			n += u.CallCount()
		}
		return float64(n)
	})

	// pre-create the series so every event kind is exported from the start
	for _, ev := range ua.EventKinds() {
		c.events.WithLabelValues(ev.String())
	}
	return c
}

func (c *Collector) HandleEvent(u *ua.UserAgent, ev ua.EventKind, _ ua.Call, _ string) {
	c.events.WithLabelValues(ev.String()).Inc()
	if ev == ua.EventCallClosed && u != nil {
		c.calls.WithLabelValues(u.AOR()).Inc()
	}
}

// Handler serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.reg
}
