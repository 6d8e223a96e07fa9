// Package metrics holds the server's prometheus collectors.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	OpenRooms      prometheus.Gauge
	Events         *prometheus.CounterVec
	RateLimited    prometheus.Counter
	MessagesStored prometheus.Counter
	AuthRejections *prometheus.CounterVec
	UploadedBytes  prometheus.Counter
}

// New registers every collector on a fresh registry, so tests can build
// as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "militext", Name: "ws_connections",
			Help: "Live websocket connections.",
		}),
		OpenRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "militext", Name: "ws_open_rooms",
			Help: "Rooms with at least one joined connection.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "militext", Name: "ws_events_total",
			Help: "Inbound websocket events by name.",
		}, []string{"event"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "militext", Name: "ws_rate_limited_total",
			Help: "Inbound events dropped by the per-socket limiter.",
		}),
		MessagesStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: "militext", Name: "messages_stored_total",
			Help: "Messages persisted.",
		}),
		AuthRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "militext", Name: "auth_rejections_total",
			Help: "Requests rejected by the auth middleware by code.",
		}, []string{"code"}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "militext", Name: "uploaded_bytes_total",
			Help: "Bytes of attachments stored.",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}
