package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonchat_relay_frames_total",
			Help: "Frames exchanged with the relay, by direction and frame type.",
		},
		[]string{"direction", "type"},
	)
	relayReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "annonchat_relay_reconnects_total",
			Help: "Scheduled relay reconnection attempts.",
		},
	)
	relayState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "annonchat_relay_state",
			Help: "Current relay connection state (0 disconnected, 1 connecting, 2 open, 3 closed, 4 reconnect wait).",
		},
	)
	decryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonchat_decrypt_failures_total",
			Help: "Inbound payloads that could not be decrypted.",
		},
		[]string{"part"},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonchat_sends_total",
			Help: "Outgoing messages by result.",
		},
		[]string{"result"},
	)
	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonchat_store_errors_total",
			Help: "Swallowed local store failures by operation.",
		},
		[]string{"op"},
	)
	uiConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "annonchat_ui_connections",
			Help: "Connected UI event streams.",
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonchat_http_requests_total",
			Help: "Bridge API requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annonchat_http_request_duration_seconds",
			Help:    "Bridge API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		relayFramesTotal,
		relayReconnectsTotal,
		relayState,
		decryptFailuresTotal,
		sendsTotal,
		storeErrorsTotal,
		uiConnections,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware считает запросы по маршрутам; шаблон маршрута берётся из chi.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func IncFrameIn(frameType string) {
	relayFramesTotal.WithLabelValues("in", frameType).Inc()
}

func IncFrameOut(frameType string) {
	relayFramesTotal.WithLabelValues("out", frameType).Inc()
}

func IncReconnect() {
	relayReconnectsTotal.Inc()
}

func SetRelayState(state int) {
	relayState.Set(float64(state))
}

func IncDecryptFailure(part string) {
	decryptFailuresTotal.WithLabelValues(part).Inc()
}

func IncSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

func IncStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}

func IncUIConnections() {
	uiConnections.Inc()
}

func DecUIConnections() {
	uiConnections.Dec()
}
