package edge

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests    *prometheus.CounterVec
	upgrades    *prometheus.CounterVec
	tunnels     prometheus.Gauge
	tunnelBytes *prometheus.CounterVec
	upstreamUp  prometheus.Gauge
}

// newMetrics creates the listener's collectors and registers them on reg
// unless reg is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_requests_total",
				Help: "Total number of handled requests by route action and status code",
			},
			[]string{"action", "code"},
		),
		upgrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_upgrades_total",
				Help: "Total number of protocol upgrades completed with the upstream",
			},
			[]string{"protocol"},
		),
		tunnels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgeproxy_upgraded_connections",
				Help: "Number of upgraded connections currently relayed",
			},
		),
		tunnelBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_tunnel_bytes_total",
				Help: "Total number of bytes relayed over upgraded connections",
			},
			[]string{"direction"},
		),
		upstreamUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgeproxy_upstream_up",
				Help: "Whether the last upstream probe succeeded",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.upgrades, m.tunnels, m.tunnelBytes, m.upstreamUp)
	}

	return m
}

func (m *metrics) observeRequest(action string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	m.requests.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

func (m *metrics) observeTunnel(r *http.Request, up, down int64) {
	m.upgrades.WithLabelValues(upgradeProtocol(r)).Inc()
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(up))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(down))
}

func upgradeProtocol(r *http.Request) string {
	if websocket.IsWebSocketUpgrade(r) {
		return "websocket"
	}
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Upgrade")))
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack records the connection as switched before handing it over.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
