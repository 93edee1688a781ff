package edge

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// UpstreamMonitor periodically checks that the upstream accepts TCP
// connections. It only reports: routing never depends on its result.
type UpstreamMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	bk       *expBackoff
	up       prometheus.Gauge
	log      *zap.Logger
}

func newUpstreamMonitor(addr string, interval, timeout time.Duration, up prometheus.Gauge, log *zap.Logger) *UpstreamMonitor {
	return &UpstreamMonitor{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		bk:       newForeverBackoff(interval),
		up:       up,
		log:      log,
	}
}

// Run probes the upstream until ctx is done. After a failed probe the next
// one is delayed with exponential backoff capped at the probe interval.
func (m *UpstreamMonitor) Run(ctx context.Context) {
	var reachable *bool

	for {
		err := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}

		ok := err == nil
		if reachable == nil || *reachable != ok {
			if ok {
				m.log.Info("upstream reachable", zap.String("address", m.addr))
			} else {
				m.log.Warn("upstream unreachable", zap.String("address", m.addr), zap.Error(err))
			}
		}
		reachable = &ok

		var wait time.Duration
		if ok {
			m.up.Set(1)
			m.bk.Reset()
			wait = m.interval
		} else {
			m.up.Set(0)
			wait = m.bk.NextBackOff()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *UpstreamMonitor) probe(ctx context.Context) error {
	d := net.Dialer{Timeout: m.timeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
