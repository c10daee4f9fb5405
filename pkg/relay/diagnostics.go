package relay

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics are the relay's minimal bookkeeping counters: enough for the
// diagnostics endpoint and the periodic stats log, nothing about payload
// content.
type Metrics struct {
	connections  atomic.Int64
	totalConns   atomic.Int64
	relayed      atomic.Int64
	rejected     atomic.Int64
	throttled    atomic.Int64
	iceRestarts  atomic.Int64
	startedAt    time.Time
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) ConnOpened() {
	m.connections.Add(1)
	m.totalConns.Add(1)
}
func (m *Metrics) ConnClosed() { m.connections.Add(-1) }
func (m *Metrics) Relayed()    { m.relayed.Add(1) }
func (m *Metrics) Rejected()   { m.rejected.Add(1) }
func (m *Metrics) Throttled()  { m.throttled.Add(1) }
func (m *Metrics) ICERestart() { m.iceRestarts.Add(1) }

// Diagnostics is the payload of the gated diagnostics endpoint.
type Diagnostics struct {
	Stats            Stats  `json:"rooms"`
	OpenConnections  int64  `json:"openConnections"`
	TotalConnections int64  `json:"totalConnections"`
	MessagesRelayed  int64  `json:"messagesRelayed"`
	MessagesRejected int64  `json:"messagesRejected"`
	MessagesDropped  int64  `json:"messagesThrottled"`
	ICERestarts      int64  `json:"iceRestarts"`
	RateCounters     int    `json:"rateCounters"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
}

// Collect snapshots everything the diagnostics endpoint reports.
func (m *Metrics) Collect(reg *Registry, lim *Limiter) Diagnostics {
	return Diagnostics{
		Stats:            reg.Snapshot(),
		OpenConnections:  m.connections.Load(),
		TotalConnections: m.totalConns.Load(),
		MessagesRelayed:  m.relayed.Load(),
		MessagesRejected: m.rejected.Load(),
		MessagesDropped:  m.throttled.Load(),
		ICERestarts:      m.iceRestarts.Load(),
		RateCounters:     lim.CounterCount(),
		UptimeSeconds:    int64(time.Since(m.startedAt).Seconds()),
	}
}

// SweepInterval is the cadence of the two background sweeps.
const SweepInterval = time.Minute

// RunSweeps runs the limiter GC and the stale-room statistics log until
// stop is closed. Both sweeps only read or delete; room membership is never
// mutated here.
func RunSweeps(stop <-chan struct{}, reg *Registry, lim *Limiter, m *Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed := lim.Sweep()
			stats := reg.Snapshot()
			log.WithFields(logrus.Fields{
				"rooms":           stats.Rooms,
				"connections":     stats.Connections,
				"activeTransfers": stats.ActiveTransfers,
				"iceRestarts":     stats.ICERestarts,
				"longDistance":    stats.LongDistance,
				"countersRemoved": removed,
				"relayed":         m.relayed.Load(),
			}).Info("relay sweep")
		}
	}
}
