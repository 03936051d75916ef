package moveit_sim

import (
	"context"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Monitor keeps rolling session stats and reports them periodically.
type Monitor struct {
	sync.Mutex
	flushDur   *movingaverage.MovingAverage
	ikDur      *movingaverage.MovingAverage
	pullDur    *movingaverage.MovingAverage
	flushes    int
	ikRequests int
	pulls      int
	lastReport time.Time
	logger     logging.Logger
}

// MonitorStats is a point-in-time snapshot of the monitor.
type MonitorStats struct {
	FlushesPerSec float64 `json:"flushes_per_sec"`
	IKPerSec      float64 `json:"ik_per_sec"`
	PullsPerSec   float64 `json:"pulls_per_sec"`
	FlushMs       float64 `json:"flush_ms"`
	IKMs          float64 `json:"ik_ms"`
	PullMs        float64 `json:"pull_ms"`
}

func NewMonitor(logger logging.Logger) *Monitor {
	return &Monitor{
		flushDur:   movingaverage.New(5),
		ikDur:      movingaverage.New(5),
		pullDur:    movingaverage.New(5),
		lastReport: time.Now(),
		logger:     logger,
	}
}

func (m *Monitor) FlushSent(dur time.Duration) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	m.flushes++
	m.flushDur.Add(millis(dur))
}

func (m *Monitor) IKSolved(dur time.Duration) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	m.ikRequests++
	m.ikDur.Add(millis(dur))
}

func (m *Monitor) Pulled(dur time.Duration) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	m.pulls++
	m.pullDur.Add(millis(dur))
}

// Stats returns rates since the last report together with rolling durations.
func (m *Monitor) Stats() MonitorStats {
	m.Lock()
	defer m.Unlock()
	return m.statsLocked(time.Since(m.lastReport))
}

func (m *Monitor) statsLocked(elapsed time.Duration) MonitorStats {
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return MonitorStats{
		FlushesPerSec: float64(m.flushes) / secs,
		IKPerSec:      float64(m.ikRequests) / secs,
		PullsPerSec:   float64(m.pulls) / secs,
		FlushMs:       m.flushDur.Avg(),
		IKMs:          m.ikDur.Avg(),
		PullMs:        m.pullDur.Avg(),
	}
}

// Run logs a report every period until ctx is done.
func (m *Monitor) Run(ctx context.Context, period time.Duration) error {
	for utils.SelectContextOrWait(ctx, period) {
		m.Lock()
		now := time.Now()
		s := m.statsLocked(now.Sub(m.lastReport))
		m.flushes, m.ikRequests, m.pulls = 0, 0, 0
		m.lastReport = now
		m.Unlock()

		m.logger.Debugf("scene flushes/s %.2f (%.2f ms), IK/s %.2f (%.2f ms), pulls/s %.2f (%.2f ms)",
			s.FlushesPerSec, s.FlushMs, s.IKPerSec, s.IKMs, s.PullsPerSec, s.PullMs)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d/time.Microsecond) / 1000.0
}
