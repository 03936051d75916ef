package moveit_sim

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for a session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	SceneFlushes      *prometheus.CounterVec
	SceneFlushSeconds prometheus.Histogram
	SceneObjects      *prometheus.GaugeVec
	ScenePulls        *prometheus.CounterVec
	IKRequests        *prometheus.CounterVec
	Trajectories      *prometheus.CounterVec
	MirrorRate        *prometheus.GaugeVec
	SessionResets     prometheus.Counter
}

// NewMetrics registers collectors against reg, defaulting to the global
// registry when nil. Re-registration returns the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	flushes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_flushes_total",
		Help: "Outbound planning scene diffs, labeled by result.",
	}, []string{"result"}), "scene_flushes_total")
	if err != nil {
		return nil, err
	}
	flushSeconds, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_flush_duration_seconds",
		Help:    "Round trip of an apply planning scene call.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "scene_flush_duration_seconds")
	if err != nil {
		return nil, err
	}
	objects, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scene_objects",
		Help: "Registered collision objects, labeled by authority.",
	}, []string{"authority"}), "scene_objects")
	if err != nil {
		return nil, err
	}
	pulls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_pulls_total",
		Help: "Remote planning scene pulls, labeled by result.",
	}, []string{"result"}), "scene_pulls_total")
	if err != nil {
		return nil, err
	}
	ik, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ik_requests_total",
		Help: "IK solves, labeled by group and outcome.",
	}, []string{"group", "outcome"}), "ik_requests_total")
	if err != nil {
		return nil, err
	}
	trajectories, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trajectory_outcomes_total",
		Help: "Terminal trajectory statuses, labeled by group and status.",
	}, []string{"group", "status"}), "trajectory_outcomes_total")
	if err != nil {
		return nil, err
	}
	rate, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "joint_mirror_rate_hz",
		Help: "Estimated joint state update rate.",
	}, []string{"mirror"}), "joint_mirror_rate_hz")
	if err != nil {
		return nil, err
	}
	resets, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_resets_total",
		Help: "Sessions torn down after losing the planning service connection.",
	}), "session_resets_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:          gatherer,
		SceneFlushes:      flushes,
		SceneFlushSeconds: flushSeconds,
		SceneObjects:      objects,
		ScenePulls:        pulls,
		IKRequests:        ik,
		Trajectories:      trajectories,
		MirrorRate:        rate,
		SessionResets:     resets,
	}, nil
}

// Handler exposes a /metrics handler for the collectors' registry.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) flushed(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.SceneFlushes.WithLabelValues(result).Inc()
	if dur > 0 {
		m.SceneFlushSeconds.Observe(dur.Seconds())
	}
}

func (m *Metrics) pulled(result string) {
	if m == nil {
		return
	}
	m.ScenePulls.WithLabelValues(result).Inc()
}

func (m *Metrics) objectCounts(local, remote int) {
	if m == nil {
		return
	}
	m.SceneObjects.WithLabelValues(AuthorityLocal.String()).Set(float64(local))
	m.SceneObjects.WithLabelValues(AuthorityRemote.String()).Set(float64(remote))
}

func (m *Metrics) ikOutcome(group, outcome string) {
	if m == nil {
		return
	}
	m.IKRequests.WithLabelValues(group, outcome).Inc()
}

func (m *Metrics) trajectoryOutcome(group string, status TrajectoryStatus) {
	if m == nil {
		return
	}
	m.Trajectories.WithLabelValues(group, status.String()).Inc()
}

func (m *Metrics) mirrorRate(mirror string, hz float64) {
	if m == nil {
		return
	}
	m.MirrorRate.WithLabelValues(mirror).Set(hz)
}

func (m *Metrics) sessionReset() {
	if m == nil {
		return
	}
	m.SessionResets.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}
