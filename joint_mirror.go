package moveit_sim

import (
	"math"
	"strings"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	rdkutils "go.viam.com/rdk/utils"
)

// DriveMode selects how an actuator tracks its target.
type DriveMode int

const (
	// DriveTarget snaps to the target with a very large force limit.
	DriveTarget DriveMode = iota
	// DriveForce tracks the target through stiffness and damping.
	DriveForce
)

// Drive is the actuator drive configuration written by the mirror.
type Drive struct {
	Target     float64
	Stiffness  float64
	Damping    float64
	ForceLimit float64
	Mode       DriveMode
}

// Actuator is a single simulated joint drive.
type Actuator interface {
	Kind() JointKind
	Drive() Drive
	SetDrive(d Drive)
}

// JointMirrorConfig controls how a mirror drives its actuators.
type JointMirrorConfig struct {
	Name string
	// LocalControl makes the mirror follow locally set targets instead of the
	// remote stream.
	LocalControl  bool
	Interpolate   bool
	Instantaneous bool

	OwnStiffness bool
	Stiffness    float64
	OwnDamping   bool
	Damping      float64

	// StartupGrace forces instantaneous tracking right after the first state.
	StartupGrace time.Duration
	// InitialRateHz seeds the update-rate estimate.
	InitialRateHz float64
}

const instantForceLimit = 1e6

func (c *JointMirrorConfig) setDefaults() {
	if c.Stiffness == 0 {
		c.Stiffness = 100000
	}
	if c.Damping == 0 {
		c.Damping = 1000
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = 100 * time.Millisecond
	}
	if c.InitialRateHz == 0 {
		c.InitialRateHz = 40
	}
}

// JointMirror drives a set of actuators to follow a joint-state stream,
// optionally smoothing between updates using an estimated update rate.
type JointMirror struct {
	mu     sync.RWMutex
	cfg    JointMirrorConfig
	logger logging.Logger

	actuators map[string]Actuator
	resolved  map[string]Actuator

	remote     JointState
	lastRemote JointState
	desired    JointState
	previous   JointState

	sinceUpdate time.Duration
	rateHz      float64
	graceLeft   time.Duration
	started     bool

	changed chan struct{}
}

func NewJointMirror(cfg JointMirrorConfig, logger logging.Logger) *JointMirror {
	cfg.setDefaults()
	return &JointMirror{
		cfg:       cfg,
		logger:    logger,
		actuators: make(map[string]Actuator),
		resolved:  make(map[string]Actuator),
		rateHz:    cfg.InitialRateHz,
		changed:   make(chan struct{}),
	}
}

func (m *JointMirror) Name() string { return m.cfg.Name }

// BindActuator registers the actuator for a joint.
func (m *JointMirror) BindActuator(joint string, a Actuator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actuators[joint] = a
	m.resolved = make(map[string]Actuator)
}

// Attach subscribes the mirror to a joint-state topic.
func (m *JointMirror) Attach(bus Bus, topic string) (func(), error) {
	return SubscribeTyped(bus, topic, m.logger, m.SetRemote)
}

// SetRemote records the latest remote joint state. Unless the mirror is under
// local control the state also becomes the drive target.
func (m *JointMirror) SetRemote(js JointState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRemote = m.remote
	m.remote = js.Clone()
	if !m.cfg.LocalControl {
		m.setDesiredLocked(js)
	}
	m.signalLocked()
}

// SetLocalDesired sets the drive target directly.
func (m *JointMirror) SetLocalDesired(js JointState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setDesiredLocked(js)
	m.signalLocked()
}

func (m *JointMirror) setDesiredLocked(js JointState) {
	if !m.desired.Empty() && m.desired.PositionsEqual(js) {
		return
	}
	if secs := m.sinceUpdate.Seconds(); secs > 0.001 && secs < 2 {
		m.rateHz = 0.1*(1/secs) + 0.9*m.rateHz
	}
	m.sinceUpdate = 0
	m.previous = m.desired
	m.desired = js.Clone()
}

func (m *JointMirror) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Changed returns a channel closed on the next state change.
func (m *JointMirror) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Ready reports whether a target with joint names has been received.
func (m *JointMirror) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.desired.Name) > 0
}

// Remote returns a copy of the most recent remote joint state.
func (m *JointMirror) Remote() JointState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote.Clone()
}

// Desired returns a copy of the current drive target.
func (m *JointMirror) Desired() JointState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desired.Clone()
}

// RateHz is the estimated update rate.
func (m *JointMirror) RateHz() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rateHz
}

// Tick advances the mirror by dt and writes drive targets to every actuator
// named in the current target.
func (m *JointMirror) Tick(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.desired.Name) == 0 {
		return
	}
	if !m.started {
		m.started = true
		m.graceLeft = m.cfg.StartupGrace
	}
	instant := m.cfg.Instantaneous || m.graceLeft > 0
	m.graceLeft -= dt
	m.sinceUpdate += dt

	t := clamp01(m.sinceUpdate.Seconds() * m.rateHz)
	for i, name := range m.desired.Name {
		if i >= len(m.desired.Position) {
			break
		}
		a := m.actuatorLocked(name)
		if a == nil {
			continue
		}
		target := m.desired.Position[i]
		if m.cfg.Interpolate && !m.cfg.LocalControl && !instant {
			if old, ok := m.previous.PositionOf(name); ok {
				target = lerp(old, target, t)
			}
		}
		if a.Kind().Angular() {
			target = rdkutils.RadToDeg(target)
		}

		d := a.Drive()
		if m.cfg.OwnStiffness {
			d.Stiffness = m.cfg.Stiffness
		}
		if m.cfg.OwnDamping {
			d.Damping = m.cfg.Damping
		}
		if instant {
			d.Mode = DriveTarget
			d.ForceLimit = instantForceLimit
		} else {
			d.Mode = DriveForce
		}
		d.Target = target
		a.SetDrive(d)
	}
}

// actuatorLocked resolves a joint name to an actuator, falling back to the
// first bound joint whose name starts with it.
func (m *JointMirror) actuatorLocked(name string) Actuator {
	if a, ok := m.actuators[name]; ok {
		return a
	}
	if a, ok := m.resolved[name]; ok {
		return a
	}
	for joint, a := range m.actuators {
		if strings.HasPrefix(joint, name) {
			m.resolved[name] = a
			return a
		}
	}
	m.resolved[name] = nil
	return nil
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// SimActuator is an in-memory actuator that records the last drive written.
type SimActuator struct {
	mu    sync.Mutex
	kind  JointKind
	drive Drive
}

func NewSimActuator(kind JointKind) *SimActuator {
	return &SimActuator{kind: kind}
}

func (a *SimActuator) Kind() JointKind { return a.kind }

func (a *SimActuator) Drive() Drive {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drive
}

func (a *SimActuator) SetDrive(d Drive) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drive = d
}
