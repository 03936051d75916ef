package moveit_sim

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionLost ends a session whose planning service connection dropped.
var ErrConnectionLost = errors.New("planning service connection lost")

// SessionDeps are the collaborators a session is built from.
type SessionDeps struct {
	Bus         Bus
	Host        SceneHost
	Description *RobotDescription
	Logger      logging.Logger
	Notifier    Notifier
	Metrics     *Metrics
	// Actuators drive the live robot mirror, keyed by joint name. Simulated
	// actuators are created for joints without one.
	Actuators map[string]Actuator
}

// Session is the explicit context of one connection to the planning service.
// It owns the registry, the scene synchronizer, the robot and its mirrors, and
// the loops that drive them. Every collaborator is created here and passed
// down; nothing is shared through package state.
type Session struct {
	cfg    *Config
	bus    Bus
	host   SceneHost
	logger logging.Logger

	registry *SceneRegistry
	scene    *SceneSync
	robot    *Robot
	live     *JointMirror
	kin      *Kinematics
	status   *StatusReconciler
	db       *TrajectoryDatabase
	pick     *PickPlace
	seq      *Sequencer
	notices  *NoticeFeed
	metrics  *Metrics
	monitor  *Monitor

	liveActuators     map[string]Actuator
	planningActuators map[string]Actuator

	unsubs []func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped chan struct{}
	err     error
}

func NewSession(cfg *Config, deps SessionDeps) (*Session, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Description == nil {
		return nil, errors.New("robot description is required")
	}
	if deps.Host == nil {
		deps.Host = NewSimHost()
	}
	logger := deps.Logger
	monitor := NewMonitor(logger.Sublogger("monitor"))
	notices := NewNoticeFeed(50, deps.Notifier)
	if deps.Notifier == nil {
		notices = NewNoticeFeed(50, LogNotifier{Logger: logger})
	}

	db, err := NewTrajectoryDatabase(cfg.TrajectoryDir, logger.Sublogger("trajectories"))
	if err != nil {
		return nil, err
	}

	registry := NewSceneRegistry()
	for _, link := range deps.Description.Links {
		registry.RegisterLink(link)
	}
	scene := NewSceneSync(cfg.SceneSyncConfig(), SceneSyncDeps{
		Bus:      deps.Bus,
		Registry: registry,
		Host:     deps.Host,
		Logger:   logger.Sublogger("scene"),
		Notifier: notices,
		Metrics:  deps.Metrics,
		Monitor:  monitor,
	})

	kin, err := NewKinematics(deps.Description)
	if err != nil {
		return nil, err
	}
	live := NewJointMirror(cfg.RemoteMirrorConfig(), logger.Sublogger("mirror"))
	planning := NewJointMirror(cfg.PlanningMirrorConfig(), logger.Sublogger("planning"))
	s := &Session{
		cfg:               cfg,
		bus:               deps.Bus,
		host:              deps.Host,
		logger:            logger,
		registry:          registry,
		scene:             scene,
		live:              live,
		kin:               kin,
		db:                db,
		notices:           notices,
		metrics:           deps.Metrics,
		monitor:           monitor,
		liveActuators:     make(map[string]Actuator),
		planningActuators: make(map[string]Actuator),
	}
	for _, j := range deps.Description.Joints {
		if j.Kind == JointFixed {
			continue
		}
		a, ok := deps.Actuators[j.Name]
		if !ok {
			a = NewSimActuator(j.Kind)
		}
		s.liveActuators[j.Name] = a
		live.BindActuator(j.Name, a)
		pa := NewSimActuator(j.Kind)
		s.planningActuators[j.Name] = pa
		planning.BindActuator(j.Name, pa)
	}

	robot, err := NewRobot(cfg.ControllerConfigs(), planning, RobotDeps{
		Bus:          deps.Bus,
		Description:  deps.Description,
		Trajectories: db,
		Logger:       logger,
		Notifier:     notices,
		Metrics:      deps.Metrics,
		Monitor:      monitor,
	})
	if err != nil {
		return nil, err
	}
	s.robot = robot
	s.status = NewStatusReconciler(robot.Controllers, notices, logger.Sublogger("status"))
	s.seq = NewSequencer(robot, logger.Sublogger("sequence"))
	s.pick = NewPickPlace(PickPlaceConfig{
		Group:      cfg.Groups[0].Name,
		PickTopic:  cfg.Topics.Pick,
		PlaceTopic: cfg.Topics.Place,
		RunTopic:   cfg.Topics.RunPickPlace,
		WorldFrame: cfg.WorldFrame,
	}, deps.Bus, scene, logger.Sublogger("pickplace"))

	if err := s.subscribe(); err != nil {
		s.unsubscribe()
		return nil, err
	}
	return s, nil
}

func (s *Session) subscribe() error {
	attach := func(unsub func(), err error) error {
		if err != nil {
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
		return nil
	}
	if err := attach(s.live.Attach(s.bus, s.cfg.Topics.JointStates)); err != nil {
		return errors.Wrap(err, "subscribing to joint states")
	}
	if err := attach(s.robot.PlanningMirror().Attach(s.bus, s.cfg.Topics.JointStates)); err != nil {
		return errors.Wrap(err, "subscribing planning mirror to joint states")
	}
	if err := attach(s.status.Attach(s.bus, s.cfg.Topics.Status)); err != nil {
		return errors.Wrap(err, "subscribing to goal status")
	}
	if err := attach(s.notices.Attach(s.bus, s.cfg.Topics.Notify, s.logger)); err != nil {
		return errors.Wrap(err, "subscribing to notices")
	}
	return nil
}

func (s *Session) unsubscribe() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *Session) Scene() *SceneSync                { return s.scene }
func (s *Session) Host() SceneHost                  { return s.host }
func (s *Session) Registry() *SceneRegistry         { return s.registry }
func (s *Session) Robot() *Robot                    { return s.robot }
func (s *Session) LiveMirror() *JointMirror         { return s.live }
func (s *Session) Trajectories() *TrajectoryDatabase { return s.db }
func (s *Session) PickPlace() *PickPlace            { return s.pick }
func (s *Session) Sequencer() *Sequencer            { return s.seq }
func (s *Session) Notices() *NoticeFeed             { return s.notices }
func (s *Session) Monitor() *Monitor                { return s.monitor }

// NewLocalObject creates an engine body for shape at pose and registers it as
// a local object.
func (s *Session) NewLocalObject(name string, shape Shape, pose spatialmath.Pose, pickable bool) (*CollisionObject, error) {
	id := NewObjectID(name, pickable)
	body, err := s.host.CreateBody(id, shape, pose)
	if err != nil {
		return nil, errors.Wrapf(err, "creating body for %s", name)
	}
	obj := NewCollisionObject(ObjectConfig{
		ID:              id,
		Name:            name,
		Shape:           shape,
		Pickable:        pickable,
		RefreshDistance: s.cfg.RefreshDistance,
		RefreshAngle:    s.cfg.RefreshAngleDeg,
	}, body)
	if !s.scene.AddLocalObject(obj) {
		body.Destroy()
		return nil, errors.Errorf("object %s rejected", id)
	}
	return obj, nil
}

// Start launches the session loops. They stop when ctx is cancelled, when
// Close is called, or when the watchdog sees the connection drop.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g
	s.stopped = make(chan struct{})

	g.Go(func() error { return s.scene.RunLocal(gctx) })
	g.Go(func() error { return s.scene.RunRemote(gctx) })
	g.Go(func() error { return s.tick(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx, seconds(s.cfg.MonitorPeriodSec)) })

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stopped)
	}()
}

// Done is closed once every loop has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Err is the reason the loops stopped, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) tick(ctx context.Context) error {
	period := time.Duration(float64(time.Second) / s.cfg.TickRateHz)
	last := time.Now()
	for utils.SelectContextOrWait(ctx, period) {
		now := time.Now()
		dt := now.Sub(last)
		last = now
		s.live.Tick(dt)
		s.robot.PlanningMirror().Tick(dt)
		s.updateLinkPoses()
		s.metrics.mirrorRate(s.live.Name(), s.live.RateHz())
	}
	return nil
}

// updateLinkPoses poses the host's robot links from the live joint state so
// attached objects and link lookups follow the robot.
func (s *Session) updateLinkPoses() {
	setter, ok := s.host.(LinkPoseSetter)
	if !ok {
		return
	}
	js := s.live.Remote()
	if js.Empty() {
		return
	}
	for link, pose := range s.kin.LinkPoses(nil, js) {
		setter.SetLinkPose(link, pose)
	}
}

func (s *Session) watchdog(ctx context.Context) error {
	for utils.SelectContextOrWait(ctx, seconds(s.cfg.WatchdogSec)) {
		if s.bus.HasConnectionError() {
			s.logger.Warn("planning service connection lost, ending session")
			s.notices.Notice("Connection to planning service lost")
			s.metrics.sessionReset()
			return ErrConnectionLost
		}
	}
	return nil
}

// Close stops the loops and drops every subscription. Registered objects are
// left in the engine; their ids stay in the recovery file.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
	s.unsubscribe()
	if err := s.Err(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnectionLost) {
		return err
	}
	return nil
}
