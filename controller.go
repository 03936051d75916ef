package moveit_sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// PlannerOptions are the motion planning parameters sent with every goal.
type PlannerOptions struct {
	PipelineID             string  `json:"pipeline_id,omitempty"`
	Planner                string  `json:"planner,omitempty"`
	PlanningTime           float64 `json:"planning_time_sec,omitempty"`
	Attempts               int     `json:"attempts,omitempty"`
	MaxVelocityScaling     float64 `json:"max_velocity_scaling,omitempty"`
	MaxAccelerationScaling float64 `json:"max_acceleration_scaling,omitempty"`
	WorkspaceHalfExtent    float64 `json:"workspace_half_extent,omitempty"`
	Replan                 bool    `json:"replan,omitempty"`
	ReplanAttempts         int     `json:"replan_attempts,omitempty"`
	ReplanDelay            float64 `json:"replan_delay_sec,omitempty"`
}

func (o *PlannerOptions) setDefaults() {
	if o.PipelineID == "" {
		o.PipelineID = "ompl"
	}
	if o.Planner == "" {
		o.Planner = "RRTConnect"
	}
	if o.PlanningTime == 0 {
		o.PlanningTime = 5
	}
	if o.Attempts == 0 {
		o.Attempts = 10
	}
	if o.MaxVelocityScaling == 0 {
		o.MaxVelocityScaling = 1
	}
	if o.MaxAccelerationScaling == 0 {
		o.MaxAccelerationScaling = 1
	}
	if o.WorkspaceHalfExtent == 0 {
		o.WorkspaceHalfExtent = 2
	}
}

// IKOptions are the parameters of IK service calls.
type IKOptions struct {
	Service         string  `json:"service,omitempty"`
	Timeout         float64 `json:"timeout_sec,omitempty"`
	Attempts        int     `json:"attempts,omitempty"`
	AvoidCollisions *bool   `json:"avoid_collisions,omitempty"`
}

func (o *IKOptions) setDefaults() {
	if o.Service == "" {
		o.Service = DefaultIKService
	}
	if o.Timeout == 0 {
		o.Timeout = 0.1
	}
	if o.Attempts == 0 {
		o.Attempts = 10
	}
	if o.AvoidCollisions == nil {
		avoid := true
		o.AvoidCollisions = &avoid
	}
}

// ControllerConfig configures one MoveGroupController.
type ControllerConfig struct {
	Group       string
	WorldFrame  string
	GoalTopic   string
	Planner     PlannerOptions
	IK          IKOptions
	EndEffector string
	BaseLink    string
	Hidden      bool
}

// ControllerDeps are the collaborators injected into a controller.
type ControllerDeps struct {
	Bus          Bus
	Description  *RobotDescription
	Mirror       *JointMirror
	Trajectories TrajectoryStore
	Logger       logging.Logger
	Notifier     Notifier
	Metrics      *Metrics
	Monitor      *Monitor
}

// TrajectoryStore looks up named inverse trajectories.
type TrajectoryStore interface {
	Get(name string) (InverseTrajectory, bool)
}

// MoveGroupState is the execution state of a controller.
type MoveGroupState struct {
	Status        TrajectoryStatus `json:"status"`
	IsComplete    bool             `json:"is_complete"`
	ComputingIK   bool             `json:"computing_ik"`
	HasValidPose  bool             `json:"has_valid_pose"`
	TrajectoryID  string           `json:"trajectory_id,omitempty"`
	StatusText    string           `json:"status_text,omitempty"`
	LastUpdatedAt time.Time        `json:"last_updated_at"`
}

// IsReady reports whether a new execution may start, with a reason when not.
// Checks run in order: invalid pose, executing, computing IK.
func (s MoveGroupState) IsReady() (bool, string) {
	switch {
	case !s.HasValidPose:
		return false, "invalid pose"
	case !s.IsComplete:
		return false, "busy executing"
	case s.ComputingIK:
		return false, "busy computing IK"
	}
	return true, ""
}

// MoveGroupController plans and executes motions for one move group.
type MoveGroupController struct {
	cfg      ControllerConfig
	group    *MoveGroup
	bus      Bus
	mirror   *JointMirror
	store    TrajectoryStore
	logger   logging.Logger
	notifier Notifier
	metrics  *Metrics
	monitor  *Monitor

	mu      sync.Mutex
	state   MoveGroupState
	current ForwardTrajectory
	planner PlannerOptions
	changed chan struct{}

	now func() time.Time
}

func NewMoveGroupController(cfg ControllerConfig, deps ControllerDeps) (*MoveGroupController, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	group, err := NewMoveGroup(cfg.Group, deps.Description)
	if err != nil {
		return nil, err
	}
	if cfg.EndEffector == "" {
		if cfg.EndEffector, err = deps.Description.EndEffectorLink(cfg.Group); err != nil {
			return nil, err
		}
	}
	if cfg.BaseLink == "" {
		if cfg.BaseLink, err = deps.Description.BaseLink(cfg.Group); err != nil {
			return nil, err
		}
	}
	if cfg.WorldFrame == "" {
		cfg.WorldFrame = DefaultWorldFrame
	}
	if cfg.GoalTopic == "" {
		cfg.GoalTopic = DefaultGoalTopic
	}
	cfg.Planner.setDefaults()
	cfg.IK.setDefaults()
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: deps.Logger}
	}

	return &MoveGroupController{
		cfg:      cfg,
		group:    group,
		bus:      deps.Bus,
		mirror:   deps.Mirror,
		store:    deps.Trajectories,
		logger:   deps.Logger,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		monitor:  deps.Monitor,
		state:    MoveGroupState{Status: StatusNone, IsComplete: true},
		planner:  cfg.Planner,
		changed:  make(chan struct{}),
		now:      time.Now,
	}, nil
}

func (c *MoveGroupController) Group() *MoveGroup   { return c.group }
func (c *MoveGroupController) Name() string        { return c.group.Name() }
func (c *MoveGroupController) EndEffector() string { return c.cfg.EndEffector }
func (c *MoveGroupController) Hidden() bool        { return c.cfg.Hidden }

// State returns a snapshot of the execution state.
func (c *MoveGroupController) State() MoveGroupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTrajectoryID is the id of the trajectory last sent for execution.
func (c *MoveGroupController) CurrentTrajectoryID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ID
}

// Changed returns a channel closed on the next state change.
func (c *MoveGroupController) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *MoveGroupController) notifyLocked() {
	c.state.LastUpdatedAt = c.now()
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitIdle blocks until no execution or IK solve is in progress.
func (c *MoveGroupController) WaitIdle(ctx context.Context) error {
	return c.waitFor(ctx, func(s MoveGroupState) bool { return s.IsComplete && !s.ComputingIK })
}

// WaitReady blocks until the controller reports ready.
func (c *MoveGroupController) WaitReady(ctx context.Context) error {
	return c.waitFor(ctx, func(s MoveGroupState) bool {
		ready, _ := s.IsReady()
		return ready
	})
}

func (c *MoveGroupController) waitFor(ctx context.Context, done func(MoveGroupState) bool) error {
	for {
		c.mu.Lock()
		if done(c.state) {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetScaling overrides the velocity and acceleration scaling factors.
func (c *MoveGroupController) SetScaling(velocity, acceleration float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planner.MaxVelocityScaling = velocity
	c.planner.MaxAccelerationScaling = acceleration
}

// Scaling returns the current velocity and acceleration scaling factors.
func (c *MoveGroupController) Scaling() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planner.MaxVelocityScaling, c.planner.MaxAccelerationScaling
}

// SolveIK solves for the group's joint state that places the end effector at
// position/orientation, seeded from start. A collision-avoiding solve that
// finds no solution is retried once without collision avoidance. At most one
// solve runs per controller; concurrent calls fail immediately.
func (c *MoveGroupController) SolveIK(ctx context.Context, start JointState, position r3.Vector, orientation spatialmath.Orientation) (JointState, error) {
	c.mu.Lock()
	if c.state.ComputingIK {
		c.mu.Unlock()
		c.metrics.ikOutcome(c.Name(), "busy")
		return JointState{}, ErrIKInFlight
	}
	c.state.ComputingIK = true
	c.state.HasValidPose = false
	c.notifyLocked()
	c.mu.Unlock()

	began := c.now()
	solution, exact, err := c.solveIK(ctx, start, position, orientation)

	c.mu.Lock()
	c.state.ComputingIK = false
	c.state.HasValidPose = err == nil && exact
	c.notifyLocked()
	c.mu.Unlock()

	c.monitor.IKSolved(c.now().Sub(began))
	if errors.Is(err, ErrNoIKSolution) {
		c.notifier.Notice(fmt.Sprintf("No IK solution found for %s", c.Name()))
	}
	return solution, err
}

// solveIK reports exact when the collision-avoiding attempt succeeded.
func (c *MoveGroupController) solveIK(ctx context.Context, start JointState, position r3.Vector, orientation spatialmath.Orientation) (JointState, bool, error) {
	if start.Empty() {
		c.logger.Errorf("%s: cannot solve IK without a starting joint state", c.Name())
		c.metrics.ikOutcome(c.Name(), "error")
		return JointState{}, false, errors.New("empty starting state")
	}

	req := GetPositionIKRequest{IKRequest: PositionIKRequestMsg{
		GroupName:       c.Name(),
		RobotState:      RobotStateMsg{JointState: start},
		AvoidCollisions: *c.cfg.IK.AvoidCollisions,
		IKLinkName:      c.cfg.EndEffector,
		PoseStamped: PoseStampedMsg{
			Header: HeaderMsg{FrameID: c.cfg.WorldFrame},
			Pose:   PoseMsgFromPose(spatialmath.NewPose(position, orientation)),
		},
		Timeout:  durationFromSeconds(c.cfg.IK.Timeout),
		Attempts: int32(c.cfg.IK.Attempts),
	}}

	resp, err := SendRequest[GetPositionIKResponse](ctx, c.bus, c.cfg.IK.Service, req)
	if err != nil {
		c.logger.Warnf("%s: IK request failed: %v", c.Name(), err)
		c.metrics.ikOutcome(c.Name(), "error")
		return JointState{}, false, err
	}
	exact := true
	outcome := "solved"
	if resp.ErrorCode.Val == ErrorCodeNoIKSolution && req.IKRequest.AvoidCollisions {
		req.IKRequest.AvoidCollisions = false
		if resp, err = SendRequest[GetPositionIKResponse](ctx, c.bus, c.cfg.IK.Service, req); err != nil {
			c.logger.Warnf("%s: IK fallback request failed: %v", c.Name(), err)
			c.metrics.ikOutcome(c.Name(), "error")
			return JointState{}, false, err
		}
		exact = false
		outcome = "fallback"
	}
	if resp.ErrorCode.Val != ErrorCodeSuccess {
		c.metrics.ikOutcome(c.Name(), "no_solution")
		return JointState{}, false, errors.Wrapf(ErrNoIKSolution, "%s: error code %d", c.Name(), resp.ErrorCode.Val)
	}
	solution := c.group.FilterJoints(resp.Solution.JointState)
	if solution.Empty() {
		c.metrics.ikOutcome(c.Name(), "no_solution")
		return JointState{}, false, errors.Wrapf(ErrNoIKSolution, "%s: solution has no group joints", c.Name())
	}
	c.metrics.ikOutcome(c.Name(), outcome)
	return solution, exact, nil
}

// GetFKTrajectory converts an inverse trajectory into joint space by solving
// IK for each waypoint in order, seeding each solve with the previous result.
func (c *MoveGroupController) GetFKTrajectory(ctx context.Context, inv InverseTrajectory) (ForwardTrajectory, error) {
	if !inv.Valid() {
		return ForwardTrajectory{}, errors.Wrapf(ErrInvalidTrajectory,
			"%d positions, %d rotations", len(inv.Positions), len(inv.Rotations))
	}
	seed := inv.StartingState
	if seed.Empty() && c.mirror != nil {
		seed = c.mirror.Remote()
	}
	states := make([]JointState, 0, len(inv.Positions))
	for i := range inv.Positions {
		solution, err := c.SolveIK(ctx, seed, inv.Positions[i], inv.Rotations[i].Orientation())
		if err != nil {
			return ForwardTrajectory{}, errors.Wrapf(err, "waypoint %d", i)
		}
		states = append(states, solution)
		seed = solution
	}
	return NewForwardTrajectory(states...), nil
}

// Execute sends a one- or two-snapshot trajectory to the planning service.
// A single snapshot is both start and goal. The controller must be ready.
func (c *MoveGroupController) Execute(ctx context.Context, traj ForwardTrajectory) error {
	if c.bus.HasConnectionError() {
		c.notifier.Notice(fmt.Sprintf("Cannot execute %s: no connection", c.Name()))
		return ErrConnection
	}
	n := len(traj.JointStates)
	if n == 0 || n > 2 {
		c.notifier.Notice(fmt.Sprintf("Cannot execute %s: trajectory has %d snapshots", c.Name(), n))
		return errors.Wrapf(ErrInvalidTrajectory, "%d snapshots", n)
	}
	states := make([]JointState, n)
	for i, js := range traj.JointStates {
		states[i] = c.group.FilterJoints(js)
		if states[i].Empty() {
			c.notifier.Notice(fmt.Sprintf("Cannot execute %s: no applicable joints", c.Name()))
			return errors.Wrapf(ErrInvalidTrajectory, "snapshot %d has no %s joints", i, c.Name())
		}
	}
	if !IsLocalOrigin(traj.ID) {
		traj.ID = NewTrajectoryID()
	}

	c.mu.Lock()
	if ready, feedback := c.state.IsReady(); !ready {
		c.mu.Unlock()
		c.notifier.Notice(fmt.Sprintf("Cannot execute %s: %s", c.Name(), feedback))
		return errors.Wrap(ErrNotReady, feedback)
	}
	prev := c.state
	prevTraj := c.current
	c.state.IsComplete = false
	c.state.Status = StatusNone
	c.state.StatusText = ""
	c.state.TrajectoryID = traj.ID
	c.current = ForwardTrajectory{ID: traj.ID, JointStates: states}
	planner := c.planner
	c.notifyLocked()
	c.mu.Unlock()

	goal := c.buildGoal(traj.ID, states[0], states[n-1], planner)
	if err := c.bus.Publish(ctx, c.cfg.GoalTopic, goal); err != nil {
		c.mu.Lock()
		c.state = prev
		c.current = prevTraj
		c.notifyLocked()
		c.mu.Unlock()
		return errors.Wrapf(err, "publishing goal for %s", c.Name())
	}
	c.logger.Debugf("%s: sent trajectory %s", c.Name(), traj.ID)
	return nil
}

func (c *MoveGroupController) buildGoal(id string, start, goal JointState, planner PlannerOptions) MoveGroupActionGoalMsg {
	constraints := make([]JointConstraintMsg, len(goal.Name))
	for i, name := range goal.Name {
		constraints[i] = JointConstraintMsg{JointName: name, Position: goal.Position[i], Weight: 1}
	}
	half := planner.WorkspaceHalfExtent
	return MoveGroupActionGoalMsg{
		Header: HeaderMsg{FrameID: c.cfg.WorldFrame},
		GoalID: GoalIDMsg{ID: id},
		Goal: MoveGroupGoalMsg{
			Request: MotionPlanRequestMsg{
				WorkspaceParameters: WorkspaceParametersMsg{
					Header:    HeaderMsg{FrameID: c.cfg.WorldFrame},
					MinCorner: PointMsg{X: -half, Y: -half, Z: -half},
					MaxCorner: PointMsg{X: half, Y: half, Z: half},
				},
				StartState:                   RobotStateMsg{JointState: start},
				GoalConstraints:              []ConstraintsMsg{{JointConstraints: constraints}},
				PipelineID:                   planner.PipelineID,
				PlannerID:                    planner.Planner,
				GroupName:                    c.Name(),
				NumPlanningAttempts:          int32(planner.Attempts),
				AllowedPlanningTime:          planner.PlanningTime,
				MaxVelocityScalingFactor:     planner.MaxVelocityScaling,
				MaxAccelerationScalingFactor: planner.MaxAccelerationScaling,
			},
			PlanningOptions: PlanningOptionsMsg{
				Replan:         planner.Replan,
				ReplanAttempts: int32(planner.ReplanAttempts),
				ReplanDelay:    planner.ReplanDelay,
			},
		},
	}
}

// ExecuteMultiPointTrajectory executes consecutive snapshot pairs, waiting for
// each to finish. The current remote state is prepended when it differs from
// the first snapshot. Execution stops at the first segment that does not
// succeed.
func (c *MoveGroupController) ExecuteMultiPointTrajectory(ctx context.Context, traj ForwardTrajectory) error {
	states := traj.JointStates
	if len(states) == 0 {
		return errors.Wrap(ErrInvalidTrajectory, "no snapshots")
	}
	if c.mirror != nil {
		remote := c.group.FilterJoints(c.mirror.Remote())
		if !remote.Empty() && !remote.PositionsEqual(c.group.FilterJoints(states[0])) {
			states = append([]JointState{remote}, states...)
		}
	}
	for i := 1; i < len(states); i++ {
		seg := NewForwardTrajectory(states[i-1], states[i])
		if err := c.Execute(ctx, seg); err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}
		if err := c.WaitIdle(ctx); err != nil {
			return err
		}
		if st := c.State(); st.Status != StatusSucceeded {
			return errors.Wrapf(ErrSegmentFailed, "segment %d ended %s", i, st.Status)
		}
	}
	return nil
}

// ExecuteInverse solves and executes an inverse trajectory.
func (c *MoveGroupController) ExecuteInverse(ctx context.Context, inv InverseTrajectory) error {
	fk, err := c.GetFKTrajectory(ctx, inv)
	if err != nil {
		c.notifier.Notice(fmt.Sprintf("Failed to solve IK for trajectory %s", inv.Name))
		return err
	}
	return c.ExecuteMultiPointTrajectory(ctx, fk)
}

// ExecuteNamedTrajectory looks up a stored trajectory and executes it with its
// own scaling factors, restoring the previous factors afterwards.
func (c *MoveGroupController) ExecuteNamedTrajectory(ctx context.Context, name string) error {
	if c.store == nil {
		return errors.Wrap(ErrTrajectoryNotFound, name)
	}
	inv, ok := c.store.Get(name)
	if !ok {
		c.notifier.Notice(fmt.Sprintf("Trajectory %s not found", name))
		return errors.Wrap(ErrTrajectoryNotFound, name)
	}
	if len(inv.VelAcc) >= 2 {
		vel, acc := c.Scaling()
		c.SetScaling(inv.VelAcc[0], inv.VelAcc[1])
		defer c.SetScaling(vel, acc)
	}
	return c.ExecuteInverse(ctx, inv)
}

// ApplyStatus updates the state from a goal status. Statuses for any other
// trajectory than the current one are ignored and reported false.
func (c *MoveGroupController) ApplyStatus(id string, status TrajectoryStatus, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" || c.current.ID != id {
		return false
	}
	if c.state.Status == status {
		return true
	}
	c.state.Status = status
	c.state.StatusText = text
	switch {
	case status.InProgress():
		c.state.IsComplete = false
	case status.Terminal():
		c.state.IsComplete = true
		c.metrics.trajectoryOutcome(c.Name(), status)
	}
	c.notifyLocked()
	return true
}
