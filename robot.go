package moveit_sim

import (
	"context"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// RobotDeps are the collaborators shared by every controller of a robot.
type RobotDeps struct {
	Bus          Bus
	Description  *RobotDescription
	Trajectories *TrajectoryDatabase
	Logger       logging.Logger
	Notifier     Notifier
	Metrics      *Metrics
	Monitor      *Monitor
}

// Robot owns the planning mirror and one controller per move group. The
// planning mirror is a locally driven copy of the robot that shows IK targets
// before they are executed; it is created once and shared by all controllers.
type Robot struct {
	desc     *RobotDescription
	planning *JointMirror
	db       *TrajectoryDatabase
	logger   logging.Logger
	notifier Notifier

	controllers map[string]*MoveGroupController
	order       []string
}

// NewRobot builds a controller for every group in configs. The planning
// mirror is locally controlled: it records the remote joint stream but shows
// nothing until the first target is set.
func NewRobot(configs []ControllerConfig, planning *JointMirror, deps RobotDeps) (*Robot, error) {
	if deps.Description == nil {
		return nil, errors.New("robot description is required")
	}
	if planning == nil {
		planning = NewJointMirror(JointMirrorConfig{Name: "planning", LocalControl: true, Instantaneous: true}, deps.Logger)
	}
	r := &Robot{
		desc:        deps.Description,
		planning:    planning,
		db:          deps.Trajectories,
		logger:      deps.Logger,
		notifier:    deps.Notifier,
		controllers: make(map[string]*MoveGroupController),
	}
	if r.notifier == nil {
		r.notifier = LogNotifier{Logger: deps.Logger}
	}
	var store TrajectoryStore
	if deps.Trajectories != nil {
		store = deps.Trajectories
	}
	for _, cfg := range configs {
		if _, dup := r.controllers[cfg.Group]; dup {
			return nil, errors.Errorf("group %s configured twice", cfg.Group)
		}
		c, err := NewMoveGroupController(cfg, ControllerDeps{
			Bus:          deps.Bus,
			Description:  deps.Description,
			Mirror:       planning,
			Trajectories: store,
			Logger:       deps.Logger.Sublogger(cfg.Group),
			Notifier:     deps.Notifier,
			Metrics:      deps.Metrics,
			Monitor:      deps.Monitor,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating controller for %s", cfg.Group)
		}
		r.controllers[cfg.Group] = c
		r.order = append(r.order, cfg.Group)
	}
	return r, nil
}

func (r *Robot) Description() *RobotDescription { return r.desc }
func (r *Robot) PlanningMirror() *JointMirror    { return r.planning }

// Group returns the controller for a move group.
func (r *Robot) Group(name string) (*MoveGroupController, error) {
	c, ok := r.controllers[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownGroup, name)
	}
	return c, nil
}

// Controllers returns every controller in configuration order.
func (r *Robot) Controllers() []*MoveGroupController {
	out := make([]*MoveGroupController, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.controllers[name])
	}
	return out
}

// GroupNames returns the visible group names, sorted.
func (r *Robot) GroupNames() []string {
	var names []string
	for name, c := range r.controllers {
		if !c.Hidden() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsExecuting reports whether any group is executing.
func (r *Robot) IsExecuting() bool {
	for _, c := range r.controllers {
		if !c.State().IsComplete {
			return true
		}
	}
	return false
}

// planningState is the joint state the planning mirror currently shows, or the
// remote state before any target was set.
func (r *Robot) planningState() JointState {
	if desired := r.planning.Desired(); !desired.Empty() {
		return desired
	}
	return r.planning.Remote()
}

// SetTarget solves IK for group's end effector and moves the planning mirror
// to the solution.
func (r *Robot) SetTarget(ctx context.Context, group string, position r3.Vector, orientation spatialmath.Orientation) (JointState, error) {
	c, err := r.Group(group)
	if err != nil {
		return JointState{}, err
	}
	base := r.planningState()
	solution, err := c.SolveIK(ctx, base, position, orientation)
	if err != nil {
		return JointState{}, err
	}
	r.planning.SetLocalDesired(c.Group().Overlay(base, solution))
	return solution, nil
}

// GoToPlanningPose executes a move from the live robot state to the planning
// mirror's state for group.
func (r *Robot) GoToPlanningPose(ctx context.Context, group string) error {
	c, err := r.Group(group)
	if err != nil {
		return err
	}
	target := c.Group().FilterJoints(r.planning.Desired())
	if target.Empty() {
		return errors.Wrap(ErrInvalidTrajectory, "no planning pose set")
	}
	return c.ExecuteMultiPointTrajectory(ctx, NewForwardTrajectory(target))
}

// ResetPlanningPose snaps the planning mirror back to the live robot state.
func (r *Robot) ResetPlanningPose() {
	if remote := r.planning.Remote(); !remote.Empty() {
		r.planning.SetLocalDesired(remote)
	}
}

// BeginTrajectory starts recording a trajectory seeded with the live state.
func (r *Robot) BeginTrajectory(name string) (InverseTrajectory, error) {
	if r.db == nil {
		return InverseTrajectory{}, errors.New("trajectory database not configured")
	}
	return r.db.Begin(name, r.planning.Remote()), nil
}

// SavePose solves IK for the waypoint to validate it and appends it to the
// trajectory being recorded. Waypoints only reachable with collision
// avoidance off are rejected.
func (r *Robot) SavePose(ctx context.Context, group string, position r3.Vector, orientation spatialmath.Orientation) (InverseTrajectory, error) {
	if r.db == nil {
		return InverseTrajectory{}, errors.New("trajectory database not configured")
	}
	if _, ok := r.db.Current(); !ok {
		return InverseTrajectory{}, errors.New("no trajectory is being recorded")
	}
	c, err := r.Group(group)
	if err != nil {
		return InverseTrajectory{}, err
	}
	if !c.State().IsComplete {
		return InverseTrajectory{}, errors.Wrap(ErrNotReady, "busy executing")
	}
	if _, err := r.SetTarget(ctx, group, position, orientation); err != nil {
		return InverseTrajectory{}, err
	}
	if !c.State().HasValidPose {
		r.notifier.Notice("Invalid pose for " + group)
		return InverseTrajectory{}, errors.Wrap(ErrNotReady, "invalid pose")
	}
	return r.db.AddPose(position, QuaternionFromOrientation(orientation))
}
