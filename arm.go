package moveit_sim

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var (
	GroupArmModel    = resource.NewModel("devrel", "moveit-sim", "group-arm")
	errUnimplemented = errors.New("unimplemented")
)

func init() {
	resource.RegisterComponent(arm.API, GroupArmModel,
		resource.Registration[arm.Arm, *GroupArmConfig]{
			Constructor: newGroupArm,
		},
	)
}

// GroupArmConfig exposes one move group of a scene sync service as an arm.
type GroupArmConfig struct {
	Service string `json:"service"`
	Group   string `json:"group"`
}

// Validate ensures all parts of the config are valid
func (cfg *GroupArmConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Service == "" {
		return nil, nil, fmt.Errorf("%s: must specify service", path)
	}
	if cfg.Group == "" {
		return nil, nil, fmt.Errorf("%s: must specify group", path)
	}
	return []string{cfg.Service}, nil, nil
}

// groupArm plans every motion through the remote planning service and reads
// joint positions from the live joint mirror. Joint inputs are in radians.
type groupArm struct {
	resource.Named
	resource.AlwaysRebuild

	logger   logging.Logger
	group    string
	sessions SessionProvider
	opMgr    *operation.SingleOperationManager
	isMoving atomic.Bool
}

func newGroupArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*GroupArmConfig](rawConf)
	if err != nil {
		return nil, err
	}
	sessions, err := sessionFromDependencies(deps, conf.Service)
	if err != nil {
		return nil, err
	}
	return NewGroupArm(rawConf.ResourceName(), conf.Group, sessions, logger), nil
}

func NewGroupArm(name resource.Name, group string, sessions SessionProvider, logger logging.Logger) arm.Arm {
	logger.Infof("arm %s drives move group %s", name.ShortName(), group)
	return &groupArm{
		Named:    name.AsNamed(),
		logger:   logger,
		group:    group,
		sessions: sessions,
		opMgr:    operation.NewSingleOperationManager(),
	}
}

func (a *groupArm) controller() (*Session, *MoveGroupController, error) {
	session, err := a.sessions.Session()
	if err != nil {
		return nil, nil, err
	}
	c, err := session.Robot().Group(a.group)
	if err != nil {
		return nil, nil, err
	}
	return session, c, nil
}

func (a *groupArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	return nil, errUnimplemented
}

// MoveToPosition solves IK for pose (millimetres) and executes the move.
func (a *groupArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	session, _, err := a.controller()
	if err != nil {
		return err
	}
	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	robot := session.Robot()
	if _, err := robot.SetTarget(ctx, a.group, pose.Point().Mul(0.001), pose.Orientation()); err != nil {
		return errors.Wrap(err, "solving target pose")
	}
	return robot.GoToPlanningPose(ctx, a.group)
}

func (a *groupArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	return a.MoveThroughJointPositions(ctx, [][]referenceframe.Input{positions}, nil, extra)
}

func (a *groupArm) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	_, c, err := a.controller()
	if err != nil {
		return err
	}
	names := c.Group().JointNames()
	states := make([]JointState, 0, len(positions))
	for i, inputs := range positions {
		if len(inputs) != len(names) {
			return errors.Wrapf(ErrInvalidTrajectory, "waypoint %d has %d joints, group %s has %d", i, len(inputs), a.group, len(names))
		}
		states = append(states, NewJointState(names, referenceframe.InputsToFloats(inputs)))
	}
	a.isMoving.Store(true)
	defer a.isMoving.Store(false)
	return c.ExecuteMultiPointTrajectory(ctx, NewForwardTrajectory(states...))
}

// JointPositions returns the live positions of the group's joints.
func (a *groupArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	session, c, err := a.controller()
	if err != nil {
		return nil, err
	}
	remote := session.LiveMirror().Remote()
	if remote.Empty() {
		return nil, errors.Wrap(ErrNotReady, "no joint states received yet")
	}
	names := c.Group().JointNames()
	out := make([]float64, len(names))
	for i, n := range names {
		p, ok := remote.PositionOf(n)
		if !ok {
			return nil, errors.Errorf("joint %s missing from joint states", n)
		}
		out[i] = p
	}
	return referenceframe.FloatsToInputs(out), nil
}

func (a *groupArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.opMgr.CancelRunning(ctx)
	return nil
}

func (a *groupArm) IsMoving(ctx context.Context) (bool, error) {
	if a.isMoving.Load() {
		return true, nil
	}
	_, c, err := a.controller()
	if err != nil {
		return false, nil
	}
	return !c.State().IsComplete, nil
}

func (a *groupArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errUnimplemented
}

func (a *groupArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

func (a *groupArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

func (a *groupArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (a *groupArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	_, c, err := a.controller()
	if err != nil {
		return nil, err
	}
	switch cmd["command"] {
	case "state":
		st := c.State()
		return map[string]interface{}{
			"status":         st.Status.String(),
			"is_complete":    st.IsComplete,
			"has_valid_pose": st.HasValidPose,
			"status_text":    st.StatusText,
		}, nil

	case "set_motion_params":
		velocity, acceleration := c.Scaling()
		if v, ok := cmd["velocity"].(float64); ok {
			velocity = v
		}
		if v, ok := cmd["acceleration"].(float64); ok {
			acceleration = v
		}
		if velocity <= 0 || velocity > 1 || acceleration <= 0 || acceleration > 1 {
			return nil, fmt.Errorf("scaling factors must be in (0, 1], got %.2f and %.2f", velocity, acceleration)
		}
		c.SetScaling(velocity, acceleration)
		return map[string]interface{}{"velocity": velocity, "acceleration": acceleration}, nil

	case "execute_named":
		name, err := stringArg(cmd, "name")
		if err != nil {
			return nil, err
		}
		ctx, done := a.opMgr.New(ctx)
		defer done()
		return map[string]interface{}{"success": true}, c.ExecuteNamedTrajectory(ctx, name)

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (a *groupArm) Close(context.Context) error {
	a.logger.Infof("closing arm for group %s", a.group)
	return nil
}
