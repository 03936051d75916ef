package moveit_sim

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func newTestRobot(t *testing.T, bus Bus, db *TrajectoryDatabase, configs ...ControllerConfig) *Robot {
	t.Helper()
	if len(configs) == 0 {
		configs = []ControllerConfig{{Group: "arm"}}
	}
	logger := logging.NewTestLogger(t)
	planning := NewJointMirror(JointMirrorConfig{Name: "planning", LocalControl: true, Instantaneous: true}, logger)
	planning.SetRemote(armStart)
	r, err := NewRobot(configs, planning, RobotDeps{
		Bus:          bus,
		Description:  testDescription(),
		Trajectories: db,
		Logger:       logger,
	})
	require.NoError(t, err)
	return r
}

func TestNewRobot(t *testing.T) {
	desc := testDescription()
	desc.Groups = append(desc.Groups, GroupDescription{Name: "wrist", Joints: []string{"joint2"}})
	r, err := NewRobot([]ControllerConfig{{Group: "wrist", Hidden: true}, {Group: "arm"}}, nil, RobotDeps{
		Bus:         NewMemoryBus(),
		Description: desc,
		Logger:      logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"arm"}, r.GroupNames())
	require.Len(t, r.Controllers(), 2)
	assert.Equal(t, "wrist", r.Controllers()[0].Name())
	assert.False(t, r.IsExecuting())
	assert.NotNil(t, r.PlanningMirror())

	_, err = r.Group("legs")
	assert.ErrorIs(t, err, ErrUnknownGroup)

	_, err = NewRobot([]ControllerConfig{{Group: "arm"}, {Group: "arm"}}, nil, RobotDeps{
		Bus:         NewMemoryBus(),
		Description: desc,
		Logger:      logging.NewTestLogger(t),
	})
	assert.Error(t, err)
}

func TestRobotPlanningPose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewMemoryBus()
	ikReplies(bus, ErrorCodeSuccess)
	goals := fakeMoveGroup(t, bus, StatusSucceeded)
	r := newTestRobot(t, bus, nil)
	attachReconciler(t, bus, r.Controllers()...)

	err := r.GoToPlanningPose(ctx, "arm")
	assert.ErrorIs(t, err, ErrInvalidTrajectory, "no target set yet")

	sol, err := r.SetTarget(ctx, "arm", r3.Vector{X: 0.3}, spatialmath.NewZeroOrientation())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.5}, sol.Position)

	desired := r.PlanningMirror().Desired()
	assert.Equal(t, armStart.Name, desired.Name, "non-group joints are kept")
	assert.Equal(t, []float64{0.5, -0.5, 0.01}, desired.Position)

	require.NoError(t, r.GoToPlanningPose(ctx, "arm"))
	require.Len(t, *goals, 1)
	req := (*goals)[0].Goal.Request
	assert.Equal(t, []float64{0, 0}, req.StartState.JointState.Position, "starts from the live state")
	require.Len(t, req.GoalConstraints, 1)
	assert.Equal(t, 0.5, req.GoalConstraints[0].JointConstraints[0].Position)

	r.ResetPlanningPose()
	assert.Equal(t, armStart.Position, r.PlanningMirror().Desired().Position)

	_, err = r.SetTarget(ctx, "legs", r3.Vector{}, spatialmath.NewZeroOrientation())
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestRobotRecordsTrajectories(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	calls := ikReplies(bus, ErrorCodeSuccess)

	t.Run("without a database", func(t *testing.T) {
		r := newTestRobot(t, bus, nil)
		_, err := r.BeginTrajectory("wave")
		assert.Error(t, err)
		_, err = r.SavePose(ctx, "arm", r3.Vector{}, spatialmath.NewZeroOrientation())
		assert.Error(t, err)
	})

	db, err := NewTrajectoryDatabase(t.TempDir(), logging.NewTestLogger(t))
	require.NoError(t, err)
	r := newTestRobot(t, bus, db)

	_, err = r.SavePose(ctx, "arm", r3.Vector{}, spatialmath.NewZeroOrientation())
	assert.Error(t, err, "nothing is being recorded")

	traj, err := r.BeginTrajectory("wave")
	require.NoError(t, err)
	assert.Equal(t, armStart.Position, traj.StartingState.Position)

	before := len(*calls)
	traj, err = r.SavePose(ctx, "arm", r3.Vector{X: 0.3, Z: 0.2}, spatialmath.NewZeroOrientation())
	require.NoError(t, err)
	assert.Len(t, *calls, before+1, "waypoints are validated with IK")
	require.Len(t, traj.Positions, 1)
	assert.InDelta(t, 0.2, traj.Positions[0].Z, 1e-9)
	assert.Equal(t, []string{"wave"}, db.List())
}

func TestRobotRejectsFallbackWaypoints(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	ikReplies(bus, ErrorCodeNoIKSolution, ErrorCodeSuccess)
	db, err := NewTrajectoryDatabase(t.TempDir(), logging.NewTestLogger(t))
	require.NoError(t, err)
	logger := logging.NewTestLogger(t)
	planning := NewJointMirror(JointMirrorConfig{Name: "planning", LocalControl: true, Instantaneous: true}, logger)
	planning.SetRemote(armStart)
	feed := NewNoticeFeed(0, nil)
	r, err := NewRobot([]ControllerConfig{{Group: "arm"}}, planning, RobotDeps{
		Bus:          bus,
		Description:  testDescription(),
		Trajectories: db,
		Logger:       logger,
		Notifier:     feed,
	})
	require.NoError(t, err)

	_, err = r.BeginTrajectory("wave")
	require.NoError(t, err)
	_, err = r.SavePose(ctx, "arm", r3.Vector{X: 0.3}, spatialmath.NewZeroOrientation())
	assert.ErrorIs(t, err, ErrNotReady)

	c, err := r.Group("arm")
	require.NoError(t, err)
	assert.False(t, c.State().HasValidPose)
	current, ok := db.Current()
	require.True(t, ok)
	assert.Empty(t, current.Positions, "the waypoint is not recorded")
	assert.Contains(t, feed.Recent(), "Invalid pose for arm")
}

func TestSequencerPlay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewMemoryBus()
	ikReplies(bus, ErrorCodeSuccess)
	goals := fakeMoveGroup(t, bus, StatusSucceeded)
	db, err := NewTrajectoryDatabase(t.TempDir(), logging.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, db.Save(InverseTrajectory{
		Name:          "wave",
		Positions:     []r3.Vector{{X: 0.3}, {X: 0.4}},
		Rotations:     []QuaternionMsg{IdentityQuaternion, IdentityQuaternion},
		StartingState: armStart,
	}))
	r := newTestRobot(t, bus, db)
	attachReconciler(t, bus, r.Controllers()...)
	seq := NewSequencer(r, logging.NewTestLogger(t))

	var begun []string
	events := []PathEvent{
		{Path: "wave", Group: "legs", OnBegin: func() { begun = append(begun, "legs") }},
		{Path: "wave", Group: "arm", OnBegin: func() { begun = append(begun, "arm") }},
	}
	require.NoError(t, seq.Play(ctx, events))
	assert.Equal(t, []string{"arm"}, begun, "unknown groups are skipped")
	// The live state differs from the first waypoint, so it is prepended.
	assert.Len(t, *goals, 2)

	err = seq.Play(ctx, []PathEvent{{Path: "missing", Group: "arm"}, {Path: "wave", Group: "arm"}})
	assert.ErrorIs(t, err, ErrTrajectoryNotFound)
	assert.Len(t, *goals, 2, "the sequence stops at the failed step")
}
