package moveit_sim

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func TestMoveGroupFilterAndOverlay(t *testing.T) {
	g, err := NewMoveGroup("arm", testDescription())
	require.NoError(t, err)

	js := JointState{
		Name:     []string{"finger", "joint2", "joint1"},
		Position: []float64{0.01, 2, 1},
		Velocity: []float64{0, 0.2, 0.1},
	}
	filtered := g.FilterJoints(js)
	assert.Equal(t, []string{"joint2", "joint1"}, filtered.Name)
	assert.Equal(t, []float64{2, 1}, filtered.Position)
	assert.Equal(t, []float64{0.2, 0.1}, filtered.Velocity)

	overlay := g.Overlay(js, NewJointState([]string{"joint1", "finger"}, []float64{9, 9}))
	assert.Equal(t, []float64{0.01, 2, 9}, overlay.Position, "only group joints are replaced")
	assert.Equal(t, 1.0, js.Position[2], "base is not modified")

	_, err = NewMoveGroup("arm", nil)
	assert.Error(t, err)
}

func TestTrajectoryIDs(t *testing.T) {
	traj := NewForwardTrajectory(armStart)
	assert.True(t, strings.HasSuffix(traj.ID, LocalOriginSuffix))
	assert.True(t, IsLocalOrigin(traj.ID))
	assert.False(t, IsLocalOrigin("5f1d-rviz"))
	assert.NotEqual(t, traj.ID, NewTrajectoryID())
}

func TestTrajectoryStatus(t *testing.T) {
	tests := []struct {
		status     TrajectoryStatus
		name       string
		inProgress bool
		terminal   bool
	}{
		{StatusPending, "PENDING", true, false},
		{StatusActive, "ACTIVE", true, false},
		{StatusPreempting, "PREEMPTING", true, false},
		{StatusRecalling, "RECALLING", true, false},
		{StatusSucceeded, "SUCCEEDED", false, true},
		{StatusAborted, "ABORTED", false, true},
		{StatusRejected, "REJECTED", false, true},
		{StatusPreempted, "PREEMPTED", false, true},
		{StatusRecalled, "RECALLED", false, true},
		{StatusLost, "LOST", false, true},
		{StatusNone, "NONE", false, false},
		{TrajectoryStatus(42), "UNKNOWN", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())
			assert.Equal(t, tt.inProgress, tt.status.InProgress())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestIsReadyOrder(t *testing.T) {
	tests := []struct {
		name   string
		state  MoveGroupState
		ready  bool
		reason string
	}{
		{"ready", MoveGroupState{IsComplete: true, HasValidPose: true}, true, ""},
		{"invalid pose wins", MoveGroupState{ComputingIK: true}, false, "invalid pose"},
		{"executing", MoveGroupState{HasValidPose: true, ComputingIK: true}, false, "busy executing"},
		{"computing", MoveGroupState{HasValidPose: true, IsComplete: true, ComputingIK: true}, false, "busy computing IK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, reason := tt.state.IsReady()
			assert.Equal(t, tt.ready, ready)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestHumanStatusText(t *testing.T) {
	assert.Equal(t, "Solution could not be executed", HumanStatusText("TIMED_OUT"))
	assert.Equal(t, "Solution found but controller failed: TIMED_OUT",
		HumanStatusText("Solution found but controller failed: TIMED_OUT"), "only bare codes are rewritten")
	assert.Equal(t, "Trajectory was canceled", HumanStatusText("PREEMPTED"))
	assert.Equal(t, "Solution was found and executed.", HumanStatusText("Solution was found and executed."))
}

func TestStatusReconcilerRoutesLocalGoals(t *testing.T) {
	bus := NewMemoryBus()
	ikReplies(bus, ErrorCodeSuccess)
	feed := NewNoticeFeed(10, nil)
	c := newTestController(t, bus, nil)
	_, err := c.SolveIK(context.Background(), armStart, r3.Vector{}, spatialmath.NewZeroOrientation())
	require.NoError(t, err)
	require.NoError(t, c.Execute(context.Background(), NewForwardTrajectory(armStart)))
	id := c.CurrentTrajectoryID()

	r := NewStatusReconciler(func() []*MoveGroupController { return []*MoveGroupController{c} }, feed, logging.NewTestLogger(t))
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: "foreign"}, Status: uint8(StatusSucceeded)},
	}})
	assert.False(t, c.State().IsComplete, "foreign goals are ignored")

	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusAborted), Text: "TIMED_OUT"},
	}})
	assert.True(t, c.State().IsComplete)
	assert.Equal(t, []string{"arm: Solution could not be executed"}, feed.Recent())

	// Repeated statuses do not notify again.
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusAborted), Text: "TIMED_OUT"},
	}})
	assert.Len(t, feed.Recent(), 1)
}

func TestStatusReconcilerNotifiesEveryChange(t *testing.T) {
	bus := NewMemoryBus()
	ikReplies(bus, ErrorCodeSuccess)
	feed := NewNoticeFeed(10, nil)
	c := newTestController(t, bus, nil)
	_, err := c.SolveIK(context.Background(), armStart, r3.Vector{}, spatialmath.NewZeroOrientation())
	require.NoError(t, err)
	require.NoError(t, c.Execute(context.Background(), NewForwardTrajectory(armStart)))
	id := c.CurrentTrajectoryID()

	r := NewStatusReconciler(func() []*MoveGroupController { return []*MoveGroupController{c} }, feed, logging.NewTestLogger(t))
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusActive), Text: "This goal has been accepted by the simple action server"},
	}})
	assert.False(t, c.State().IsComplete)
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusSucceeded), Text: "Solution was found and executed."},
	}})
	assert.True(t, c.State().IsComplete)
	assert.Equal(t, []string{
		"arm: This goal has been accepted by the simple action server",
		"arm: Solution was found and executed.",
	}, feed.Recent())
}

// pandaDescription is a seven joint arm whose "arm" group drives the six
// joints below the wrist flange.
func pandaDescription() *RobotDescription {
	desc := &RobotDescription{Name: "Panda", Links: []string{"base"}}
	parent := "base"
	var group []string
	for i := 1; i <= 6; i++ {
		joint := fmt.Sprintf("panda_joint%d", i)
		child := fmt.Sprintf("panda_link%d", i)
		desc.Links = append(desc.Links, child)
		desc.Joints = append(desc.Joints, JointDescription{Name: joint, Kind: JointRevolute, Parent: parent, Child: child})
		group = append(group, joint)
		parent = child
	}
	desc.Links = append(desc.Links, "panda_hand")
	desc.Joints = append(desc.Joints, JointDescription{Name: "panda_hand_joint", Kind: JointFixed, Parent: parent, Child: "panda_hand"})
	desc.Groups = []GroupDescription{{Name: "arm", Joints: group}}
	return desc
}

func TestSixJointGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	names := make([]string, 6)
	for i := range names {
		names[i] = fmt.Sprintf("panda_joint%d", i+1)
	}
	HandleServiceFunc(bus, DefaultIKService, func(ctx context.Context, req GetPositionIKRequest) (GetPositionIKResponse, error) {
		resp := GetPositionIKResponse{ErrorCode: MoveItErrorCodesMsg{Val: ErrorCodeSuccess}}
		resp.Solution.JointState = NewJointState(names, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
		return resp, nil
	})
	c, err := NewMoveGroupController(ControllerConfig{Group: "arm"}, ControllerDeps{
		Bus:         bus,
		Description: pandaDescription(),
		Logger:      logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	assert.Len(t, c.Group().JointNames(), 6)

	start := NewJointState(names, make([]float64, 6))
	sol, err := c.SolveIK(ctx, start, r3.Vector{X: 0.4, Z: 0.3}, spatialmath.NewZeroOrientation())
	require.NoError(t, err)
	require.True(t, c.State().HasValidPose)
	require.NoError(t, c.Execute(ctx, NewForwardTrajectory(start, sol)))
	id := c.CurrentTrajectoryID()
	require.True(t, IsLocalOrigin(id))

	r := NewStatusReconciler(func() []*MoveGroupController { return []*MoveGroupController{c} }, nil, logging.NewTestLogger(t))
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusActive)}}})
	assert.False(t, c.State().IsComplete)
	assert.Equal(t, StatusActive, c.State().Status)

	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{{GoalID: GoalIDMsg{ID: id}, Status: uint8(StatusSucceeded)}}})
	assert.True(t, c.State().IsComplete)
	assert.Equal(t, StatusSucceeded, c.State().Status)

	before := c.State()
	r.Handle(GoalStatusArrayMsg{StatusList: []GoalStatusMsg{
		{GoalID: GoalIDMsg{ID: "3f2c-rviz"}, Status: uint8(StatusAborted)},
		{GoalID: GoalIDMsg{ID: "unknown" + LocalOriginSuffix}, Status: uint8(StatusActive)},
	}})
	after := c.State()
	assert.Equal(t, before.Status, after.Status, "foreign goals change nothing")
	assert.Equal(t, before.IsComplete, after.IsComplete)
	assert.Equal(t, id, c.CurrentTrajectoryID())
}
