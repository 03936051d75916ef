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

func TestPickPlace(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	pp := NewPickPlace(PickPlaceConfig{Group: "arm"}, bus, nil, logging.NewTestLogger(t))
	cup := NewCollisionObject(ObjectConfig{Name: "cup", Pickable: true}, nil)
	target := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.4, Z: 0.1})

	err := pp.Place(ctx, target)
	assert.Error(t, err, "nothing has been picked")
	assert.Empty(t, bus.Published(DefaultPlaceTopic))

	assert.Error(t, pp.Pick(ctx, nil))

	require.NoError(t, pp.Pick(ctx, cup))
	var pick PickMsg
	require.True(t, DecodeLast(bus.Published(DefaultPickTopic), &pick))
	assert.Equal(t, cup.ID(), pick.ObjectName)
	assert.Equal(t, "arm", pick.GroupName)
	assert.Equal(t, 0.1, pick.ApproachHeight)

	require.NoError(t, pp.Place(ctx, target))
	var place PlaceMsg
	require.True(t, DecodeLast(bus.Published(DefaultPlaceTopic), &place))
	assert.Equal(t, cup.ID(), place.ObjectName)
	assert.Equal(t, DefaultWorldFrame, place.PlacePose.Header.FrameID)
	assert.InDelta(t, 0.4, place.PlacePose.Pose.Position.X, 1e-9)

	require.NoError(t, pp.Run(ctx))
	assert.Len(t, bus.Published(DefaultRunPickPlaceTopic), 1)

	bus.SetConnectionError(true)
	assert.ErrorIs(t, pp.Pick(ctx, cup), ErrConnection)
	assert.ErrorIs(t, pp.Place(ctx, target), ErrConnection)
}

func TestPickAndPlace(t *testing.T) {
	bus := NewMemoryBus()
	scene := newFakeScene(bus)
	ss := newTestSceneSync(t, bus, NewSimHost(), "")
	pp := NewPickPlace(PickPlaceConfig{
		Group:      "arm",
		PickTopic:  "/custom/pick",
		StepDelay:  time.Millisecond,
		WorldFrame: "base",
	}, bus, ss, logging.NewTestLogger(t))
	scene.setCurrent(PlanningSceneMsg{})
	cup := NewCollisionObject(ObjectConfig{Name: "cup", Pickable: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pp.PickAndPlace(ctx, cup, spatialmath.NewZeroPose()))
	assert.NotEmpty(t, bus.Calls(DefaultGetSceneService), "the scene is refreshed first")
	assert.Len(t, bus.Published("/custom/pick"), 1)
	assert.Empty(t, bus.Published(DefaultPickTopic))
	var place PlaceMsg
	require.True(t, DecodeLast(bus.Published(DefaultPlaceTopic), &place))
	assert.Equal(t, "base", place.PlacePose.Header.FrameID)
	assert.Len(t, bus.Published(DefaultRunPickPlaceTopic), 1)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	pp.cfg.StepDelay = time.Hour
	assert.ErrorIs(t, pp.PickAndPlace(cancelled, cup, spatialmath.NewZeroPose()), context.Canceled)
}
