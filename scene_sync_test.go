package moveit_sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func TestAddLocalObjectFlush(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	recovery := filepath.Join(t.TempDir(), "local_objects.txt")
	sync := newTestSceneSync(t, bus, host, recovery)

	obj := boxAt(t, host, "box", 0.5, 0, 0.1)
	require.True(t, sync.AddLocalObject(obj))
	assert.False(t, sync.AddLocalObject(obj), "duplicate add")
	assert.True(t, obj.IsLocal())

	ids, err := ReadRecoveryFile(recovery)
	require.NoError(t, err)
	assert.Equal(t, []string{obj.ID()}, ids)

	require.NoError(t, sync.Flush(ctx))
	applied := remote.appliedScenes()
	require.Len(t, applied, 1)
	require.Len(t, applied[0].World.CollisionObjects, 1)
	added := applied[0].World.CollisionObjects[0]
	assert.Equal(t, obj.ID(), added.ID)
	assert.Equal(t, OperationAdd, added.Operation)
	assert.InDelta(t, 0.5, added.Pose.Position.X, 1e-9)

	// Nothing changed, nothing sent.
	require.NoError(t, sync.Flush(ctx))
	assert.Len(t, remote.appliedScenes(), 1)

	obj.Body().SetPose(spatialmath.NewPoseFromPoint(r3.Vector{X: 0.8, Z: 0.1}))
	require.NoError(t, sync.Flush(ctx))
	applied = remote.appliedScenes()
	require.Len(t, applied, 2)
	require.Len(t, applied[1].World.CollisionObjects, 1)
	moved := applied[1].World.CollisionObjects[0]
	assert.Equal(t, OperationMove, moved.Operation)
	assert.InDelta(t, 0.8, moved.Pose.Position.X, 1e-9)
}

func TestAddLocalObjectRejectsRemote(t *testing.T) {
	host := NewSimHost()
	sync := newTestSceneSync(t, NewMemoryBus(), host, "")
	obj := boxAt(t, host, "box", 0, 0, 0)
	obj.setOwnership(RemoteOwned())
	assert.False(t, sync.AddLocalObject(obj))
	assert.False(t, sync.AddLocalObject(nil))
	assert.Equal(t, 0, sync.Registry().Len())
}

func TestSmallDriftIsNotSent(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")

	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))
	require.NoError(t, sync.Flush(ctx))

	obj.Body().SetPose(spatialmath.NewPoseFromPoint(r3.Vector{X: 0.005}))
	require.NoError(t, sync.Flush(ctx))
	assert.Len(t, remote.appliedScenes(), 1)
}

func TestRemoveBeforeFlushStaysLocal(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")

	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))
	require.True(t, sync.RemoveObject(obj, false, true))
	assert.False(t, sync.RemoveObject(obj, false, true))
	assert.True(t, obj.Removed())
	assert.True(t, obj.Body().(*SimBody).Destroyed())

	require.NoError(t, sync.Flush(ctx))
	assert.Empty(t, remote.appliedScenes())
}

func TestRemoveBetweenDrainAndDiff(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	recovery := filepath.Join(t.TempDir(), "local_objects.txt")
	sync := newTestSceneSync(t, bus, host, recovery)

	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))

	// The flush drained the queue, then the object was removed before its
	// add reached the diff.
	drained := sync.Registry().DrainAdditions()
	require.Len(t, drained, 1)
	require.True(t, sync.RemoveObject(obj, false, false))
	assert.False(t, sync.queueAddition(drained[0], time.Now()))

	require.NoError(t, sync.Flush(ctx))
	for _, scene := range remote.appliedScenes() {
		for _, o := range scene.World.CollisionObjects {
			assert.NotEqual(t, OperationAdd, o.Operation, "removed object re-created remotely")
		}
	}
	ids, err := ReadRecoveryFile(recovery)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemoveAfterFlushIsSent(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	recovery := filepath.Join(t.TempDir(), "local_objects.txt")
	sync := newTestSceneSync(t, bus, host, recovery)

	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))
	require.NoError(t, sync.Flush(ctx))
	require.True(t, sync.RemoveObject(obj, false, false))
	require.NoError(t, sync.Flush(ctx))

	applied := remote.appliedScenes()
	require.Len(t, applied, 2)
	require.Len(t, applied[1].World.CollisionObjects, 1)
	assert.Equal(t, OperationRemove, applied[1].World.CollisionObjects[0].Operation)

	ids, err := ReadRecoveryFile(recovery)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFlushWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")

	bus.SetConnectionError(true)
	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))
	require.NoError(t, sync.Flush(ctx))
	assert.Equal(t, 1, sync.Registry().PendingAdditions(), "addition stays queued")
	assert.False(t, sync.UpdateLocalObject(obj))

	bus.SetConnectionError(false)
	require.NoError(t, sync.Flush(ctx))
	assert.Len(t, remote.appliedScenes(), 1)
	assert.Equal(t, 0, sync.Registry().PendingAdditions())
}

func TestFrozenObjectWaits(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")

	obj := boxAt(t, host, "box", 0, 0, 0)
	obj.SetFrozen(true)
	require.True(t, sync.AddLocalObject(obj))
	require.NoError(t, sync.Flush(ctx))
	assert.Empty(t, remote.appliedScenes())

	obj.SetFrozen(false)
	require.NoError(t, sync.Flush(ctx))
	assert.Len(t, remote.appliedScenes(), 1)
}

func TestRejectedFlushIsRetried(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")

	remote.setReject(true)
	obj := boxAt(t, host, "box", 0, 0, 0)
	require.True(t, sync.AddLocalObject(obj))
	assert.Error(t, sync.Flush(ctx))

	pending := sync.PendingDiff()
	require.Len(t, pending.World.CollisionObjects, 1)
	assert.Equal(t, OperationAdd, pending.World.CollisionObjects[0].Operation)

	remote.setReject(false)
	require.NoError(t, sync.Flush(ctx))
	applied := remote.appliedScenes()
	require.Len(t, applied, 2)
	assert.Equal(t, obj.ID(), applied[1].World.CollisionObjects[0].ID)
}

func TestAttachLocalObject(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	host.SetLinkPose("hand", spatialmath.NewPoseFromPoint(r3.Vector{Z: 1}))
	sync := newTestSceneSync(t, bus, host, "")

	obj := boxAt(t, host, "box", 0, 0, 0.9)
	require.True(t, sync.AddLocalObject(obj))
	require.NoError(t, sync.Flush(ctx))

	require.NoError(t, sync.AttachObject(obj, "hand"))
	link, ok := obj.Ownership().AttachedTo()
	require.True(t, ok)
	assert.Equal(t, "hand", link)
	body := obj.Body().(*SimBody)
	assert.False(t, body.CollidersEnabled())
	assert.Equal(t, "hand", body.Parent())
	assert.False(t, sync.UpdateLocalObject(obj), "attached objects are not moved")

	// The body follows the link.
	host.SetLinkPose("hand", spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3, Z: 1}))
	assert.InDelta(t, 0.3, obj.Pose().Point().X, 1e-9)
	assert.InDelta(t, 0.9, obj.Pose().Point().Z, 1e-9)

	require.NoError(t, sync.Flush(ctx))
	applied := remote.appliedScenes()
	require.Len(t, applied, 2)
	require.Len(t, applied[1].RobotState.AttachedCollisionObjects, 1)
	assert.Equal(t, "hand", applied[1].RobotState.AttachedCollisionObjects[0].LinkName)

	require.NoError(t, sync.DetachObject(obj))
	assert.False(t, obj.Ownership().Attached())
	assert.True(t, body.CollidersEnabled())
	assert.Equal(t, "", body.Parent())
	require.NoError(t, sync.Flush(ctx))
	applied = remote.appliedScenes()
	require.Len(t, applied, 3)
	detach := applied[2]
	require.Len(t, detach.RobotState.AttachedCollisionObjects, 1)
	assert.Equal(t, OperationRemove, detach.RobotState.AttachedCollisionObjects[0].Object.Operation)
	require.Len(t, detach.World.CollisionObjects, 1)
	assert.InDelta(t, 0.3, detach.World.CollisionObjects[0].Pose.Position.X, 1e-9)
}

func TestPullFromRemote(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	host.SetLinkPose("hand", spatialmath.NewZeroPose())
	feed := NewNoticeFeed(10, nil)
	sync := NewSceneSync(SceneSyncConfig{NotifyChanges: true}, SceneSyncDeps{
		Bus:      bus,
		Host:     host,
		Logger:   logging.NewTestLogger(t),
		Notifier: feed,
	})
	sync.Registry().RegisterLink("hand")

	local := boxAt(t, host, "mine", 0, 0, 0)
	require.True(t, sync.AddLocalObject(local))

	remote.setCurrent(PlanningSceneMsg{World: PlanningSceneWorldMsg{
		CollisionObjects: []CollisionObjectMsg{remoteBox("table", 1, 0, 0)},
	}})
	require.NoError(t, sync.PullFromRemote(ctx))

	table, ok := sync.Registry().Get("table")
	require.True(t, ok)
	assert.True(t, table.IsRemote())
	assert.InDelta(t, 1.0, table.Pose().Point().X, 1e-9)
	_, hasBody := host.Body("table")
	assert.True(t, hasBody)
	assert.Contains(t, feed.Recent(), "Added table")

	t.Run("moves and reshapes", func(t *testing.T) {
		moved := remoteBox("table", 2, 0, 0)
		moved.Primitives[0].Dimensions = []float64{1, 1, 1}
		remote.setCurrent(PlanningSceneMsg{World: PlanningSceneWorldMsg{
			CollisionObjects: []CollisionObjectMsg{moved},
		}})
		require.NoError(t, sync.PullFromRemote(ctx))
		assert.InDelta(t, 2.0, table.Pose().Point().X, 1e-9)
		assert.Equal(t, []float64{1, 1, 1}, table.Shape().Primitives[0].Dimensions)
	})

	t.Run("attaches to known links", func(t *testing.T) {
		remote.setCurrent(PlanningSceneMsg{RobotState: RobotStateMsg{
			AttachedCollisionObjects: []AttachedCollisionObjectMsg{
				{LinkName: "hand", Object: remoteBox("table", 0, 0, 0)},
			},
		}})
		require.NoError(t, sync.PullFromRemote(ctx))
		link, attached := table.Ownership().AttachedTo()
		assert.True(t, attached)
		assert.Equal(t, "hand", link)
	})

	t.Run("removes objects gone upstream", func(t *testing.T) {
		remote.setCurrent(PlanningSceneMsg{})
		require.NoError(t, sync.PullFromRemote(ctx))
		assert.False(t, sync.Registry().Has("table"))
		_, hasBody := host.Body("table")
		assert.False(t, hasBody)
		assert.Contains(t, feed.Recent(), "Removed table")
		assert.True(t, sync.Registry().Has(local.ID()), "local objects are untouched")
	})
}

func TestPullAttachedLocalPose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	host := NewSimHost()
	sync := newTestSceneSync(t, bus, host, "")
	sync.Registry().RegisterLink("hand")

	held := func(x float64) PlanningSceneMsg {
		return PlanningSceneMsg{RobotState: RobotStateMsg{
			AttachedCollisionObjects: []AttachedCollisionObjectMsg{
				{LinkName: "hand", Object: remoteBox("cup", x, 0, 0)},
			},
		}}
	}
	remote.setCurrent(held(0))
	require.NoError(t, sync.PullFromRemote(ctx))
	cup, ok := sync.Registry().Get("cup")
	require.True(t, ok)
	require.True(t, cup.Ownership().Attached())

	// The hand has not been posed yet, so it sits at the origin.
	remote.setCurrent(held(0.3))
	require.NoError(t, sync.PullFromRemote(ctx))
	assert.InDelta(t, 0.3, cup.Pose().Point().X, 1e-9)

	host.SetLinkPose("hand", spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Z: 0.5}))
	assert.InDelta(t, 1.3, cup.Pose().Point().X, 1e-9, "attached objects follow the link")
	assert.InDelta(t, 0.5, cup.Pose().Point().Z, 1e-9)
}

func TestPullSkippedWhileDisconnected(t *testing.T) {
	bus := NewMemoryBus()
	newFakeScene(bus)
	sync := newTestSceneSync(t, bus, NewSimHost(), "")
	bus.SetConnectionError(true)
	require.NoError(t, sync.PullFromRemote(context.Background()))
	assert.Empty(t, bus.Calls(DefaultGetSceneService))
}

func TestClearOrphans(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	remote := newFakeScene(bus)
	recovery := filepath.Join(t.TempDir(), "local_objects.txt")
	require.NoError(t, WriteRecoveryFile(recovery, []string{"box_1", "pickable_cup_2"}))

	feed := NewNoticeFeed(10, nil)
	sync := NewSceneSync(SceneSyncConfig{RecoveryFile: recovery}, SceneSyncDeps{
		Bus:      bus,
		Logger:   logging.NewTestLogger(t),
		Notifier: feed,
	})
	require.NoError(t, sync.ClearOrphans(ctx))

	applied := remote.appliedScenes()
	require.Len(t, applied, 1)
	require.Len(t, applied[0].World.CollisionObjects, 2)
	for _, o := range applied[0].World.CollisionObjects {
		assert.Equal(t, OperationRemove, o.Operation)
	}
	assert.Equal(t, []string{"Planning scene cleared successfully"}, feed.Recent())

	t.Run("rejected", func(t *testing.T) {
		remote.setReject(true)
		assert.Error(t, sync.ClearOrphans(ctx))
		assert.Contains(t, feed.Recent(), "Planning scene cleared unsuccessfully")
	})
}

func TestRecoveryFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "objects.txt")
	ids, err := ReadRecoveryFile(path)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, WriteRecoveryFile(path, []string{"a_1", "b_2"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a_1\nb_2\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("a_1\n\n  c_3 \n"), 0o644))
	ids, err = ReadRecoveryFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1", "c_3"}, ids)
}
