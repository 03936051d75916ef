package moveit_sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneDiffCoalescing(t *testing.T) {
	t.Run("remove cancels pending add", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Add(remoteBox("a", 0, 0, 0))
		assert.False(t, d.Remove("a"))
		assert.True(t, d.Empty())
	})

	t.Run("moves keep latest pose", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Move(remoteBox("a", 1, 0, 0))
		d.Move(remoteBox("a", 2, 0, 0))
		scene := d.Scene()
		require.Len(t, scene.World.CollisionObjects, 1)
		obj := scene.World.CollisionObjects[0]
		assert.Equal(t, OperationMove, obj.Operation)
		assert.Equal(t, 2.0, obj.Pose.Position.X)
		assert.Empty(t, obj.Primitives)
	})

	t.Run("move folds into add", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Add(remoteBox("a", 0, 0, 0))
		d.Move(remoteBox("a", 0, 3, 0))
		scene := d.Scene()
		require.Len(t, scene.World.CollisionObjects, 1)
		obj := scene.World.CollisionObjects[0]
		assert.Equal(t, OperationAdd, obj.Operation)
		assert.Equal(t, 3.0, obj.Pose.Position.Y)
		assert.NotEmpty(t, obj.Primitives)
	})

	t.Run("remove of unknown object is sent", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Move(remoteBox("a", 1, 0, 0))
		assert.True(t, d.Remove("a"))
		scene := d.Scene()
		require.Len(t, scene.World.CollisionObjects, 1)
		assert.Equal(t, OperationRemove, scene.World.CollisionObjects[0].Operation)
		assert.Equal(t, DefaultWorldFrame, scene.World.CollisionObjects[0].Header.FrameID)
	})
}

func TestSceneDiffAttachDetach(t *testing.T) {
	attach := AttachedCollisionObjectMsg{LinkName: "hand", Object: remoteBox("a", 0, 0, 0)}

	t.Run("detach cancels pending attach", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Attach(attach)
		d.Detach("a", "hand", remoteBox("a", 0, 0, 0))
		assert.True(t, d.Empty())
	})

	t.Run("detach without pending attach re-adds to world", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Detach("a", "hand", remoteBox("a", 0, 0, 1))
		scene := d.Scene()
		require.Len(t, scene.RobotState.AttachedCollisionObjects, 1)
		assert.Equal(t, OperationRemove, scene.RobotState.AttachedCollisionObjects[0].Object.Operation)
		require.Len(t, scene.World.CollisionObjects, 1)
		assert.Equal(t, OperationAdd, scene.World.CollisionObjects[0].Operation)
		assert.Equal(t, 1.0, scene.World.CollisionObjects[0].Pose.Position.Z)
	})

	t.Run("remove drops pending attach", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Attach(attach)
		d.Remove("a")
		assert.Empty(t, d.Scene().RobotState.AttachedCollisionObjects)
	})

	t.Run("scene is a diff", func(t *testing.T) {
		d := NewSceneDiff(DefaultWorldFrame)
		d.Attach(attach)
		scene := d.Scene()
		assert.True(t, scene.IsDiff)
		assert.True(t, scene.RobotState.IsDiff)
		assert.Equal(t, []string{"a"}, d.IDs())
	})
}

func TestSceneDiffMerge(t *testing.T) {
	failed := NewSceneDiff(DefaultWorldFrame)
	failed.Add(remoteBox("a", 0, 0, 0))
	failed.Move(remoteBox("b", 1, 0, 0))

	later := NewSceneDiff(DefaultWorldFrame)
	later.Move(remoteBox("a", 5, 0, 0))
	later.Remove("b")
	later.Add(remoteBox("c", 0, 0, 0))

	failed.Merge(later)
	scene := failed.Scene()
	byID := map[string]CollisionObjectMsg{}
	for _, o := range scene.World.CollisionObjects {
		byID[o.ID] = o
	}
	require.Len(t, byID, 3)
	assert.Equal(t, OperationAdd, byID["a"].Operation)
	assert.Equal(t, 5.0, byID["a"].Pose.Position.X)
	assert.Equal(t, OperationRemove, byID["b"].Operation)
	assert.Equal(t, OperationAdd, byID["c"].Operation)
	assert.Equal(t, 3, failed.Len())
}
