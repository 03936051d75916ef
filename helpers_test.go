package moveit_sim

import (
	"context"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// testDescription is a two joint arm with a fixed hand.
func testDescription() *RobotDescription {
	return &RobotDescription{
		Name:  "Panda",
		Links: []string{"base", "link1", "link2", "hand"},
		Joints: []JointDescription{
			{Name: "joint1", Kind: JointRevolute, Parent: "base", Child: "link1"},
			{Name: "joint2", Kind: JointRevolute, Parent: "link1", Child: "link2"},
			{Name: "hand_joint", Kind: JointFixed, Parent: "link2", Child: "hand"},
		},
		Groups: []GroupDescription{
			{Name: "arm", Joints: []string{"joint1", "joint2"}},
		},
	}
}

// fakeScene answers apply and get planning scene calls on a MemoryBus and
// records every applied diff.
type fakeScene struct {
	mu      sync.Mutex
	applied []PlanningSceneMsg
	reject  bool
	current PlanningSceneMsg
}

func newFakeScene(bus *MemoryBus) *fakeScene {
	f := &fakeScene{}
	HandleServiceFunc(bus, DefaultApplySceneService,
		func(ctx context.Context, req ApplyPlanningSceneRequest) (ApplyPlanningSceneResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.applied = append(f.applied, req.Scene)
			return ApplyPlanningSceneResponse{Success: !f.reject}, nil
		})
	HandleServiceFunc(bus, DefaultGetSceneService,
		func(ctx context.Context, req GetPlanningSceneRequest) (GetPlanningSceneResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return GetPlanningSceneResponse{Scene: f.current}, nil
		})
	return f
}

func (f *fakeScene) setReject(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = reject
}

func (f *fakeScene) setCurrent(scene PlanningSceneMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = scene
}

func (f *fakeScene) appliedScenes() []PlanningSceneMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlanningSceneMsg(nil), f.applied...)
}

func newTestSceneSync(t *testing.T, bus Bus, host SceneHost, recovery string) *SceneSync {
	t.Helper()
	return NewSceneSync(SceneSyncConfig{RecoveryFile: recovery}, SceneSyncDeps{
		Bus:    bus,
		Host:   host,
		Logger: logging.NewTestLogger(t),
	})
}

func boxAt(t *testing.T, host *SimHost, name string, x, y, z float64) *CollisionObject {
	t.Helper()
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: x, Y: y, Z: z})
	shape := BoxShape(0.1, 0.1, 0.1)
	id := NewObjectID(name, false)
	body, err := host.CreateBody(id, shape, pose)
	if err != nil {
		t.Fatalf("creating body: %v", err)
	}
	return NewCollisionObject(ObjectConfig{ID: id, Name: name, Shape: shape}, body)
}

func remoteBox(id string, x, y, z float64) CollisionObjectMsg {
	msg := CollisionObjectMsg{
		Header: HeaderMsg{FrameID: DefaultWorldFrame},
		ID:     id,
		Pose:   PoseMsg{Position: PointMsg{X: x, Y: y, Z: z}, Orientation: IdentityQuaternion},
	}
	BoxShape(0.2, 0.2, 0.2).fillMsg(&msg)
	return msg
}
