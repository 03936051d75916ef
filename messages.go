package moveit_sim

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// Wire contracts exchanged with the remote planning service. Field names follow
// the planning service's message definitions so they survive a JSON bridge.

// Collision object operations
const (
	OperationAdd    byte = 0
	OperationRemove byte = 1
	OperationAppend byte = 2
	OperationMove   byte = 3
)

// IK error codes returned by the planning service
const (
	ErrorCodeSuccess      int32 = 1
	ErrorCodeNoIKSolution int32 = -31
)

// Planning scene component bits for a full scene request
const (
	SceneComponentsAll uint32 = 1023
)

type TimeMsg struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

type HeaderMsg struct {
	Stamp   TimeMsg `json:"stamp"`
	FrameID string  `json:"frame_id"`
}

type PointMsg struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type QuaternionMsg struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type PoseMsg struct {
	Position    PointMsg      `json:"position"`
	Orientation QuaternionMsg `json:"orientation"`
}

type PoseStampedMsg struct {
	Header HeaderMsg `json:"header"`
	Pose   PoseMsg   `json:"pose"`
}

type DurationMsg struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// IdentityQuaternion is the no-rotation orientation.
var IdentityQuaternion = QuaternionMsg{W: 1}

// durationFromSeconds splits fractional seconds into a DurationMsg.
func durationFromSeconds(seconds float64) DurationMsg {
	whole := math.Floor(seconds)
	return DurationMsg{
		Sec:     int32(whole),
		Nanosec: uint32((seconds - whole) * 1e9),
	}
}

// PointFromVector converts an r3 vector to a PointMsg.
func PointFromVector(v r3.Vector) PointMsg {
	return PointMsg{X: v.X, Y: v.Y, Z: v.Z}
}

// Vector returns the point as an r3 vector.
func (p PointMsg) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// QuaternionFromOrientation converts any spatialmath orientation to wire form.
func QuaternionFromOrientation(o spatialmath.Orientation) QuaternionMsg {
	if o == nil {
		return IdentityQuaternion
	}
	q := o.Quaternion()
	return QuaternionMsg{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}

// Orientation returns the quaternion as a spatialmath orientation.
func (q QuaternionMsg) Orientation() spatialmath.Orientation {
	if q == (QuaternionMsg{}) {
		q = IdentityQuaternion
	}
	return &spatialmath.Quaternion{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// PoseMsgFromPose converts a spatialmath pose to wire form. A nil pose maps to
// the identity pose.
func PoseMsgFromPose(p spatialmath.Pose) PoseMsg {
	if p == nil {
		return PoseMsg{Orientation: IdentityQuaternion}
	}
	return PoseMsg{
		Position:    PointFromVector(p.Point()),
		Orientation: QuaternionFromOrientation(p.Orientation()),
	}
}

// Pose returns the message as a spatialmath pose.
func (p PoseMsg) Pose() spatialmath.Pose {
	return spatialmath.NewPose(p.Position.Vector(), p.Orientation.Orientation())
}

// JointState is an ordered, named joint-position snapshot.
type JointState struct {
	Header   HeaderMsg `json:"header"`
	Name     []string  `json:"name"`
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity,omitempty"`
	Effort   []float64 `json:"effort,omitempty"`
}

// NewJointState builds a joint state from parallel name/position slices.
func NewJointState(names []string, positions []float64) JointState {
	return JointState{
		Name:     append([]string(nil), names...),
		Position: append([]float64(nil), positions...),
	}
}

// Empty reports whether the state carries no joints.
func (js JointState) Empty() bool {
	return len(js.Name) == 0 || len(js.Position) == 0
}

// Clone returns a deep copy.
func (js JointState) Clone() JointState {
	out := JointState{
		Header:   js.Header,
		Name:     append([]string(nil), js.Name...),
		Position: append([]float64(nil), js.Position...),
	}
	if js.Velocity != nil {
		out.Velocity = append([]float64(nil), js.Velocity...)
	}
	if js.Effort != nil {
		out.Effort = append([]float64(nil), js.Effort...)
	}
	return out
}

// PositionOf looks up a joint position by name.
func (js JointState) PositionOf(name string) (float64, bool) {
	for i, n := range js.Name {
		if n == name && i < len(js.Position) {
			return js.Position[i], true
		}
	}
	return 0, false
}

// PositionsEqual compares positions element-wise.
func (js JointState) PositionsEqual(other JointState) bool {
	if len(js.Position) != len(other.Position) {
		return false
	}
	for i := range js.Position {
		if js.Position[i] != other.Position[i] {
			return false
		}
	}
	return true
}

// Inputs returns the positions as rdk frame-system inputs.
func (js JointState) Inputs() []referenceframe.Input {
	return referenceframe.FloatsToInputs(js.Position)
}

type SolidPrimitiveMsg struct {
	Type       uint8     `json:"type"`
	Dimensions []float64 `json:"dimensions"`
}

type MeshTriangleMsg struct {
	VertexIndices [3]uint32 `json:"vertex_indices"`
}

type MeshMsg struct {
	Triangles []MeshTriangleMsg `json:"triangles"`
	Vertices  []PointMsg        `json:"vertices"`
}

type CollisionObjectMsg struct {
	Header         HeaderMsg           `json:"header"`
	Pose           PoseMsg             `json:"pose"`
	ID             string              `json:"id"`
	Primitives     []SolidPrimitiveMsg `json:"primitives"`
	PrimitivePoses []PoseMsg           `json:"primitive_poses"`
	Meshes         []MeshMsg           `json:"meshes"`
	MeshPoses      []PoseMsg           `json:"mesh_poses"`
	Operation      byte                `json:"operation"`
}

type AttachedCollisionObjectMsg struct {
	LinkName   string             `json:"link_name"`
	Object     CollisionObjectMsg `json:"object"`
	TouchLinks []string           `json:"touch_links"`
	Weight     float64            `json:"weight"`
}

type RobotStateMsg struct {
	JointState               JointState                   `json:"joint_state"`
	AttachedCollisionObjects []AttachedCollisionObjectMsg `json:"attached_collision_objects"`
	IsDiff                   bool                         `json:"is_diff"`
}

type PlanningSceneWorldMsg struct {
	CollisionObjects []CollisionObjectMsg `json:"collision_objects"`
}

type PlanningSceneMsg struct {
	Name       string                `json:"name"`
	RobotState RobotStateMsg         `json:"robot_state"`
	World      PlanningSceneWorldMsg `json:"world"`
	IsDiff     bool                  `json:"is_diff"`
}

type ApplyPlanningSceneRequest struct {
	Scene PlanningSceneMsg `json:"scene"`
}

type ApplyPlanningSceneResponse struct {
	Success bool `json:"success"`
}

type PlanningSceneComponentsMsg struct {
	Components uint32 `json:"components"`
}

type GetPlanningSceneRequest struct {
	Components PlanningSceneComponentsMsg `json:"components"`
}

type GetPlanningSceneResponse struct {
	Scene PlanningSceneMsg `json:"scene"`
}

type MoveItErrorCodesMsg struct {
	Val int32 `json:"val"`
}

type PositionIKRequestMsg struct {
	GroupName       string         `json:"group_name"`
	RobotState      RobotStateMsg  `json:"robot_state"`
	AvoidCollisions bool           `json:"avoid_collisions"`
	IKLinkName      string         `json:"ik_link_name"`
	PoseStamped     PoseStampedMsg `json:"pose_stamped"`
	Timeout         DurationMsg    `json:"timeout"`
	Attempts        int32          `json:"attempts"`
}

type GetPositionIKRequest struct {
	IKRequest PositionIKRequestMsg `json:"ik_request"`
}

type GetPositionIKResponse struct {
	Solution  RobotStateMsg       `json:"solution"`
	ErrorCode MoveItErrorCodesMsg `json:"error_code"`
}

type JointConstraintMsg struct {
	JointName      string  `json:"joint_name"`
	Position       float64 `json:"position"`
	ToleranceAbove float64 `json:"tolerance_above"`
	ToleranceBelow float64 `json:"tolerance_below"`
	Weight         float64 `json:"weight"`
}

type ConstraintsMsg struct {
	Name             string               `json:"name"`
	JointConstraints []JointConstraintMsg `json:"joint_constraints"`
}

type WorkspaceParametersMsg struct {
	Header    HeaderMsg `json:"header"`
	MinCorner PointMsg  `json:"min_corner"`
	MaxCorner PointMsg  `json:"max_corner"`
}

type MotionPlanRequestMsg struct {
	WorkspaceParameters          WorkspaceParametersMsg `json:"workspace_parameters"`
	StartState                   RobotStateMsg          `json:"start_state"`
	GoalConstraints              []ConstraintsMsg       `json:"goal_constraints"`
	PipelineID                   string                 `json:"pipeline_id"`
	PlannerID                    string                 `json:"planner_id"`
	GroupName                    string                 `json:"group_name"`
	NumPlanningAttempts          int32                  `json:"num_planning_attempts"`
	AllowedPlanningTime          float64                `json:"allowed_planning_time"`
	MaxVelocityScalingFactor     float64                `json:"max_velocity_scaling_factor"`
	MaxAccelerationScalingFactor float64                `json:"max_acceleration_scaling_factor"`
}

type PlanningOptionsMsg struct {
	PlanOnly       bool    `json:"plan_only"`
	Replan         bool    `json:"replan"`
	ReplanAttempts int32   `json:"replan_attempts"`
	ReplanDelay    float64 `json:"replan_delay"`
}

type MoveGroupGoalMsg struct {
	Request         MotionPlanRequestMsg `json:"request"`
	PlanningOptions PlanningOptionsMsg   `json:"planning_options"`
}

type GoalIDMsg struct {
	Stamp TimeMsg `json:"stamp"`
	ID    string  `json:"id"`
}

type MoveGroupActionGoalMsg struct {
	Header HeaderMsg        `json:"header"`
	GoalID GoalIDMsg        `json:"goal_id"`
	Goal   MoveGroupGoalMsg `json:"goal"`
}

type GoalStatusMsg struct {
	GoalID GoalIDMsg `json:"goal_id"`
	Status uint8     `json:"status"`
	Text   string    `json:"text"`
}

type GoalStatusArrayMsg struct {
	Header     HeaderMsg       `json:"header"`
	StatusList []GoalStatusMsg `json:"status_list"`
}

type StringMsg struct {
	Data string `json:"data"`
}

type EmptyMsg struct{}

type PickMsg struct {
	ObjectName     string  `json:"object_name"`
	GroupName      string  `json:"group_name"`
	ApproachHeight float64 `json:"approach_height"`
}

type PlaceMsg struct {
	ObjectName     string         `json:"object_name"`
	GroupName      string         `json:"group_name"`
	PlacePose      PoseStampedMsg `json:"place_pose"`
	ApproachHeight float64        `json:"approach_height"`
}
