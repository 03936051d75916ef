package moveit_sim

import (
	"strings"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// LocalOriginSuffix tags trajectory ids issued by this process so status
// updates for other clients' goals can be ignored.
const LocalOriginSuffix = "-sim"

// MoveGroup is an immutable named subset of robot joints planned as a unit.
type MoveGroup struct {
	name   string
	joints []string
	index  map[string]int
}

func NewMoveGroup(name string, desc *RobotDescription) (*MoveGroup, error) {
	if desc == nil {
		return nil, errors.New("robot description is required")
	}
	joints, err := desc.GroupJoints(name)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(joints))
	for i, j := range joints {
		index[j] = i
	}
	return &MoveGroup{name: name, joints: joints, index: index}, nil
}

func (g *MoveGroup) Name() string { return g.name }

// JointNames returns a copy of the ordered joint names.
func (g *MoveGroup) JointNames() []string {
	return append([]string(nil), g.joints...)
}

func (g *MoveGroup) Contains(joint string) bool {
	_, ok := g.index[joint]
	return ok
}

// FilterJoints keeps only the entries of js that belong to the group,
// preserving their order in js.
func (g *MoveGroup) FilterJoints(js JointState) JointState {
	out := JointState{Header: js.Header}
	for i, name := range js.Name {
		if !g.Contains(name) || i >= len(js.Position) {
			continue
		}
		out.Name = append(out.Name, name)
		out.Position = append(out.Position, js.Position[i])
		if i < len(js.Velocity) {
			out.Velocity = append(out.Velocity, js.Velocity[i])
		}
		if i < len(js.Effort) {
			out.Effort = append(out.Effort, js.Effort[i])
		}
	}
	return out
}

// Overlay returns base with the group's joints replaced by values from js.
func (g *MoveGroup) Overlay(base, js JointState) JointState {
	out := base.Clone()
	for i, name := range out.Name {
		if !g.Contains(name) {
			continue
		}
		if p, ok := js.PositionOf(name); ok && i < len(out.Position) {
			out.Position[i] = p
		}
	}
	return out
}

// ForwardTrajectory is an ordered list of joint-space snapshots.
type ForwardTrajectory struct {
	ID          string       `json:"id"`
	JointStates []JointState `json:"joint_states"`
}

// NewForwardTrajectory stamps a fresh locally-originated id.
func NewForwardTrajectory(states ...JointState) ForwardTrajectory {
	return ForwardTrajectory{ID: NewTrajectoryID(), JointStates: states}
}

func NewTrajectoryID() string {
	return uuid.NewString() + LocalOriginSuffix
}

// IsLocalOrigin reports whether id was issued by this process.
func IsLocalOrigin(id string) bool {
	return strings.HasSuffix(id, LocalOriginSuffix)
}

// InverseTrajectory is an ordered list of Cartesian waypoints for a group's
// end effector plus the joint state to seed IK from.
type InverseTrajectory struct {
	Name          string
	Positions     []r3.Vector
	Rotations     []QuaternionMsg
	StartingState JointState
	// VelAcc is {velocity scale, acceleration scale}.
	VelAcc []float64
}

// Waypoint returns the i-th waypoint as a pose.
func (t InverseTrajectory) Waypoint(i int) spatialmath.Pose {
	return spatialmath.NewPose(t.Positions[i], t.Rotations[i].Orientation())
}

func (t InverseTrajectory) Valid() bool {
	return len(t.Positions) > 0 && len(t.Positions) == len(t.Rotations)
}

// TrajectoryStatus is the goal status reported by the planning service.
type TrajectoryStatus uint8

const (
	StatusPending    TrajectoryStatus = 0
	StatusActive     TrajectoryStatus = 1
	StatusPreempted  TrajectoryStatus = 2
	StatusSucceeded  TrajectoryStatus = 3
	StatusAborted    TrajectoryStatus = 4
	StatusRejected   TrajectoryStatus = 5
	StatusPreempting TrajectoryStatus = 6
	StatusRecalling  TrajectoryStatus = 7
	StatusRecalled   TrajectoryStatus = 8
	StatusLost       TrajectoryStatus = 9
	StatusNone       TrajectoryStatus = 255
)

var statusNames = map[TrajectoryStatus]string{
	StatusPending:    "PENDING",
	StatusActive:     "ACTIVE",
	StatusPreempted:  "PREEMPTED",
	StatusSucceeded:  "SUCCEEDED",
	StatusAborted:    "ABORTED",
	StatusRejected:   "REJECTED",
	StatusPreempting: "PREEMPTING",
	StatusRecalling:  "RECALLING",
	StatusRecalled:   "RECALLED",
	StatusLost:       "LOST",
	StatusNone:       "NONE",
}

func (s TrajectoryStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// InProgress reports whether a trajectory in this status is still executing.
// None means no status has arrived yet and does not change completion.
func (s TrajectoryStatus) InProgress() bool {
	switch s {
	case StatusPending, StatusActive, StatusPreempting, StatusRecalling:
		return true
	}
	return false
}

// Terminal reports whether the status ends execution.
func (s TrajectoryStatus) Terminal() bool {
	return s != StatusNone && !s.InProgress()
}
