package moveit_sim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// jointFrames is one description joint as a fixed origin frame followed by the
// joint's own motion frame. Fixed joints have no motion frame.
type jointFrames struct {
	joint  JointDescription
	origin referenceframe.Frame
	motion referenceframe.Frame
}

// Kinematics computes world poses of every robot link from a joint state.
type Kinematics struct {
	roots    []string
	children map[string][]jointFrames
}

var openLimit = referenceframe.Limit{Min: -math.MaxFloat64, Max: math.MaxFloat64}

func NewKinematics(desc *RobotDescription) (*Kinematics, error) {
	k := &Kinematics{children: make(map[string][]jointFrames)}
	hasParent := make(map[string]bool)
	for _, j := range desc.Joints {
		o := j.Origin
		originPose := spatialmath.NewPose(
			r3.Vector{X: o.XYZ[0], Y: o.XYZ[1], Z: o.XYZ[2]},
			&spatialmath.EulerAngles{Roll: o.RPY[0], Pitch: o.RPY[1], Yaw: o.RPY[2]},
		)
		origin, err := referenceframe.NewStaticFrame(j.Name+"_origin", originPose)
		if err != nil {
			return nil, errors.Wrapf(err, "joint %s origin", j.Name)
		}
		axis := r3.Vector{Z: 1}
		if len(j.Axis) == 3 {
			axis = r3.Vector{X: j.Axis[0], Y: j.Axis[1], Z: j.Axis[2]}
		}
		var motion referenceframe.Frame
		switch j.Kind {
		case JointRevolute, JointContinuous:
			motion, err = referenceframe.NewRotationalFrame(j.Name,
				spatialmath.R4AA{RX: axis.X, RY: axis.Y, RZ: axis.Z}, openLimit)
		case JointPrismatic:
			motion, err = referenceframe.NewTranslationalFrame(j.Name, axis, openLimit)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "joint %s", j.Name)
		}
		k.children[j.Parent] = append(k.children[j.Parent], jointFrames{joint: j, origin: origin, motion: motion})
		hasParent[j.Child] = true
	}
	for _, l := range desc.Links {
		if !hasParent[l] {
			k.roots = append(k.roots, l)
		}
	}
	return k, nil
}

// LinkPoses walks the link tree from base, which places every root link.
// Joints missing from js are taken at zero.
func (k *Kinematics) LinkPoses(base spatialmath.Pose, js JointState) map[string]spatialmath.Pose {
	if base == nil {
		base = spatialmath.NewZeroPose()
	}
	out := make(map[string]spatialmath.Pose)
	var walk func(link string, pose spatialmath.Pose)
	walk = func(link string, pose spatialmath.Pose) {
		out[link] = pose
		for _, jf := range k.children[link] {
			child := spatialmath.Compose(pose, frameTransform(jf.origin, nil))
			if jf.motion != nil {
				q, _ := js.PositionOf(jf.joint.Name)
				child = spatialmath.Compose(child, frameTransform(jf.motion, []referenceframe.Input{{Value: q}}))
			}
			walk(jf.joint.Child, child)
		}
	}
	for _, root := range k.roots {
		walk(root, base)
	}
	return out
}

// frameTransform evaluates f. Frames here have open limits, so Transform only
// fails on a wrong input count.
func frameTransform(f referenceframe.Frame, inputs []referenceframe.Input) spatialmath.Pose {
	pose, err := f.Transform(inputs)
	if err != nil || pose == nil {
		return spatialmath.NewZeroPose()
	}
	return pose
}

// LinkPoseSetter is implemented by scene hosts that accept robot link poses.
type LinkPoseSetter interface {
	SetLinkPose(link string, pose spatialmath.Pose)
}
