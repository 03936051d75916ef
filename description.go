package moveit_sim

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// JointKind is the joint type from the robot description.
type JointKind string

const (
	JointRevolute   JointKind = "revolute"
	JointContinuous JointKind = "continuous"
	JointPrismatic  JointKind = "prismatic"
	JointFixed      JointKind = "fixed"
)

// Angular reports whether the joint position is an angle.
func (k JointKind) Angular() bool {
	return k == JointRevolute || k == JointContinuous
}

type JointDescription struct {
	Name   string    `json:"name"`
	Kind   JointKind `json:"type"`
	Parent string    `json:"parent"`
	Child  string    `json:"child"`
	// Origin places the child link in the parent link frame at zero position.
	Origin JointOrigin `json:"origin"`
	// Axis of rotation or translation in the joint frame. Defaults to +Z.
	Axis []float64 `json:"axis,omitempty"`
}

// JointOrigin is a joint's fixed offset: translation in metres and fixed-axis
// roll, pitch, yaw in radians.
type JointOrigin struct {
	XYZ [3]float64 `json:"xyz"`
	RPY [3]float64 `json:"rpy"`
}

type GroupDescription struct {
	Name   string   `json:"name"`
	Joints []string `json:"joints"`
	// EndEffectorLink overrides the tip joint's child link as the IK target.
	EndEffectorLink string `json:"end_effector_link,omitempty"`
}

// RobotDescription is the parsed kinematic description of a robot: links,
// joints and planning groups. Parsing of the source format is done upstream;
// this module only consumes the result.
type RobotDescription struct {
	Name   string             `json:"name"`
	Links  []string           `json:"links"`
	Joints []JointDescription `json:"joints"`
	Groups []GroupDescription `json:"groups"`
}

// LoadRobotDescription reads a JSON robot description.
func LoadRobotDescription(path string) (*RobotDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading robot description %s", path)
	}
	var desc RobotDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrapf(err, "parsing robot description %s", path)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Validate checks that every group references known joints and every joint
// references known links.
func (d *RobotDescription) Validate() error {
	links := make(map[string]bool, len(d.Links))
	for _, l := range d.Links {
		links[l] = true
	}
	joints := make(map[string]bool, len(d.Joints))
	for _, j := range d.Joints {
		if j.Name == "" {
			return errors.New("joint with empty name")
		}
		if !links[j.Parent] || !links[j.Child] {
			return errors.Errorf("joint %s references unknown link", j.Name)
		}
		if len(j.Axis) != 0 && len(j.Axis) != 3 {
			return errors.Errorf("joint %s axis needs 3 values", j.Name)
		}
		if len(j.Axis) == 3 && j.Axis[0] == 0 && j.Axis[1] == 0 && j.Axis[2] == 0 {
			return errors.Errorf("joint %s has a zero axis", j.Name)
		}
		joints[j.Name] = true
	}
	for _, g := range d.Groups {
		if len(g.Joints) == 0 {
			return errors.Errorf("group %s has no joints", g.Name)
		}
		for _, j := range g.Joints {
			if !joints[j] {
				return errors.Errorf("group %s references unknown joint %s", g.Name, j)
			}
		}
		if g.EndEffectorLink != "" && !links[g.EndEffectorLink] {
			return errors.Errorf("group %s end effector %s is not a link", g.Name, g.EndEffectorLink)
		}
	}
	return nil
}

func (d *RobotDescription) Joint(name string) (JointDescription, bool) {
	for _, j := range d.Joints {
		if j.Name == name {
			return j, true
		}
	}
	return JointDescription{}, false
}

func (d *RobotDescription) Group(name string) (GroupDescription, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupDescription{}, false
}

func (d *RobotDescription) HasLink(name string) bool {
	for _, l := range d.Links {
		if l == name {
			return true
		}
	}
	return false
}

// GroupJoints returns the ordered joint names of a group.
func (d *RobotDescription) GroupJoints(group string) ([]string, error) {
	g, ok := d.Group(group)
	if !ok {
		return nil, errors.Wrap(ErrUnknownGroup, group)
	}
	return append([]string(nil), g.Joints...), nil
}

// EndEffectorLink resolves the IK link of a group: the explicit end effector
// when configured, otherwise the child link of the group's last joint.
func (d *RobotDescription) EndEffectorLink(group string) (string, error) {
	g, ok := d.Group(group)
	if !ok {
		return "", errors.Wrap(ErrUnknownGroup, group)
	}
	if g.EndEffectorLink != "" {
		return g.EndEffectorLink, nil
	}
	tip, ok := d.Joint(g.Joints[len(g.Joints)-1])
	if !ok {
		return "", errors.Errorf("group %s tip joint missing", group)
	}
	return tip.Child, nil
}

// BaseLink is the parent link of a group's first joint.
func (d *RobotDescription) BaseLink(group string) (string, error) {
	g, ok := d.Group(group)
	if !ok {
		return "", errors.Wrap(ErrUnknownGroup, group)
	}
	base, ok := d.Joint(g.Joints[0])
	if !ok {
		return "", errors.Errorf("group %s base joint missing", group)
	}
	return base.Parent, nil
}

// AllJointNames returns every non-fixed joint in description order.
func (d *RobotDescription) AllJointNames() []string {
	var names []string
	for _, j := range d.Joints {
		if j.Kind != JointFixed {
			names = append(names, j.Name)
		}
	}
	return names
}
