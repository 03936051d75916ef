package moveit_sim

import (
	"context"
	"fmt"

	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/spatialmath"
)

// DoCommand exposes the scene, the move groups and the trajectory database.
// Poses use the viam convention: millimetres and an orientation vector in
// degrees.
func (s *SimService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	session, err := s.Session()
	if err != nil {
		return nil, err
	}
	scene := session.Scene()
	robot := session.Robot()

	switch cmd["command"] {
	case "add_object":
		name, _ := cmd["name"].(string)
		shape, err := shapeFromCommand(cmd["shape"])
		if err != nil {
			return nil, err
		}
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		pickable, _ := cmd["pickable"].(bool)
		obj, err := session.NewLocalObject(name, shape, pose, pickable)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": obj.ID()}, nil

	case "move_object":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		if obj.Body() == nil {
			return nil, fmt.Errorf("object %s has no body", obj.ID())
		}
		obj.Body().SetPose(pose)
		return map[string]interface{}{"queued": scene.UpdateLocalObject(obj)}, nil

	case "remove_object":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"removed": scene.RemoveObject(obj, false, true)}, nil

	case "attach":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		link, ok := cmd["link"].(string)
		if !ok {
			return nil, fmt.Errorf("attach command requires 'link' string parameter")
		}
		return map[string]interface{}{"success": true}, scene.AttachObject(obj, link)

	case "detach":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, scene.DetachObject(obj)

	case "list_objects":
		objs := session.Registry().All()
		out := make([]interface{}, 0, len(objs))
		for _, o := range objs {
			out = append(out, map[string]interface{}{
				"id":        o.ID(),
				"ownership": o.Ownership().String(),
				"pickable":  o.Pickable(),
				"pose":      poseToCommand(o.Pose()),
			})
		}
		return map[string]interface{}{"objects": out}, nil

	case "flush":
		return map[string]interface{}{"success": true}, scene.Flush(ctx)

	case "clear_orphans":
		return map[string]interface{}{"success": true}, scene.ClearOrphans(ctx)

	case "set_target", "solve_ik":
		group, err := stringArg(cmd, "group")
		if err != nil {
			return nil, err
		}
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		var joints JointState
		if cmd["command"] == "set_target" {
			joints, err = robot.SetTarget(ctx, group, pose.Point(), pose.Orientation())
		} else {
			var c *MoveGroupController
			if c, err = robot.Group(group); err == nil {
				joints, err = c.SolveIK(ctx, robot.planningState(), pose.Point(), pose.Orientation())
			}
		}
		if err != nil {
			return nil, err
		}
		return jointsToCommand(joints), nil

	case "go_to_planning_pose":
		group, err := stringArg(cmd, "group")
		if err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return map[string]interface{}{"success": true}, robot.GoToPlanningPose(ctx, group)

	case "reset_planning_pose":
		robot.ResetPlanningPose()
		return map[string]interface{}{"success": true}, nil

	case "execute_named":
		group, err := stringArg(cmd, "group")
		if err != nil {
			return nil, err
		}
		name, err := stringArg(cmd, "name")
		if err != nil {
			return nil, err
		}
		c, err := robot.Group(group)
		if err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return map[string]interface{}{"success": true}, c.ExecuteNamedTrajectory(ctx, name)

	case "play_sequence":
		events, err := eventsFromCommand(cmd["events"])
		if err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return map[string]interface{}{"success": true}, session.Sequencer().Play(ctx, events)

	case "stop":
		s.opMgr.CancelRunning(ctx)
		return map[string]interface{}{"success": true}, nil

	case "set_scaling":
		group, err := stringArg(cmd, "group")
		if err != nil {
			return nil, err
		}
		c, err := robot.Group(group)
		if err != nil {
			return nil, err
		}
		velocity, vok := cmd["velocity"].(float64)
		acceleration, aok := cmd["acceleration"].(float64)
		if !vok || !aok {
			return nil, fmt.Errorf("set_scaling requires 'velocity' and 'acceleration' numbers")
		}
		if velocity <= 0 || velocity > 1 || acceleration <= 0 || acceleration > 1 {
			return nil, fmt.Errorf("scaling factors must be in (0, 1], got %.2f and %.2f", velocity, acceleration)
		}
		c.SetScaling(velocity, acceleration)
		return map[string]interface{}{"velocity": velocity, "acceleration": acceleration}, nil

	case "begin_trajectory":
		name, _ := cmd["name"].(string)
		t, err := robot.BeginTrajectory(name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"name": t.Name}, nil

	case "save_pose":
		group, err := stringArg(cmd, "group")
		if err != nil {
			return nil, err
		}
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		t, err := robot.SavePose(ctx, group, pose.Point(), pose.Orientation())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"name": t.Name, "waypoints": len(t.Positions)}, nil

	case "list_trajectories":
		names := session.Trajectories().List()
		out := make([]interface{}, 0, len(names))
		for _, n := range names {
			out = append(out, n)
		}
		return map[string]interface{}{"trajectories": out}, nil

	case "delete_trajectory":
		name, err := stringArg(cmd, "name")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, session.Trajectories().Delete(name)

	case "status":
		groups := map[string]interface{}{}
		for _, c := range robot.Controllers() {
			st := c.State()
			ready, reason := st.IsReady()
			groups[c.Name()] = map[string]interface{}{
				"status":         st.Status.String(),
				"is_complete":    st.IsComplete,
				"computing_ik":   st.ComputingIK,
				"has_valid_pose": st.HasValidPose,
				"trajectory_id":  st.TrajectoryID,
				"status_text":    st.StatusText,
				"ready":          ready,
				"reason":         reason,
			}
		}
		reg := session.Registry()
		return map[string]interface{}{
			"groups":            groups,
			"local_objects":     len(reg.Local()),
			"remote_objects":    len(reg.Remote()),
			"pending_additions": reg.PendingAdditions(),
			"mirror_ready":      session.LiveMirror().Ready(),
		}, nil

	case "stats":
		st := session.Monitor().Stats()
		return map[string]interface{}{
			"flushes_per_sec": st.FlushesPerSec,
			"pulls_per_sec":   st.PullsPerSec,
			"ik_per_sec":      st.IKPerSec,
			"flush_ms":        st.FlushMs,
			"pull_ms":         st.PullMs,
			"ik_ms":           st.IKMs,
		}, nil

	case "pick":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, session.PickPlace().Pick(ctx, obj)

	case "place":
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, session.PickPlace().Place(ctx, pose)

	case "pick_and_place":
		obj, err := objectFromCommand(session, cmd)
		if err != nil {
			return nil, err
		}
		pose, err := poseFromCommand(cmd["pose"])
		if err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return map[string]interface{}{"success": true}, session.PickPlace().PickAndPlace(ctx, obj, pose)

	case "joint_positions":
		return map[string]interface{}{
			"remote":   jointsToCommand(session.LiveMirror().Remote()),
			"planning": jointsToCommand(robot.planningState()),
		}, nil

	case "notices":
		recent := session.Notices().Recent()
		out := make([]interface{}, 0, len(recent))
		for _, n := range recent {
			out = append(out, n)
		}
		return map[string]interface{}{"notices": out}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func stringArg(cmd map[string]interface{}, key string) (string, error) {
	v, ok := cmd[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%v command requires '%s' string parameter", cmd["command"], key)
	}
	return v, nil
}

func objectFromCommand(session *Session, cmd map[string]interface{}) (*CollisionObject, error) {
	id, err := stringArg(cmd, "id")
	if err != nil {
		return nil, err
	}
	obj, ok := session.Registry().Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown object %s", id)
	}
	return obj, nil
}

func number(m map[string]interface{}, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

// poseFromCommand decodes {x, y, z, o_x, o_y, o_z, theta} in millimetres and
// degrees into a pose in metres.
func poseFromCommand(v interface{}) (spatialmath.Pose, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("pose must be an object with x, y, z, o_x, o_y, o_z, theta")
	}
	pb := &commonpb.Pose{
		X:     number(m, "x"),
		Y:     number(m, "y"),
		Z:     number(m, "z"),
		OX:    number(m, "o_x"),
		OY:    number(m, "o_y"),
		OZ:    number(m, "o_z"),
		Theta: number(m, "theta"),
	}
	if pb.OX == 0 && pb.OY == 0 && pb.OZ == 0 {
		pb.OZ = 1
	}
	p := spatialmath.NewPoseFromProtobuf(pb)
	return spatialmath.NewPose(p.Point().Mul(0.001), p.Orientation()), nil
}

func poseToCommand(p spatialmath.Pose) map[string]interface{} {
	if p == nil {
		return nil
	}
	pb := spatialmath.PoseToProtobuf(spatialmath.NewPose(p.Point().Mul(1000), p.Orientation()))
	return map[string]interface{}{
		"x": pb.X, "y": pb.Y, "z": pb.Z,
		"o_x": pb.OX, "o_y": pb.OY, "o_z": pb.OZ, "theta": pb.Theta,
	}
}

// shapeFromCommand decodes {type: box|sphere|cylinder, dims: [...]} with
// dimensions in metres.
func shapeFromCommand(v interface{}) (Shape, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Shape{}, fmt.Errorf("shape must be an object with 'type' and 'dims'")
	}
	raw, _ := m["dims"].([]interface{})
	dims := make([]float64, 0, len(raw))
	for _, d := range raw {
		f, ok := d.(float64)
		if !ok || f <= 0 {
			return Shape{}, fmt.Errorf("shape dimensions must be positive numbers")
		}
		dims = append(dims, f)
	}
	switch m["type"] {
	case "box":
		if len(dims) != 3 {
			return Shape{}, fmt.Errorf("box needs 3 dimensions, got %d", len(dims))
		}
		return BoxShape(dims[0], dims[1], dims[2]), nil
	case "sphere":
		if len(dims) != 1 {
			return Shape{}, fmt.Errorf("sphere needs 1 dimension, got %d", len(dims))
		}
		return SphereShape(dims[0]), nil
	case "cylinder":
		if len(dims) != 2 {
			return Shape{}, fmt.Errorf("cylinder needs height and radius, got %d dimensions", len(dims))
		}
		return CylinderShape(dims[0], dims[1]), nil
	default:
		return Shape{}, fmt.Errorf("unsupported shape type %v", m["type"])
	}
}

func eventsFromCommand(v interface{}) ([]PathEvent, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("events must be a list of {path, group}")
	}
	events := make([]PathEvent, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("events[%d] must be an object", i)
		}
		path, _ := m["path"].(string)
		group, _ := m["group"].(string)
		if path == "" || group == "" {
			return nil, fmt.Errorf("events[%d] needs path and group", i)
		}
		events = append(events, PathEvent{Path: path, Group: group})
	}
	return events, nil
}

func jointsToCommand(js JointState) map[string]interface{} {
	names := make([]interface{}, len(js.Name))
	positions := make([]interface{}, len(js.Position))
	for i, n := range js.Name {
		names[i] = n
	}
	for i, p := range js.Position {
		positions[i] = p
	}
	return map[string]interface{}{"names": names, "positions": positions}
}
