package moveit_sim

// SceneDiff accumulates outbound planning scene changes for one flush.
// Entries coalesce per object id:
//   - removing an object added in the same diff drops both
//   - repeated moves keep only the latest pose
//   - a move of an object added in the same diff updates the add
type SceneDiff struct {
	objects  []CollisionObjectMsg
	attached []AttachedCollisionObjectMsg
	added    map[string]bool
	frame    string
}

func NewSceneDiff(frame string) *SceneDiff {
	return &SceneDiff{added: make(map[string]bool), frame: frame}
}

func (d *SceneDiff) Empty() bool {
	return len(d.objects) == 0 && len(d.attached) == 0
}

// Len is the number of entries that will be sent.
func (d *SceneDiff) Len() int {
	return len(d.objects) + len(d.attached)
}

func (d *SceneDiff) Add(msg CollisionObjectMsg) {
	msg.Operation = OperationAdd
	d.dropObjects(msg.ID)
	d.objects = append(d.objects, msg)
	d.added[msg.ID] = true
}

func (d *SceneDiff) Move(msg CollisionObjectMsg) {
	for i := range d.objects {
		if d.objects[i].ID != msg.ID {
			continue
		}
		switch d.objects[i].Operation {
		case OperationAdd, OperationMove:
			d.objects[i].Pose = msg.Pose
			return
		}
	}
	msg.Operation = OperationMove
	msg.Primitives, msg.PrimitivePoses, msg.Meshes, msg.MeshPoses = nil, nil, nil, nil
	d.objects = append(d.objects, msg)
}

// Remove schedules removal of id. It reports false when the removal cancelled
// a pending add instead.
func (d *SceneDiff) Remove(id string) bool {
	d.dropObjects(id)
	d.dropAttached(id, "")
	if d.added[id] {
		delete(d.added, id)
		return false
	}
	d.objects = append(d.objects, CollisionObjectMsg{
		Header:    HeaderMsg{FrameID: d.frame},
		ID:        id,
		Operation: OperationRemove,
	})
	return true
}

func (d *SceneDiff) Attach(a AttachedCollisionObjectMsg) {
	a.Object.Operation = OperationAdd
	d.dropAttached(a.Object.ID, "")
	d.attached = append(d.attached, a)
}

// Detach cancels a pending attach of id to link. When no attach was pending
// it schedules a detach followed by re-adding the object to the world at pose.
func (d *SceneDiff) Detach(id, link string, world CollisionObjectMsg) {
	if d.dropAttached(id, link) {
		return
	}
	d.attached = append(d.attached, AttachedCollisionObjectMsg{
		LinkName: link,
		Object: CollisionObjectMsg{
			Header:    HeaderMsg{FrameID: d.frame},
			ID:        id,
			Operation: OperationRemove,
		},
	})
	world.Operation = OperationAdd
	d.dropObjects(id)
	d.objects = append(d.objects, world)
}

// Merge replays other after the entries already in d.
func (d *SceneDiff) Merge(other *SceneDiff) {
	for _, o := range other.objects {
		switch o.Operation {
		case OperationAdd:
			if other.added[o.ID] {
				d.Add(o)
			} else {
				d.objects = append(d.objects, o)
			}
		case OperationMove:
			d.Move(o)
		case OperationRemove:
			d.Remove(o.ID)
		default:
			d.objects = append(d.objects, o)
		}
	}
	for _, a := range other.attached {
		if a.Object.Operation == OperationRemove {
			d.dropAttached(a.Object.ID, a.LinkName)
			d.attached = append(d.attached, a)
			continue
		}
		d.Attach(a)
	}
}

// IDs returns the ids touched by the diff, in entry order.
func (d *SceneDiff) IDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, o := range d.objects {
		if !seen[o.ID] {
			seen[o.ID] = true
			ids = append(ids, o.ID)
		}
	}
	for _, a := range d.attached {
		if !seen[a.Object.ID] {
			seen[a.Object.ID] = true
			ids = append(ids, a.Object.ID)
		}
	}
	return ids
}

// Scene renders the diff as a planning scene message.
func (d *SceneDiff) Scene() PlanningSceneMsg {
	return PlanningSceneMsg{
		IsDiff: true,
		World: PlanningSceneWorldMsg{
			CollisionObjects: append([]CollisionObjectMsg(nil), d.objects...),
		},
		RobotState: RobotStateMsg{
			IsDiff:                   true,
			AttachedCollisionObjects: append([]AttachedCollisionObjectMsg(nil), d.attached...),
		},
	}
}

func (d *SceneDiff) dropObjects(id string) {
	kept := d.objects[:0]
	for _, o := range d.objects {
		if o.ID != id {
			kept = append(kept, o)
		}
	}
	d.objects = kept
}

// dropAttached removes pending attach entries for id, restricted to link when
// link is non-empty. It reports whether anything was removed.
func (d *SceneDiff) dropAttached(id, link string) bool {
	dropped := false
	kept := d.attached[:0]
	for _, a := range d.attached {
		if a.Object.ID == id && a.Object.Operation != OperationRemove && (link == "" || a.LinkName == link) {
			dropped = true
			continue
		}
		kept = append(kept, a)
	}
	d.attached = kept
	return dropped
}
