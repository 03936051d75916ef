package moveit_sim

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
)

// PickablePrefix marks object ids that pick/place may grasp.
const PickablePrefix = "pickable_"

// Authority says which side owns an object's pose and lifecycle.
type Authority int

const (
	AuthorityUnowned Authority = iota
	AuthorityLocal
	AuthorityRemote
)

func (a Authority) String() string {
	switch a {
	case AuthorityLocal:
		return "local"
	case AuthorityRemote:
		return "remote"
	default:
		return "unowned"
	}
}

// Ownership is the tagged ownership state of an object. Attachment is carried
// alongside the authority and changes only through attach/detach.
type Ownership struct {
	authority  Authority
	attachedTo string
}

func LocalOwned() Ownership  { return Ownership{authority: AuthorityLocal} }
func RemoteOwned() Ownership { return Ownership{authority: AuthorityRemote} }

func (o Ownership) Authority() Authority { return o.authority }
func (o Ownership) Attached() bool       { return o.attachedTo != "" }

// AttachedTo returns the link the object is attached to, if any.
func (o Ownership) AttachedTo() (string, bool) {
	return o.attachedTo, o.attachedTo != ""
}

func (o Ownership) attach(link string) Ownership {
	o.attachedTo = link
	return o
}

func (o Ownership) detach() Ownership {
	o.attachedTo = ""
	return o
}

func (o Ownership) String() string {
	if o.Attached() {
		return fmt.Sprintf("%s@%s", o.authority, o.attachedTo)
	}
	return o.authority.String()
}

// SceneBody is the engine-side representation of a collision object.
type SceneBody interface {
	// Pose is the world pose of the body.
	Pose() spatialmath.Pose
	SetPose(p spatialmath.Pose)
	// SetLocalPose positions the body relative to its parent link.
	SetLocalPose(p spatialmath.Pose)
	// SetParent reparents the body under link, or to the world when link is empty.
	SetParent(link string)
	SetCollidersEnabled(enabled bool)
	Rebuild(shape Shape) error
	Destroy()
}

// SceneHost creates engine bodies and resolves robot link poses.
type SceneHost interface {
	CreateBody(id string, shape Shape, pose spatialmath.Pose) (SceneBody, error)
	LinkPose(link string) (spatialmath.Pose, bool)
}

var objectSeq atomic.Int64

// ObjectConfig describes a collision object at creation time.
type ObjectConfig struct {
	// ID is generated from Name when empty.
	ID       string
	Name     string
	Shape    Shape
	Pickable bool
	Frozen   bool
	// Drift thresholds for outbound pose updates, in meters and degrees.
	RefreshDistance float64
	RefreshAngle    float64
}

const (
	defaultRefreshDistance = 0.02
	defaultRefreshAngle    = 1.0
)

// CollisionObject is a single scene object tracked by the registry.
type CollisionObject struct {
	mu sync.RWMutex

	id   string
	name string

	ownership Ownership
	frozen    bool
	removed   bool

	refreshDistance float64
	refreshAngle    float64

	body  SceneBody
	shape Shape

	lastPose   spatialmath.Pose
	lastUpdate time.Time
	velocity   r3.Vector
}

// NewObjectID derives a process-unique object id from name. Pickable objects
// carry the pickable prefix.
func NewObjectID(name string, pickable bool) string {
	if name == "" {
		name = "object"
	}
	id := fmt.Sprintf("%s_%d", name, objectSeq.Add(1))
	if pickable {
		id = PickablePrefix + id
	}
	return id
}

// NewCollisionObject wraps body as an unowned scene object.
func NewCollisionObject(cfg ObjectConfig, body SceneBody) *CollisionObject {
	id := cfg.ID
	if id == "" {
		id = NewObjectID(cfg.Name, cfg.Pickable)
	}
	if cfg.RefreshDistance <= 0 {
		cfg.RefreshDistance = defaultRefreshDistance
	}
	if cfg.RefreshAngle <= 0 {
		cfg.RefreshAngle = defaultRefreshAngle
	}
	obj := &CollisionObject{
		id:              id,
		name:            cfg.Name,
		frozen:          cfg.Frozen,
		refreshDistance: cfg.RefreshDistance,
		refreshAngle:    cfg.RefreshAngle,
		body:            body,
		shape:           cfg.Shape,
	}
	if body != nil {
		obj.lastPose = body.Pose()
	}
	return obj
}

// newRemoteObject builds an object mirrored from the remote scene.
func newRemoteObject(msg CollisionObjectMsg, body SceneBody, now time.Time) *CollisionObject {
	obj := NewCollisionObject(ObjectConfig{ID: msg.ID, Name: msg.ID, Shape: ShapeFromMsg(msg)}, body)
	obj.ownership = RemoteOwned()
	obj.lastPose = msg.Pose.Pose()
	obj.lastUpdate = now
	return obj
}

func (o *CollisionObject) ID() string   { return o.id }
func (o *CollisionObject) Name() string { return o.name }

// Pickable reports whether the object id carries the pickable marker.
func (o *CollisionObject) Pickable() bool {
	return strings.Contains(o.id, PickablePrefix)
}

func (o *CollisionObject) Ownership() Ownership {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ownership
}

func (o *CollisionObject) IsLocal() bool  { return o.Ownership().Authority() == AuthorityLocal }
func (o *CollisionObject) IsRemote() bool { return o.Ownership().Authority() == AuthorityRemote }

func (o *CollisionObject) Frozen() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.frozen
}

// SetFrozen suspends or resumes synchronization for the object.
func (o *CollisionObject) SetFrozen(frozen bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = frozen
}

func (o *CollisionObject) Removed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.removed
}

func (o *CollisionObject) Shape() Shape {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.shape
}

func (o *CollisionObject) Body() SceneBody { return o.body }

// Pose is the current world pose of the object.
func (o *CollisionObject) Pose() spatialmath.Pose {
	if o.body == nil {
		o.mu.RLock()
		defer o.mu.RUnlock()
		if o.lastPose == nil {
			return spatialmath.NewZeroPose()
		}
		return o.lastPose
	}
	return o.body.Pose()
}

// Velocity is the last estimated linear velocity, in meters per second.
func (o *CollisionObject) Velocity() r3.Vector {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.velocity
}

func (o *CollisionObject) LastUpdate() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUpdate
}

// Drifted reports whether the current pose has moved past either refresh
// threshold since the last synchronized pose.
func (o *CollisionObject) Drifted() bool {
	o.mu.RLock()
	last := o.lastPose
	dist, angle := o.refreshDistance, o.refreshAngle
	o.mu.RUnlock()
	if last == nil {
		return true
	}
	cur := o.Pose()
	if cur.Point().Sub(last.Point()).Norm() > dist {
		return true
	}
	return angleBetween(cur.Orientation(), last.Orientation()) > angle
}

// stamp records the current pose as synchronized.
func (o *CollisionObject) stamp(now time.Time) {
	pose := o.Pose()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastPose = pose
	o.lastUpdate = now
}

// stampPose records pose as the synchronized pose.
func (o *CollisionObject) stampPose(pose spatialmath.Pose, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastPose = pose
	o.lastUpdate = now
}

func (o *CollisionObject) setOwnership(own Ownership) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ownership = own
}

// claimLocal moves a registered object to local authority and clears any
// earlier removal.
func (o *CollisionObject) claimLocal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ownership = Ownership{authority: AuthorityLocal, attachedTo: o.ownership.attachedTo}
	o.removed = false
}

func (o *CollisionObject) markRemoved() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = true
}

func (o *CollisionObject) setShape(s Shape) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shape = s
}

func (o *CollisionObject) setVelocity(v r3.Vector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.velocity = v
}

// ToMessage renders the object as a collision object message in frame.
func (o *CollisionObject) ToMessage(op byte, frame string) CollisionObjectMsg {
	msg := CollisionObjectMsg{
		Header:    HeaderMsg{FrameID: frame},
		ID:        o.id,
		Operation: op,
	}
	if op == OperationRemove {
		return msg
	}
	msg.Pose = PoseMsgFromPose(o.Pose())
	if op != OperationMove {
		o.Shape().fillMsg(&msg)
	}
	return msg
}

// angleBetween returns the rotation angle between two orientations in degrees.
func angleBetween(a, b spatialmath.Orientation) float64 {
	qa, qb := a.Quaternion(), b.Quaternion()
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	if dot < 0 {
		dot = -dot
	}
	if dot > 1 {
		dot = 1
	}
	return 2 * rdkutils.RadToDeg(math.Acos(dot))
}
