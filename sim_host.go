package moveit_sim

import (
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// SimHost is an in-memory SceneHost. Bodies keep their geometry as rdk
// geometries and resolve attached poses through the host's link table.
type SimHost struct {
	mu     sync.RWMutex
	links  map[string]spatialmath.Pose
	bodies map[string]*SimBody
}

func NewSimHost() *SimHost {
	return &SimHost{
		links:  make(map[string]spatialmath.Pose),
		bodies: make(map[string]*SimBody),
	}
}

// SetLinkPose updates the world pose of a robot link.
func (h *SimHost) SetLinkPose(link string, pose spatialmath.Pose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[link] = pose
}

func (h *SimHost) LinkPose(link string) (spatialmath.Pose, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.links[link]
	return p, ok
}

// parentPose is the link pose used to resolve attached bodies. A link that has
// not been posed yet sits at the world origin.
func (h *SimHost) parentPose(link string) spatialmath.Pose {
	if p, ok := h.LinkPose(link); ok {
		return p
	}
	return spatialmath.NewZeroPose()
}

func (h *SimHost) CreateBody(id string, shape Shape, pose spatialmath.Pose) (SceneBody, error) {
	if pose == nil {
		pose = spatialmath.NewZeroPose()
	}
	b := &SimBody{id: id, host: h, pose: pose, colliders: true}
	if err := b.Rebuild(shape); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.bodies[id] = b
	h.mu.Unlock()
	return b, nil
}

// Body returns the live body registered under id.
func (h *SimHost) Body(id string) (*SimBody, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bodies[id]
	return b, ok
}

func (h *SimHost) dropBody(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bodies, id)
}

// SimBody is the SceneBody produced by SimHost.
type SimBody struct {
	mu        sync.RWMutex
	id        string
	host      *SimHost
	pose      spatialmath.Pose
	local     spatialmath.Pose
	parent    string
	colliders bool
	destroyed bool
	geoms     []spatialmath.Geometry
}

// Pose resolves the world pose, composing with the parent link when attached.
func (b *SimBody) Pose() spatialmath.Pose {
	b.mu.RLock()
	parent, local, pose := b.parent, b.local, b.pose
	b.mu.RUnlock()
	if parent != "" && local != nil {
		return spatialmath.Compose(b.host.parentPose(parent), local)
	}
	return pose
}

func (b *SimBody) SetPose(p spatialmath.Pose) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pose = p
	if b.parent != "" {
		b.local = spatialmath.PoseBetween(b.host.parentPose(b.parent), p)
	}
}

func (b *SimBody) SetLocalPose(p spatialmath.Pose) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = p
	if b.parent == "" {
		b.pose = p
		return
	}
	b.pose = spatialmath.Compose(b.host.parentPose(b.parent), p)
}

// SetParent keeps the world pose fixed while changing the parent.
func (b *SimBody) SetParent(link string) {
	world := b.Pose()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = link
	b.pose = world
	b.local = nil
	if link == "" {
		return
	}
	b.local = spatialmath.PoseBetween(b.host.parentPose(link), world)
}

func (b *SimBody) Parent() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

func (b *SimBody) SetCollidersEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.colliders = enabled
}

func (b *SimBody) CollidersEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.colliders
}

func (b *SimBody) Rebuild(shape Shape) error {
	geoms, err := shape.Geometries(b.id)
	if err != nil {
		return errors.Wrapf(err, "building geometry for %s", b.id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.geoms = geoms
	return nil
}

// Geometries returns the body geometry in world coordinates.
func (b *SimBody) Geometries() []spatialmath.Geometry {
	world := b.Pose()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]spatialmath.Geometry, 0, len(b.geoms))
	for _, g := range b.geoms {
		out = append(out, g.Transform(world))
	}
	return out
}

func (b *SimBody) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
	b.host.dropBody(b.id)
}

func (b *SimBody) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}
