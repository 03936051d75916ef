package moveit_sim

import (
	"sort"
	"sync"
	"time"
)

type registryEntry struct {
	object       *CollisionObject
	registeredAt time.Time
	seq          uint64
}

// SceneRegistry indexes the collision objects known to the session and the
// robot links objects may attach to. It also owns the pending-addition queue,
// which producers on any goroutine may append to.
type SceneRegistry struct {
	entries map[string]*registryEntry // object id -> entry
	links   map[string]struct{}
	nextSeq uint64
	mu      sync.RWMutex

	additions additionQueue
}

func NewSceneRegistry() *SceneRegistry {
	return &SceneRegistry{
		entries: make(map[string]*registryEntry),
		links:   make(map[string]struct{}),
	}
}

// Register adds obj. It reports false when the id is already present.
func (r *SceneRegistry) Register(obj *CollisionObject) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[obj.ID()]; exists {
		return false
	}
	r.nextSeq++
	r.entries[obj.ID()] = &registryEntry{object: obj, registeredAt: time.Now(), seq: r.nextSeq}
	return true
}

// Unregister removes id and returns the object that was registered under it.
func (r *SceneRegistry) Unregister(id string) (*CollisionObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	delete(r.entries, id)
	return entry.object, true
}

func (r *SceneRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[id]
	return exists
}

func (r *SceneRegistry) Get(id string) (*CollisionObject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	return entry.object, true
}

// All returns registered objects in registration order.
func (r *SceneRegistry) All() []*CollisionObject {
	return r.filter(func(*CollisionObject) bool { return true })
}

// Local returns objects under local authority.
func (r *SceneRegistry) Local() []*CollisionObject {
	return r.filter((*CollisionObject).IsLocal)
}

// Remote returns objects under remote authority.
func (r *SceneRegistry) Remote() []*CollisionObject {
	return r.filter((*CollisionObject).IsRemote)
}

// Attached returns objects currently attached to a link.
func (r *SceneRegistry) Attached() []*CollisionObject {
	return r.filter(func(o *CollisionObject) bool { return o.Ownership().Attached() })
}

func (r *SceneRegistry) filter(keep func(*CollisionObject) bool) []*CollisionObject {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.object) {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	out := make([]*CollisionObject, len(entries))
	for i, e := range entries {
		out[i] = e.object
	}
	return out
}

// LocalIDs returns the ids of local-authority objects.
func (r *SceneRegistry) LocalIDs() []string {
	local := r.Local()
	ids := make([]string, len(local))
	for i, o := range local {
		ids[i] = o.ID()
	}
	return ids
}

func (r *SceneRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RegisterLink makes link available as an attachment target.
func (r *SceneRegistry) RegisterLink(link string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link] = struct{}{}
}

func (r *SceneRegistry) HasLink(link string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.links[link]
	return ok
}

// Enqueue schedules obj for inclusion in the next outbound diff.
func (r *SceneRegistry) Enqueue(obj *CollisionObject) {
	r.additions.push(obj)
}

// DrainAdditions atomically takes every queued object in FIFO order.
func (r *SceneRegistry) DrainAdditions() []*CollisionObject {
	return r.additions.drain()
}

// Pending reports whether obj is still waiting in the addition queue.
func (r *SceneRegistry) Pending(obj *CollisionObject) bool {
	return r.additions.contains(obj)
}

// PendingAdditions is the current queue length.
func (r *SceneRegistry) PendingAdditions() int {
	return r.additions.len()
}

type additionQueue struct {
	mu    sync.Mutex
	items []*CollisionObject
}

func (q *additionQueue) push(obj *CollisionObject) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, obj)
}

func (q *additionQueue) drain() []*CollisionObject {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *additionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *additionQueue) contains(obj *CollisionObject) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item == obj {
			return true
		}
	}
	return false
}
