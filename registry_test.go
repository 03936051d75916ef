package moveit_sim

import (
	"fmt"
	"sync"
	"testing"
)

// TestRegistryCreation tests basic registry creation and initialization
func TestRegistryCreation(t *testing.T) {
	registry := NewSceneRegistry()

	if registry.entries == nil {
		t.Fatal("Registry entries map not initialized")
	}
	if registry.links == nil {
		t.Fatal("Registry links map not initialized")
	}
	if registry.Len() != 0 {
		t.Fatal("Registry should start empty")
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewSceneRegistry()
	obj := NewCollisionObject(ObjectConfig{Name: "box"}, nil)

	if !registry.Register(obj) {
		t.Fatal("first registration should succeed")
	}
	if registry.Register(obj) {
		t.Fatal("duplicate registration should fail")
	}
	if got, ok := registry.Get(obj.ID()); !ok || got != obj {
		t.Fatalf("Get(%s) = %v, %v", obj.ID(), got, ok)
	}

	removed, ok := registry.Unregister(obj.ID())
	if !ok || removed != obj {
		t.Fatal("Unregister should return the registered object")
	}
	if _, ok := registry.Unregister(obj.ID()); ok {
		t.Fatal("second Unregister should fail")
	}
	if registry.Has(obj.ID()) {
		t.Fatal("object should be gone")
	}
}

// TestAuthorityViews checks the filtered views keep registration order
func TestAuthorityViews(t *testing.T) {
	registry := NewSceneRegistry()
	var local, remote []*CollisionObject
	for i := 0; i < 3; i++ {
		l := NewCollisionObject(ObjectConfig{Name: fmt.Sprintf("local%d", i)}, nil)
		l.setOwnership(LocalOwned())
		r := NewCollisionObject(ObjectConfig{Name: fmt.Sprintf("remote%d", i)}, nil)
		r.setOwnership(RemoteOwned())
		registry.Register(l)
		registry.Register(r)
		local = append(local, l)
		remote = append(remote, r)
	}
	remote[1].setOwnership(remote[1].Ownership().attach("hand"))

	gotLocal := registry.Local()
	if len(gotLocal) != 3 {
		t.Fatalf("expected 3 local objects, got %d", len(gotLocal))
	}
	for i, o := range gotLocal {
		if o != local[i] {
			t.Errorf("local[%d] out of order: %s", i, o.ID())
		}
	}
	gotRemote := registry.Remote()
	for i, o := range gotRemote {
		if o != remote[i] {
			t.Errorf("remote[%d] out of order: %s", i, o.ID())
		}
	}
	attached := registry.Attached()
	if len(attached) != 1 || attached[0] != remote[1] {
		t.Fatalf("expected one attached object, got %d", len(attached))
	}
	ids := registry.LocalIDs()
	if len(ids) != 3 || ids[0] != local[0].ID() {
		t.Fatalf("unexpected local ids %v", ids)
	}
	if registry.Len() != 6 {
		t.Fatalf("expected 6 objects, got %d", registry.Len())
	}
}

func TestLinks(t *testing.T) {
	registry := NewSceneRegistry()
	registry.RegisterLink("hand")
	if !registry.HasLink("hand") {
		t.Fatal("hand should be registered")
	}
	if registry.HasLink("wrist") {
		t.Fatal("wrist should not be registered")
	}
}

func TestAdditionQueue(t *testing.T) {
	registry := NewSceneRegistry()
	a := NewCollisionObject(ObjectConfig{Name: "a"}, nil)
	b := NewCollisionObject(ObjectConfig{Name: "b"}, nil)
	registry.Enqueue(a)
	registry.Enqueue(b)

	if !registry.Pending(a) || registry.PendingAdditions() != 2 {
		t.Fatal("both objects should be pending")
	}
	drained := registry.DrainAdditions()
	if len(drained) != 2 || drained[0] != a || drained[1] != b {
		t.Fatal("drain should return objects in FIFO order")
	}
	if registry.Pending(a) || registry.PendingAdditions() != 0 {
		t.Fatal("queue should be empty after drain")
	}
}

// TestConcurrentRegistryAccess tests thread safety under concurrent access
func TestConcurrentRegistryAccess(t *testing.T) {
	registry := NewSceneRegistry()
	const numGoroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj := NewCollisionObject(ObjectConfig{Name: fmt.Sprintf("obj%d", i)}, nil)
			obj.setOwnership(LocalOwned())
			registry.Register(obj)
			registry.Enqueue(obj)
			_ = registry.Local()
			_ = registry.DrainAdditions()
			if i%2 == 0 {
				registry.Unregister(obj.ID())
			}
		}(i)
	}
	wg.Wait()

	if got := registry.Len(); got != numGoroutines/2 {
		t.Fatalf("expected %d objects, got %d", numGoroutines/2, got)
	}
}
