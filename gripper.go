package moveit_sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var AttachGripperModel = resource.NewModel("devrel", "moveit-sim", "attach-gripper")

type AttachGripperConfig struct {
	Service string `json:"service"`
	// Link the grabbed object is attached to. Defaults to the group's end
	// effector link.
	Link  string `json:"link,omitempty"`
	Group string `json:"group,omitempty"`

	// GrabRadius bounds the search for the nearest pickable object, in metres.
	GrabRadius float64 `json:"grab_radius,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *AttachGripperConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Service == "" {
		return nil, nil, fmt.Errorf("%s: must specify service", path)
	}
	if cfg.Link == "" && cfg.Group == "" {
		return nil, nil, fmt.Errorf("%s: must specify link or group", path)
	}
	if cfg.GrabRadius < 0 {
		return nil, nil, fmt.Errorf("%s: grab_radius must not be negative, got %.3f", path, cfg.GrabRadius)
	}
	if cfg.GrabRadius == 0 {
		cfg.GrabRadius = 0.05
	}
	return []string{cfg.Service}, nil, nil
}

func init() {
	resource.RegisterComponent(
		gripper.API,
		AttachGripperModel,
		resource.Registration[gripper.Gripper, *AttachGripperConfig]{
			Constructor: newAttachGripper,
		},
	)
}

// attachGripper grabs by attaching a pickable scene object to a robot link and
// releases by detaching it.
type attachGripper struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	cfg        AttachGripperConfig
	sessions   SessionProvider
	geometries []spatialmath.Geometry

	mu       sync.Mutex
	held     string
	isMoving atomic.Bool
}

func newAttachGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*AttachGripperConfig](conf)
	if err != nil {
		return nil, err
	}
	sessions, err := sessionFromDependencies(deps, cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to find scene sync service for gripper: %w", err)
	}
	return NewAttachGripper(conf.ResourceName(), *cfg, sessions, logger)
}

func NewAttachGripper(name resource.Name, cfg AttachGripperConfig, sessions SessionProvider, logger logging.Logger) (gripper.Gripper, error) {
	if cfg.GrabRadius == 0 {
		cfg.GrabRadius = 0.05
	}
	clawSize := r3.Vector{X: 67.0455, Y: 53.027, Z: 106.4}
	claws, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: clawSize.Z / 2}), clawSize, "claws")
	if err != nil {
		return nil, err
	}
	g := &attachGripper{
		Named:      name.AsNamed(),
		logger:     logger,
		cfg:        cfg,
		sessions:   sessions,
		geometries: []spatialmath.Geometry{claws},
	}
	logger.Debugf("attach gripper initialized: link=%q group=%q radius=%.3fm", cfg.Link, cfg.Group, cfg.GrabRadius)
	return g, nil
}

func (g *attachGripper) link(session *Session) (string, error) {
	if g.cfg.Link != "" {
		return g.cfg.Link, nil
	}
	c, err := session.Robot().Group(g.cfg.Group)
	if err != nil {
		return "", err
	}
	return c.EndEffector(), nil
}

// heldLocked returns the held object, forgetting it when the session no longer
// knows it.
func (g *attachGripper) heldLocked(session *Session) (*CollisionObject, bool) {
	if g.held == "" {
		return nil, false
	}
	obj, ok := session.Registry().Get(g.held)
	if !ok || obj.Removed() {
		g.held = ""
		return nil, false
	}
	return obj, true
}

// Open detaches the held object, if any.
func (g *attachGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	session, err := g.sessions.Session()
	if err != nil {
		return err
	}
	obj, ok := g.heldLocked(session)
	if !ok {
		g.logger.Debug("open with nothing held")
		return nil
	}
	if err := session.Scene().DetachObject(obj); err != nil {
		return fmt.Errorf("failed to release %s: %w", obj.ID(), err)
	}
	g.logger.Debugf("released %s", obj.ID())
	g.held = ""
	return nil
}

// Grab attaches extra["object"] or, when unset, the nearest pickable world
// object within the grab radius of the link.
func (g *attachGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	session, err := g.sessions.Session()
	if err != nil {
		return false, err
	}
	if _, ok := g.heldLocked(session); ok {
		return true, nil
	}
	link, err := g.link(session)
	if err != nil {
		return false, err
	}

	var target *CollisionObject
	if id, ok := extra["object"].(string); ok && id != "" {
		obj, found := session.Registry().Get(id)
		if !found {
			return false, fmt.Errorf("unknown object %s", id)
		}
		target = obj
	} else {
		target = g.nearest(session, link)
	}
	if target == nil {
		g.logger.Debugf("nothing within %.3fm of %s", g.cfg.GrabRadius, link)
		return false, nil
	}
	if err := session.Scene().AttachObject(target, link); err != nil {
		return false, fmt.Errorf("failed to grab %s: %w", target.ID(), err)
	}
	g.held = target.ID()
	g.logger.Debugf("grabbed %s with %s", target.ID(), link)
	return true, nil
}

func (g *attachGripper) nearest(session *Session, link string) *CollisionObject {
	linkPose, ok := session.Host().LinkPose(link)
	if !ok {
		return nil
	}
	var best *CollisionObject
	bestDist := math.Inf(1)
	for _, obj := range session.Registry().All() {
		if !obj.Pickable() || obj.Ownership().Attached() || obj.Pose() == nil {
			continue
		}
		d := obj.Pose().Point().Sub(linkPose.Point()).Norm()
		if d <= g.cfg.GrabRadius && d < bestDist {
			best, bestDist = obj, d
		}
	}
	return best
}

func (g *attachGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(false)
	return nil
}

func (g *attachGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *attachGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *attachGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "held":
		g.mu.Lock()
		defer g.mu.Unlock()
		session, err := g.sessions.Session()
		if err != nil {
			return nil, err
		}
		obj, ok := g.heldLocked(session)
		if !ok {
			return map[string]interface{}{"held": ""}, nil
		}
		return map[string]interface{}{"held": obj.ID()}, nil
	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *attachGripper) Close(ctx context.Context) error {
	return nil
}

func (g *attachGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errUnimplemented
}

func (g *attachGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errUnimplemented
}

func (g *attachGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errUnimplemented
}

func (g *attachGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, err := g.sessions.Session()
	if err != nil {
		return gripper.HoldingStatus{}, err
	}
	obj, ok := g.heldLocked(session)
	status := gripper.HoldingStatus{IsHoldingSomething: ok}
	if ok {
		status.Meta = map[string]interface{}{"object": obj.ID()}
	}
	return status, nil
}
