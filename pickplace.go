package moveit_sim

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

// PickPlaceConfig names the topics of the remote pick/place pipeline.
type PickPlaceConfig struct {
	Group          string
	PickTopic      string
	PlaceTopic     string
	RunTopic       string
	WorldFrame     string
	ApproachHeight float64
	// StepDelay separates the pick, place and run requests.
	StepDelay time.Duration
}

func (c *PickPlaceConfig) setDefaults() {
	if c.PickTopic == "" {
		c.PickTopic = DefaultPickTopic
	}
	if c.PlaceTopic == "" {
		c.PlaceTopic = DefaultPlaceTopic
	}
	if c.RunTopic == "" {
		c.RunTopic = DefaultRunPickPlaceTopic
	}
	if c.WorldFrame == "" {
		c.WorldFrame = DefaultWorldFrame
	}
	if c.ApproachHeight == 0 {
		c.ApproachHeight = 0.1
	}
	if c.StepDelay == 0 {
		c.StepDelay = 500 * time.Millisecond
	}
}

// PickPlace queues pick and place requests with the remote pipeline and
// triggers execution of the queue.
type PickPlace struct {
	cfg    PickPlaceConfig
	bus    Bus
	scene  *SceneSync
	logger logging.Logger

	mu     sync.Mutex
	target string
}

func NewPickPlace(cfg PickPlaceConfig, bus Bus, scene *SceneSync, logger logging.Logger) *PickPlace {
	cfg.setDefaults()
	return &PickPlace{cfg: cfg, bus: bus, scene: scene, logger: logger}
}

// Pick requests a grasp of obj.
func (p *PickPlace) Pick(ctx context.Context, obj *CollisionObject) error {
	if obj == nil {
		return errors.New("no target object specified")
	}
	if p.bus.HasConnectionError() {
		return ErrConnection
	}
	if !obj.Pickable() {
		p.logger.Warnf("picking %s, which is not marked pickable", obj.ID())
	}
	p.mu.Lock()
	p.target = obj.ID()
	p.mu.Unlock()
	return p.bus.Publish(ctx, p.cfg.PickTopic, PickMsg{
		ObjectName:     obj.ID(),
		GroupName:      p.cfg.Group,
		ApproachHeight: p.cfg.ApproachHeight,
	})
}

// Place requests placing the last picked object at pose.
func (p *PickPlace) Place(ctx context.Context, pose spatialmath.Pose) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == "" {
		return errors.New("place requested before any pick")
	}
	if p.bus.HasConnectionError() {
		return ErrConnection
	}
	return p.bus.Publish(ctx, p.cfg.PlaceTopic, PlaceMsg{
		ObjectName: target,
		GroupName:  p.cfg.Group,
		PlacePose: PoseStampedMsg{
			Header: HeaderMsg{FrameID: p.cfg.WorldFrame},
			Pose:   PoseMsgFromPose(pose),
		},
		ApproachHeight: p.cfg.ApproachHeight,
	})
}

// Run triggers execution of the queued requests.
func (p *PickPlace) Run(ctx context.Context) error {
	return p.bus.Publish(ctx, p.cfg.RunTopic, EmptyMsg{})
}

// PickAndPlace refreshes the scene, then picks obj, places it at pose and runs
// the queue, pausing StepDelay between requests.
func (p *PickPlace) PickAndPlace(ctx context.Context, obj *CollisionObject, pose spatialmath.Pose) error {
	if p.scene != nil {
		if err := p.scene.PullFromRemote(ctx); err != nil {
			p.logger.Debugf("refreshing scene before pick: %v", err)
		}
	}
	if err := p.Pick(ctx, obj); err != nil {
		return errors.Wrap(err, "pick")
	}
	if !utils.SelectContextOrWait(ctx, p.cfg.StepDelay) {
		return ctx.Err()
	}
	if err := p.Place(ctx, pose); err != nil {
		return errors.Wrap(err, "place")
	}
	if !utils.SelectContextOrWait(ctx, p.cfg.StepDelay) {
		return ctx.Err()
	}
	return errors.Wrap(p.Run(ctx), "run")
}
