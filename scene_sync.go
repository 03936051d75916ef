package moveit_sim

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// SceneSyncConfig controls the synchronization loops.
type SceneSyncConfig struct {
	ApplyService string
	GetService   string
	WorldFrame   string
	// RefreshRate is the local flush period; PullRate the remote pull period.
	RefreshRate      time.Duration
	PullRate         time.Duration
	LocalStartDelay  time.Duration
	RemoteStartDelay time.Duration
	CallTimeout      time.Duration
	// RecoveryFile holds the ids of local objects, one per line.
	RecoveryFile  string
	NotifyChanges bool
}

func (c *SceneSyncConfig) setDefaults() {
	if c.ApplyService == "" {
		c.ApplyService = DefaultApplySceneService
	}
	if c.GetService == "" {
		c.GetService = DefaultGetSceneService
	}
	if c.WorldFrame == "" {
		c.WorldFrame = DefaultWorldFrame
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = 250 * time.Millisecond
	}
	if c.PullRate <= 0 {
		c.PullRate = c.RefreshRate
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
}

// SceneSync keeps the local registry and the remote planning scene in
// agreement. Local-authority objects flow outbound as coalesced diffs;
// remote-authority objects are reconciled from periodic pulls.
type SceneSync struct {
	cfg      SceneSyncConfig
	bus      Bus
	registry *SceneRegistry
	host     SceneHost
	logger   logging.Logger
	notifier Notifier
	metrics  *Metrics
	monitor  *Monitor

	diffMu sync.Mutex
	diff   *SceneDiff

	inFlight   atomic.Bool
	pullMu     sync.Mutex
	recoveryMu sync.Mutex

	now func() time.Time
}

// SceneSyncDeps are the collaborators injected into a SceneSync.
type SceneSyncDeps struct {
	Bus      Bus
	Registry *SceneRegistry
	Host     SceneHost
	Logger   logging.Logger
	Notifier Notifier
	Metrics  *Metrics
	Monitor  *Monitor
}

func NewSceneSync(cfg SceneSyncConfig, deps SceneSyncDeps) *SceneSync {
	cfg.setDefaults()
	if deps.Registry == nil {
		deps.Registry = NewSceneRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: deps.Logger}
	}
	return &SceneSync{
		cfg:      cfg,
		bus:      deps.Bus,
		registry: deps.Registry,
		host:     deps.Host,
		logger:   deps.Logger,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		monitor:  deps.Monitor,
		diff:     NewSceneDiff(cfg.WorldFrame),
		now:      time.Now,
	}
}

func (s *SceneSync) Registry() *SceneRegistry { return s.registry }

func (s *SceneSync) connected() bool {
	return s.bus != nil && !s.bus.HasConnectionError()
}

func (s *SceneSync) withDiff(fn func(d *SceneDiff)) {
	s.diffMu.Lock()
	defer s.diffMu.Unlock()
	fn(s.diff)
}

// AddLocalObject registers obj under local authority and queues it for the next
// flush. Duplicates and remote-authority objects are rejected.
func (s *SceneSync) AddLocalObject(obj *CollisionObject) bool {
	if obj == nil {
		return false
	}
	if obj.IsRemote() {
		s.logger.Warnf("refusing to add remote object %s as local", obj.ID())
		return false
	}
	if !s.registry.Register(obj) {
		s.logger.Debugf("object %s already registered", obj.ID())
		return false
	}
	obj.claimLocal()
	s.registry.Enqueue(obj)
	s.writeRecovery()
	return true
}

// UpdateLocalObject schedules a pose update for a registered, local, unfrozen,
// unattached object.
func (s *SceneSync) UpdateLocalObject(obj *CollisionObject) bool {
	if obj == nil || !s.registry.Has(obj.ID()) || !obj.IsLocal() || obj.Frozen() || obj.Ownership().Attached() {
		return false
	}
	if !s.connected() {
		return false
	}
	msg := obj.ToMessage(OperationMove, s.cfg.WorldFrame)
	s.withDiff(func(d *SceneDiff) { d.Move(msg) })
	obj.stamp(s.now())
	return true
}

// RemoveObject unregisters obj. Unless onlyLocal, a removal is scheduled for
// the remote scene. The engine body is destroyed when destroy is set.
func (s *SceneSync) RemoveObject(obj *CollisionObject, onlyLocal, destroy bool) bool {
	if obj == nil {
		return false
	}
	if _, ok := s.registry.Unregister(obj.ID()); !ok {
		return false
	}
	// Marking and queueing share diffMu with queueAddition so a drained but
	// not yet diffed addition cannot outlive the removal.
	s.withDiff(func(d *SceneDiff) {
		obj.markRemoved()
		// Never announced remotely while still queued.
		if onlyLocal || s.registry.Pending(obj) || !s.connected() {
			return
		}
		d.Remove(obj.ID())
	})
	if obj.IsLocal() {
		s.writeRecovery()
	}
	if destroy && obj.Body() != nil {
		obj.Body().Destroy()
	}
	return true
}

// AttachObject parents obj to link and schedules the attachment remotely.
func (s *SceneSync) AttachObject(obj *CollisionObject, link string) error {
	return s.attach(obj, link, true)
}

// DetachObject returns obj to the world and schedules the detachment remotely.
func (s *SceneSync) DetachObject(obj *CollisionObject) error {
	return s.detach(obj, true)
}

func (s *SceneSync) attach(obj *CollisionObject, link string, updateRemote bool) error {
	if obj == nil {
		return errors.New("nil object")
	}
	if link == "" {
		return errors.Errorf("attaching %s: empty link", obj.ID())
	}
	if current, ok := obj.Ownership().AttachedTo(); ok {
		if current == link {
			return nil
		}
		if err := s.detach(obj, updateRemote); err != nil {
			return err
		}
	}
	if body := obj.Body(); body != nil {
		body.SetCollidersEnabled(false)
		body.SetParent(link)
	}
	obj.setOwnership(obj.Ownership().attach(link))

	if updateRemote && s.connected() {
		a := AttachedCollisionObjectMsg{
			LinkName:   link,
			Object:     obj.ToMessage(OperationAdd, s.cfg.WorldFrame),
			TouchLinks: []string{},
			Weight:     1,
		}
		s.withDiff(func(d *SceneDiff) { d.Attach(a) })
	}
	return nil
}

func (s *SceneSync) detach(obj *CollisionObject, updateRemote bool) error {
	if obj == nil {
		return errors.New("nil object")
	}
	link, ok := obj.Ownership().AttachedTo()
	if !ok {
		return nil
	}
	if body := obj.Body(); body != nil {
		body.SetParent("")
		body.SetCollidersEnabled(true)
	}
	obj.setOwnership(obj.Ownership().detach())

	if updateRemote && s.connected() {
		world := obj.ToMessage(OperationAdd, s.cfg.WorldFrame)
		s.withDiff(func(d *SceneDiff) { d.Detach(obj.ID(), link, world) })
	}
	return nil
}

// prepare drains pending additions and drifted local objects into the current
// diff, then swaps in a fresh diff and returns the old one. It returns nil when
// there is nothing to send or the transport is down.
func (s *SceneSync) prepare() *SceneDiff {
	now := s.now()
	connected := s.connected()

	var requeue []*CollisionObject
	for _, obj := range s.registry.DrainAdditions() {
		switch {
		case obj.Removed():
		case obj.Frozen() || !connected:
			requeue = append(requeue, obj)
		default:
			s.queueAddition(obj, now)
		}
	}
	for _, obj := range requeue {
		s.registry.Enqueue(obj)
	}

	local := s.registry.Local()
	s.metrics.objectCounts(len(local), s.registry.Len()-len(local))
	if !connected {
		return nil
	}
	for _, obj := range local {
		if obj.Frozen() || obj.Ownership().Attached() || !obj.Drifted() {
			continue
		}
		s.UpdateLocalObject(obj)
	}

	s.diffMu.Lock()
	defer s.diffMu.Unlock()
	if s.diff.Empty() {
		return nil
	}
	out := s.diff
	s.diff = NewSceneDiff(s.cfg.WorldFrame)
	return out
}

// queueAddition adds obj to the current diff unless it was removed after the
// queue was drained. It reports whether the add was queued.
func (s *SceneSync) queueAddition(obj *CollisionObject, now time.Time) bool {
	msg := obj.ToMessage(OperationAdd, s.cfg.WorldFrame)
	queued := false
	s.withDiff(func(d *SceneDiff) {
		if obj.Removed() {
			return
		}
		d.Add(msg)
		queued = true
	})
	if queued {
		obj.stamp(now)
	}
	return queued
}

// Flush sends every pending local change as one diff and waits for the reply.
// Empty diffs are not sent.
func (s *SceneSync) Flush(ctx context.Context) error {
	diff := s.prepare()
	if diff == nil {
		return nil
	}
	return s.send(ctx, diff)
}

func (s *SceneSync) send(ctx context.Context, diff *SceneDiff) error {
	start := s.now()
	resp, err := SendRequest[ApplyPlanningSceneResponse](ctx, s.bus, s.cfg.ApplyService,
		ApplyPlanningSceneRequest{Scene: diff.Scene()})
	dur := s.now().Sub(start)
	if err == nil && !resp.Success {
		err = errors.New("planning scene rejected the diff")
	}
	if err != nil {
		s.metrics.flushed("failed", dur)
		s.requeue(diff)
		return errors.Wrap(err, "applying planning scene diff")
	}
	s.metrics.flushed("ok", dur)
	s.monitor.FlushSent(dur)
	if s.cfg.NotifyChanges {
		s.notifier.Notice("Planning scene updated")
	}
	return nil
}

// requeue puts a failed diff back in front of changes made since it was taken.
func (s *SceneSync) requeue(failed *SceneDiff) {
	s.diffMu.Lock()
	defer s.diffMu.Unlock()
	failed.Merge(s.diff)
	s.diff = failed
}

// PendingDiff returns a copy of the diff that the next flush would start from.
func (s *SceneSync) PendingDiff() PlanningSceneMsg {
	s.diffMu.Lock()
	defer s.diffMu.Unlock()
	return s.diff.Scene()
}

// PullFromRemote reconciles remote-authority objects with the remote scene.
func (s *SceneSync) PullFromRemote(ctx context.Context) error {
	if !s.pullMu.TryLock() {
		return nil
	}
	defer s.pullMu.Unlock()
	if !s.connected() {
		return nil
	}

	start := s.now()
	resp, err := SendRequest[GetPlanningSceneResponse](ctx, s.bus, s.cfg.GetService,
		GetPlanningSceneRequest{Components: PlanningSceneComponentsMsg{Components: SceneComponentsAll}})
	if err != nil {
		s.metrics.pulled("failed")
		return errors.Wrap(err, "fetching planning scene")
	}
	s.reconcile(resp.Scene)
	s.metrics.pulled("ok")
	s.monitor.Pulled(s.now().Sub(start))
	return nil
}

func (s *SceneSync) reconcile(scene PlanningSceneMsg) {
	now := s.now()

	upstream := make(map[string]CollisionObjectMsg)
	var order []string
	for _, o := range scene.World.CollisionObjects {
		if _, seen := upstream[o.ID]; !seen {
			order = append(order, o.ID)
		}
		upstream[o.ID] = o
	}
	attachedTo := make(map[string]string)
	for _, a := range scene.RobotState.AttachedCollisionObjects {
		if _, seen := upstream[a.Object.ID]; !seen {
			order = append(order, a.Object.ID)
		}
		upstream[a.Object.ID] = a.Object
		attachedTo[a.Object.ID] = a.LinkName
	}

	for _, id := range order {
		if s.registry.Has(id) {
			continue
		}
		s.createRemote(upstream[id], now)
	}

	for _, obj := range s.registry.Attached() {
		if !obj.IsRemote() || obj.Frozen() {
			continue
		}
		if _, stillAttached := attachedTo[obj.ID()]; !stillAttached {
			if err := s.detach(obj, false); err != nil {
				s.logger.Warnf("detaching %s: %v", obj.ID(), err)
			}
		}
	}
	for id, link := range attachedTo {
		obj, ok := s.registry.Get(id)
		if !ok || !obj.IsRemote() || obj.Frozen() || obj.Ownership().Attached() {
			continue
		}
		if !s.registry.HasLink(link) {
			s.logger.Debugf("remote attached %s to unknown link %s", id, link)
			continue
		}
		if err := s.attach(obj, link, false); err != nil {
			s.logger.Warnf("attaching %s to %s: %v", id, link, err)
		}
	}

	for _, obj := range s.registry.All() {
		msg, present := upstream[obj.ID()]
		if !present || !obj.IsRemote() || obj.Frozen() {
			continue
		}
		s.refreshRemote(obj, msg, now)
	}

	for _, obj := range s.registry.Remote() {
		if obj.Frozen() {
			continue
		}
		if _, present := upstream[obj.ID()]; !present {
			s.RemoveObject(obj, true, true)
			if s.cfg.NotifyChanges {
				s.notifier.Notice("Removed " + obj.ID())
			}
		}
	}
}

func (s *SceneSync) createRemote(msg CollisionObjectMsg, now time.Time) {
	var body SceneBody
	if s.host != nil {
		b, err := s.host.CreateBody(msg.ID, ShapeFromMsg(msg), msg.Pose.Pose())
		if err != nil {
			s.logger.Warnf("creating body for remote object %s: %v", msg.ID, err)
			return
		}
		body = b
	}
	obj := newRemoteObject(msg, body, now)
	if !s.registry.Register(obj) {
		return
	}
	if s.cfg.NotifyChanges {
		s.notifier.Notice("Added " + msg.ID)
	}
}

func (s *SceneSync) refreshRemote(obj *CollisionObject, msg CollisionObjectMsg, now time.Time) {
	shape := ShapeFromMsg(msg)
	if !obj.Shape().SameAs(shape) {
		obj.setShape(shape)
		if body := obj.Body(); body != nil {
			if err := body.Rebuild(shape); err != nil {
				s.logger.Warnf("rebuilding %s: %v", obj.ID(), err)
			}
		}
	}

	before := obj.Pose().Point()
	pose := msg.Pose.Pose()
	body := obj.Body()
	switch {
	case body == nil:
	case obj.Ownership().Attached():
		body.SetLocalPose(pose)
		pose = body.Pose()
	default:
		body.SetPose(pose)
	}
	last := obj.LastUpdate()
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 && !last.IsZero() {
		obj.setVelocity(pose.Point().Sub(before).Mul(1 / elapsed))
	}
	obj.stampPose(pose, now)
}

// ClearOrphans removes from the remote scene every object listed in the
// recovery file. It is used after a crash left local objects behind.
func (s *SceneSync) ClearOrphans(ctx context.Context) error {
	ids, err := ReadRecoveryFile(s.cfg.RecoveryFile)
	if err != nil {
		return err
	}
	diff := NewSceneDiff(s.cfg.WorldFrame)
	for _, id := range ids {
		diff.Remove(id)
	}
	if diff.Empty() {
		return nil
	}
	resp, err := SendRequest[ApplyPlanningSceneResponse](ctx, s.bus, s.cfg.ApplyService,
		ApplyPlanningSceneRequest{Scene: diff.Scene()})
	if err != nil || !resp.Success {
		s.notifier.Notice("Planning scene cleared unsuccessfully")
		if err == nil {
			err = errors.New("planning scene rejected the removal")
		}
		return errors.Wrap(err, "clearing orphaned objects")
	}
	s.notifier.Notice("Planning scene cleared successfully")
	return nil
}

// RunLocal flushes local changes every RefreshRate until ctx is done. A new
// flush is not started while the previous one is still waiting for a reply.
func (s *SceneSync) RunLocal(ctx context.Context) error {
	if !utils.SelectContextOrWait(ctx, s.cfg.LocalStartDelay) {
		return nil
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for utils.SelectContextOrWait(ctx, s.cfg.RefreshRate) {
		if !s.inFlight.CompareAndSwap(false, true) {
			continue
		}
		diff := s.prepare()
		if diff == nil {
			s.inFlight.Store(false)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.inFlight.Store(false)
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			if err := s.send(callCtx, diff); err != nil {
				s.logger.Warnf("scene flush: %v", err)
			}
		}()
	}
	return nil
}

// RunRemote pulls the remote scene every PullRate until ctx is done.
func (s *SceneSync) RunRemote(ctx context.Context) error {
	if !utils.SelectContextOrWait(ctx, s.cfg.RemoteStartDelay) {
		return nil
	}
	for utils.SelectContextOrWait(ctx, s.cfg.PullRate) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		if err := s.PullFromRemote(callCtx); err != nil {
			s.logger.Debugf("scene pull: %v", err)
		}
		cancel()
	}
	return nil
}

func (s *SceneSync) writeRecovery() {
	if s.cfg.RecoveryFile == "" {
		return
	}
	s.recoveryMu.Lock()
	defer s.recoveryMu.Unlock()
	if err := WriteRecoveryFile(s.cfg.RecoveryFile, s.registry.LocalIDs()); err != nil {
		s.logger.Warnf("writing recovery file: %v", err)
	}
}

// WriteRecoveryFile replaces path with one id per line.
func WriteRecoveryFile(path string, ids []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating recovery directory")
	}
	tmp := path + ".tmp"
	content := strings.Join(ids, "\n")
	if len(ids) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return errors.Wrap(err, "writing recovery file")
	}
	return os.Rename(tmp, path)
}

// ReadRecoveryFile returns the ids in path. A missing file yields no ids.
func ReadRecoveryFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "opening recovery file")
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, errors.Wrap(scanner.Err(), "reading recovery file")
}
