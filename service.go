package moveit_sim

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/utils"

	"moveit_sim/rosbridge"
)

var SceneSyncModel = resource.NewModel("devrel", "moveit-sim", "scene-sync")

func init() {
	resource.RegisterService(generic.API, SceneSyncModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newSimService,
		},
	)
}

// Dialer opens a connection to the planning service.
type Dialer func(ctx context.Context) (Bus, error)

// RosbridgeDialer dials the rosbridge server configured in cfg.
func RosbridgeDialer(cfg *Config, logger logging.Logger) Dialer {
	types := map[string]string{
		cfg.Topics.Goal:         "moveit_msgs/MoveGroupActionGoal",
		cfg.Topics.Notify:       "std_msgs/String",
		cfg.Topics.RunPickPlace: "std_msgs/Empty",
	}
	return func(ctx context.Context) (Bus, error) {
		return rosbridge.Dial(ctx, cfg.BridgeURL, rosbridge.Options{
			TopicTypes:       types,
			HandshakeTimeout: 5 * time.Second,
		}, logger)
	}
}

// SimService hosts one session at a time and rebuilds it whenever the
// connection to the planning service is lost.
type SimService struct {
	resource.Named
	resource.AlwaysRebuild

	cfg     *Config
	desc    *RobotDescription
	logger  logging.Logger
	dial    Dialer
	opMgr   *operation.SingleOperationManager
	metrics *Metrics

	metricsSrv *http.Server

	mu      sync.Mutex
	session *Session

	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

func newSimService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	desc, err := LoadRobotDescription(conf.DescriptionFile)
	if err != nil {
		return nil, err
	}
	return NewService(rawConf.ResourceName(), conf, desc, RosbridgeDialer(conf, logger), logger)
}

// NewService starts supervising sessions over connections made by dial.
func NewService(name resource.Name, conf *Config, desc *RobotDescription, dial Dialer, logger logging.Logger) (*SimService, error) {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	for _, g := range conf.Groups {
		if _, ok := desc.Group(g.Name); !ok {
			return nil, errors.Wrapf(ErrUnknownGroup, "group %s is not in the robot description", g.Name)
		}
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &SimService{
		Named:      name.AsNamed(),
		cfg:        conf,
		desc:       desc,
		logger:     logger,
		dial:       dial,
		opMgr:      operation.NewSingleOperationManager(),
		metrics:    metrics,
		cancelFunc: cancelFunc,
	}
	if conf.MetricsAddr != "" {
		s.metricsSrv = &http.Server{Addr: conf.MetricsAddr, Handler: metrics.Handler()}
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warnf("metrics server: %v", err)
			}
		}()
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.supervise(cancelCtx)
	}()
	logger.Infof("scene sync started for %s with groups %v", desc.Name, groupNames(conf.Groups))
	return s, nil
}

func groupNames(groups []GroupConfig) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}

func (s *SimService) supervise(ctx context.Context) {
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warnf("session ended: %v; rebuilding in %.1fs", err, s.cfg.ResetDelaySec)
		if !utils.SelectContextOrWait(ctx, seconds(s.cfg.ResetDelaySec)) {
			return
		}
	}
}

func (s *SimService) runSession(ctx context.Context) error {
	bus, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			s.logger.Debugf("closing bus: %v", err)
		}
	}()

	session, err := NewSession(s.cfg, SessionDeps{
		Bus:         bus,
		Host:        NewSimHost(),
		Description: s.desc,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return errors.Wrap(err, "building session")
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := session.Scene().ClearOrphans(callCtx); err != nil {
		s.logger.Warnf("%v", err)
	}
	cancel()

	session.Start(ctx)
	s.setSession(session)
	defer func() {
		s.setSession(nil)
		if err := session.Close(); err != nil {
			s.logger.Warnf("closing session: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-session.Done():
		return session.Err()
	}
}

func (s *SimService) setSession(session *Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

// Session returns the live session, or ErrNotReady while reconnecting.
func (s *SimService) Session() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNotReady
	}
	return s.session, nil
}

func (s *SimService) Metrics() *Metrics { return s.metrics }

func (s *SimService) Close(ctx context.Context) error {
	s.logger.Info("closing scene sync")
	s.cancelFunc()
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Close(); err != nil {
			s.logger.Debugf("closing metrics server: %v", err)
		}
	}
	s.workers.Wait()
	return nil
}

// SessionProvider is implemented by the scene sync service. Components that
// drive a move group depend on it by name.
type SessionProvider interface {
	Session() (*Session, error)
}

func sessionFromDependencies(deps resource.Dependencies, name string) (SessionProvider, error) {
	res, err := resource.FromDependencies[resource.Resource](deps, generic.Named(name))
	if err != nil {
		return nil, err
	}
	p, ok := res.(SessionProvider)
	if !ok {
		return nil, errors.Errorf("%s is not a %s service", name, SceneSyncModel)
	}
	return p, nil
}
