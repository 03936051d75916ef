package moveit_sim

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default names of the planning service endpoints.
const (
	DefaultApplySceneService = "/apply_planning_scene"
	DefaultGetSceneService   = "/get_planning_scene"
	DefaultIKService         = "/compute_ik"
	DefaultGoalTopic         = "/move_group/goal"
	DefaultStatusTopic       = "/move_group/status"
	DefaultJointStatesTopic  = "/joint_states"
	DefaultNotifyTopic       = "/sim_notify"
	DefaultPickTopic         = "/pick"
	DefaultPlaceTopic        = "/place"
	DefaultRunPickPlaceTopic = "/run_pick_place"
	DefaultWorldFrame        = "world"
)

type TopicsConfig struct {
	JointStates  string `json:"joint_states,omitempty"`
	Goal         string `json:"goal,omitempty"`
	Status       string `json:"status,omitempty"`
	Notify       string `json:"notify,omitempty"`
	Pick         string `json:"pick,omitempty"`
	Place        string `json:"place,omitempty"`
	RunPickPlace string `json:"run_pick_place,omitempty"`
}

type ServicesConfig struct {
	ApplyScene string `json:"apply_scene,omitempty"`
	GetScene   string `json:"get_scene,omitempty"`
	IK         string `json:"ik,omitempty"`
}

type GroupConfig struct {
	Name        string         `json:"name"`
	Hidden      bool           `json:"hidden,omitempty"`
	EndEffector string         `json:"end_effector,omitempty"`
	Planner     PlannerOptions `json:"planner,omitempty"`
	IK          IKOptions      `json:"ik,omitempty"`
}

type MirrorConfig struct {
	Interpolate   bool    `json:"interpolate,omitempty"`
	Instantaneous bool    `json:"instantaneous,omitempty"`
	OwnStiffness  bool    `json:"own_stiffness,omitempty"`
	Stiffness     float64 `json:"stiffness,omitempty"`
	OwnDamping    bool    `json:"own_damping,omitempty"`
	Damping       float64 `json:"damping,omitempty"`
}

// Config is the attribute set of the simulation service.
type Config struct {
	BridgeURL       string `json:"bridge_url"`
	DescriptionFile string `json:"description_file"`

	Groups     []GroupConfig  `json:"groups"`
	WorldFrame string         `json:"world_frame,omitempty"`
	Topics     TopicsConfig   `json:"topics,omitempty"`
	Services   ServicesConfig `json:"services,omitempty"`
	Mirror     MirrorConfig   `json:"mirror,omitempty"`

	RefreshRateSec      float64 `json:"refresh_rate_sec,omitempty"`
	PullRateSec         float64 `json:"pull_rate_sec,omitempty"`
	LocalStartDelaySec  float64 `json:"local_start_delay_sec,omitempty"`
	RemoteStartDelaySec float64 `json:"remote_start_delay_sec,omitempty"`
	RefreshDistance     float64 `json:"refresh_distance,omitempty"`
	RefreshAngleDeg     float64 `json:"refresh_angle_deg,omitempty"`
	TickRateHz          float64 `json:"tick_rate_hz,omitempty"`
	WatchdogSec         float64 `json:"watchdog_sec,omitempty"`
	ResetDelaySec       float64 `json:"reset_delay_sec,omitempty"`
	MonitorPeriodSec    float64 `json:"monitor_period_sec,omitempty"`

	RecoveryFile  string `json:"recovery_file,omitempty"`
	TrajectoryDir string `json:"trajectory_dir,omitempty"`
	NotifyChanges bool   `json:"notify_changes,omitempty"`
	MetricsAddr   string `json:"metrics_addr,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.BridgeURL == "" {
		return nil, nil, fmt.Errorf("%s: must specify bridge_url", path)
	}
	if cfg.DescriptionFile == "" {
		return nil, nil, fmt.Errorf("%s: must specify description_file", path)
	}
	if len(cfg.Groups) == 0 {
		return nil, nil, fmt.Errorf("%s: must configure at least one move group", path)
	}
	seen := map[string]bool{}
	for i, g := range cfg.Groups {
		if g.Name == "" {
			return nil, nil, fmt.Errorf("%s: groups[%d] has no name", path, i)
		}
		if seen[g.Name] {
			return nil, nil, fmt.Errorf("%s: group %q configured twice", path, g.Name)
		}
		seen[g.Name] = true
	}
	if cfg.RefreshRateSec < 0 || cfg.PullRateSec < 0 || cfg.TickRateHz < 0 {
		return nil, nil, fmt.Errorf("%s: rates must not be negative", path)
	}
	cfg.setDefaults()
	return nil, nil, nil
}

func (cfg *Config) setDefaults() {
	if cfg.WorldFrame == "" {
		cfg.WorldFrame = DefaultWorldFrame
	}
	t := &cfg.Topics
	t.JointStates = orDefault(t.JointStates, DefaultJointStatesTopic)
	t.Goal = orDefault(t.Goal, DefaultGoalTopic)
	t.Status = orDefault(t.Status, DefaultStatusTopic)
	t.Notify = orDefault(t.Notify, DefaultNotifyTopic)
	t.Pick = orDefault(t.Pick, DefaultPickTopic)
	t.Place = orDefault(t.Place, DefaultPlaceTopic)
	t.RunPickPlace = orDefault(t.RunPickPlace, DefaultRunPickPlaceTopic)

	s := &cfg.Services
	s.ApplyScene = orDefault(s.ApplyScene, DefaultApplySceneService)
	s.GetScene = orDefault(s.GetScene, DefaultGetSceneService)
	s.IK = orDefault(s.IK, DefaultIKService)

	if cfg.RefreshRateSec == 0 {
		cfg.RefreshRateSec = 0.25
	}
	if cfg.PullRateSec == 0 {
		cfg.PullRateSec = cfg.RefreshRateSec
	}
	if cfg.LocalStartDelaySec == 0 {
		cfg.LocalStartDelaySec = 1
	}
	if cfg.RemoteStartDelaySec == 0 {
		cfg.RemoteStartDelaySec = 5
	}
	if cfg.RefreshDistance == 0 {
		cfg.RefreshDistance = defaultRefreshDistance
	}
	if cfg.RefreshAngleDeg == 0 {
		cfg.RefreshAngleDeg = defaultRefreshAngle
	}
	if cfg.TickRateHz == 0 {
		cfg.TickRateHz = 60
	}
	if cfg.WatchdogSec == 0 {
		cfg.WatchdogSec = 1
	}
	if cfg.ResetDelaySec == 0 {
		cfg.ResetDelaySec = 2
	}
	if cfg.MonitorPeriodSec == 0 {
		cfg.MonitorPeriodSec = 30
	}
	if cfg.RecoveryFile == "" {
		cfg.RecoveryFile = "local_objects.txt"
	}
	if cfg.TrajectoryDir == "" {
		cfg.TrajectoryDir = "trajectories"
	}
	cfg.DescriptionFile = ResolveDataPath(cfg.DescriptionFile)
	cfg.RecoveryFile = ResolveDataPath(cfg.RecoveryFile)
	cfg.TrajectoryDir = ResolveDataPath(cfg.TrajectoryDir)
}

// ResolveDataPath anchors relative paths in the module data directory.
func ResolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = os.TempDir()
	}
	return filepath.Join(moduleDataDir, p)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SceneSyncConfig derives the scene synchronization settings.
func (cfg *Config) SceneSyncConfig() SceneSyncConfig {
	return SceneSyncConfig{
		ApplyService:     cfg.Services.ApplyScene,
		GetService:       cfg.Services.GetScene,
		WorldFrame:       cfg.WorldFrame,
		RefreshRate:      seconds(cfg.RefreshRateSec),
		PullRate:         seconds(cfg.PullRateSec),
		LocalStartDelay:  seconds(cfg.LocalStartDelaySec),
		RemoteStartDelay: seconds(cfg.RemoteStartDelaySec),
		RecoveryFile:     cfg.RecoveryFile,
		NotifyChanges:    cfg.NotifyChanges,
	}
}

// ControllerConfigs derives one controller configuration per group.
func (cfg *Config) ControllerConfigs() []ControllerConfig {
	out := make([]ControllerConfig, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		ik := g.IK
		if ik.Service == "" {
			ik.Service = cfg.Services.IK
		}
		out = append(out, ControllerConfig{
			Group:       g.Name,
			WorldFrame:  cfg.WorldFrame,
			GoalTopic:   cfg.Topics.Goal,
			Planner:     g.Planner,
			IK:          ik,
			EndEffector: g.EndEffector,
			Hidden:      g.Hidden,
		})
	}
	return out
}

// RemoteMirrorConfig derives the mirror that follows the live robot.
func (cfg *Config) RemoteMirrorConfig() JointMirrorConfig {
	return JointMirrorConfig{
		Name:          "remote",
		Interpolate:   cfg.Mirror.Interpolate,
		Instantaneous: cfg.Mirror.Instantaneous,
		OwnStiffness:  cfg.Mirror.OwnStiffness,
		Stiffness:     cfg.Mirror.Stiffness,
		OwnDamping:    cfg.Mirror.OwnDamping,
		Damping:       cfg.Mirror.Damping,
	}
}

// PlanningMirrorConfig derives the locally driven planning mirror.
func (cfg *Config) PlanningMirrorConfig() JointMirrorConfig {
	return JointMirrorConfig{
		Name:          "planning",
		LocalControl:  true,
		Instantaneous: true,
		OwnStiffness:  cfg.Mirror.OwnStiffness,
		Stiffness:     cfg.Mirror.Stiffness,
		OwnDamping:    cfg.Mirror.OwnDamping,
		Damping:       cfg.Mirror.Damping,
	}
}
