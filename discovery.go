// discovery.go
package moveit_sim

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"

	"moveit_sim/rosbridge"
)

var DiscoveryModel = resource.NewModel("devrel", "moveit-sim", "discovery")

const defaultBridgeURL = "ws://localhost:9090"

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	// Directory searched for robot descriptions. Defaults to the module data
	// directory.
	SearchDir string `json:"search_dir,omitempty"`
	BridgeURL string `json:"bridge_url,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type simDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger    logging.Logger
	searchDir string
	bridgeURL string
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	searchDir := cfg.SearchDir
	if searchDir == "" {
		searchDir = ResolveDataPath(".")
	}
	bridgeURL := cfg.BridgeURL
	if bridgeURL == "" {
		bridgeURL = defaultBridgeURL
	}
	return &simDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		searchDir: searchDir,
		bridgeURL: bridgeURL,
	}, nil
}

// DiscoverResources scans the search directory for robot descriptions and
// returns a scene sync service plus an arm and a gripper per move group.
func (dis *simDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting robot description discovery")

	bridgeURL := dis.bridgeURL
	if u, ok := extra["bridge_url"].(string); ok && u != "" {
		bridgeURL = u
	}
	if !dis.pingBridge(ctx, bridgeURL) {
		dis.logger.Warnf("rosbridge at %s is not reachable; configs are generated anyway", bridgeURL)
	}

	candidates := filterCandidateFiles(listFiles(dis.searchDir))
	dis.logger.Debugf("Found %d candidate description files in %s", len(candidates), dis.searchDir)

	var allConfigs []resource.Config
	for _, path := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		desc, err := LoadRobotDescription(path)
		if err != nil {
			dis.logger.Debugf("Skipping %s: %v", path, err)
			continue
		}
		allConfigs = append(allConfigs, generateConfigs(desc, path, bridgeURL)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No robot descriptions discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}
	return allConfigs, nil
}

// pingBridge reports whether a rosbridge server accepts a connection.
func (dis *simDiscovery) pingBridge(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	c, err := rosbridge.Dial(ctx, url, rosbridge.Options{HandshakeTimeout: 2 * time.Second}, dis.logger)
	if err != nil {
		dis.logger.Debugf("Failed to reach %s: %v", url, err)
		return false
	}
	if err := c.Close(); err != nil {
		dis.logger.Debugf("closing probe connection: %v", err)
	}
	return true
}

// generateConfigs creates the service and component configurations for one
// robot description.
func generateConfigs(desc *RobotDescription, path, bridgeURL string) []resource.Config {
	if len(desc.Groups) == 0 {
		return nil
	}
	suffix := configNameSuffix(desc.Name, path)
	serviceName := "moveit-sim-" + suffix

	groups := make([]interface{}, 0, len(desc.Groups))
	for _, g := range desc.Groups {
		groups = append(groups, map[string]interface{}{"name": g.Name})
	}
	configs := []resource.Config{{
		Name:  serviceName,
		API:   generic.API,
		Model: SceneSyncModel,
		Attributes: map[string]interface{}{
			"bridge_url":       bridgeURL,
			"description_file": filepath.Base(path),
			"groups":           groups,
		},
	}}

	for _, g := range desc.Groups {
		configs = append(configs, resource.Config{
			Name:  suffix + "-" + g.Name + "-arm",
			API:   arm.API,
			Model: GroupArmModel,
			Attributes: map[string]interface{}{
				"service": serviceName,
				"group":   g.Name,
			},
			DependsOn: []string{serviceName},
		})
		if _, err := desc.EndEffectorLink(g.Name); err != nil {
			continue
		}
		configs = append(configs, resource.Config{
			Name:  suffix + "-" + g.Name + "-gripper",
			API:   gripper.API,
			Model: AttachGripperModel,
			Attributes: map[string]interface{}{
				"service": serviceName,
				"group":   g.Name,
			},
			DependsOn: []string{serviceName},
		})
	}
	return configs
}

// filterCandidateFiles keeps JSON files that are not module bookkeeping.
func filterCandidateFiles(paths []string) []string {
	candidates := []string{}
	for _, p := range paths {
		if isCandidateFile(p) {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func isCandidateFile(path string) bool {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".json" {
		return false
	}
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, ".tmp.json")
}

// configNameSuffix derives a resource name suffix from the robot name, or
// from the file name when the description has none.
//
//	"SO 101"  -> "so-101"
//	"" + /data/panda.json -> "panda"
func configNameSuffix(robotName, path string) string {
	name := strings.TrimSpace(robotName)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	name = strings.ToLower(name)
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths
}
