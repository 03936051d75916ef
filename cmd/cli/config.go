package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	moveitsim "moveit_sim"
)

type fileConfig struct {
	BridgeURL       string   `toml:"bridge_url"`
	DescriptionFile string   `toml:"description_file"`
	Groups          []string `toml:"groups"`
	WorldFrame      string   `toml:"world_frame"`
	RecoveryFile    string   `toml:"recovery_file"`
	TrajectoryDir   string   `toml:"trajectory_dir"`
	ApplyService    string   `toml:"apply_scene_service"`
	StatusTopic     string   `toml:"status_topic"`
}

// loadConfig reads path into a service config. Only the fields the CLI needs
// are required; everything else takes the service defaults.
func loadConfig(path string) (*moveitsim.Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := &moveitsim.Config{
		BridgeURL:       strings.TrimSpace(raw.BridgeURL),
		DescriptionFile: strings.TrimSpace(raw.DescriptionFile),
	}
	if cfg.DescriptionFile == "" {
		cfg.DescriptionFile = "robot.json"
	}
	for _, g := range raw.Groups {
		if g = strings.TrimSpace(g); g != "" {
			cfg.Groups = append(cfg.Groups, moveitsim.GroupConfig{Name: g})
		}
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []moveitsim.GroupConfig{{Name: "arm"}}
	}
	if meta.IsDefined("world_frame") {
		cfg.WorldFrame = strings.TrimSpace(raw.WorldFrame)
	}
	if meta.IsDefined("recovery_file") {
		cfg.RecoveryFile = strings.TrimSpace(raw.RecoveryFile)
	}
	if meta.IsDefined("trajectory_dir") {
		cfg.TrajectoryDir = strings.TrimSpace(raw.TrajectoryDir)
	}
	if meta.IsDefined("apply_scene_service") {
		cfg.Services.ApplyScene = strings.TrimSpace(raw.ApplyService)
	}
	if meta.IsDefined("status_topic") {
		cfg.Topics.Status = strings.TrimSpace(raw.StatusTopic)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = "ws://localhost:9090"
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFromFlags(cmd *cobra.Command) (*moveitsim.Config, error) {
	path, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return nil, fmt.Errorf("%s flag: %w", FlagConfig, err)
	}
	return loadConfig(path)
}
