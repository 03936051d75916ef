package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	moveitsim "moveit_sim"
)

// GetClearOrphansCmd removes the objects listed in the recovery file from the
// remote planning scene.
func GetClearOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-orphans",
		Short: "Remove objects left in the planning scene by a previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			logger := newLogger()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			bus, err := moveitsim.RosbridgeDialer(cfg, logger)(ctx)
			if err != nil {
				return err
			}
			defer bus.Close()

			ids, err := moveitsim.ReadRecoveryFile(cfg.RecoveryFile)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				logger.Infof("no orphans listed in %s", cfg.RecoveryFile)
				return nil
			}
			scene := moveitsim.NewSceneSync(cfg.SceneSyncConfig(), moveitsim.SceneSyncDeps{
				Bus:      bus,
				Registry: moveitsim.NewSceneRegistry(),
				Logger:   logger,
				Notifier: moveitsim.LogNotifier{Logger: logger},
			})
			if err := scene.ClearOrphans(ctx); err != nil {
				return err
			}
			if err := moveitsim.WriteRecoveryFile(cfg.RecoveryFile, nil); err != nil {
				return err
			}
			logger.Infof("removed %d orphaned objects", len(ids))
			return nil
		},
	}
}

// GetTrajectoriesCmd groups the trajectory database commands.
func GetTrajectoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trajectories",
		Short: "Manage saved trajectories",
	}
	open := func(cmd *cobra.Command) (*moveitsim.TrajectoryDatabase, error) {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return nil, err
		}
		return moveitsim.NewTrajectoryDatabase(cfg.TrajectoryDir, newLogger())
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved trajectories",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open(cmd)
				if err != nil {
					return err
				}
				for _, name := range db.List() {
					t, _ := db.Get(name)
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d waypoints\n", name, len(t.Positions))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Print the waypoints of a trajectory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open(cmd)
				if err != nil {
					return err
				}
				t, ok := db.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", moveitsim.ErrTrajectoryNotFound, args[0])
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s velocity=%.2f acceleration=%.2f\n", t.Name, t.VelAcc[0], t.VelAcc[1])
				for i, p := range t.Positions {
					q := t.Rotations[i]
					fmt.Fprintf(out, "%3d  pos=(%.3f, %.3f, %.3f)  rot=(%.3f, %.3f, %.3f, %.3f)\n",
						i, p.X, p.Y, p.Z, q.X, q.Y, q.Z, q.W)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a trajectory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open(cmd)
				if err != nil {
					return err
				}
				return db.Delete(args[0])
			},
		},
	)
	return cmd
}

// GetWatchStatusCmd prints goal status updates until interrupted.
func GetWatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch-status",
		Short: "Print trajectory status updates from the planning service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			logger := newLogger()
			ctx, cancel := signalContext()
			defer cancel()

			bus, err := moveitsim.RosbridgeDialer(cfg, logger)(ctx)
			if err != nil {
				return err
			}
			defer bus.Close()

			out := cmd.OutOrStdout()
			unsub, err := moveitsim.SubscribeTyped(bus, cfg.Topics.Status, logger, func(msg moveitsim.GoalStatusArrayMsg) {
				for _, st := range msg.StatusList {
					status := moveitsim.TrajectoryStatus(st.Status)
					origin := "remote"
					if moveitsim.IsLocalOrigin(st.GoalID.ID) {
						origin = "local"
					}
					fmt.Fprintf(out, "%s  %-6s %-10s %s %s\n", time.Now().Format(time.TimeOnly),
						origin, status, st.GoalID.ID, moveitsim.HumanStatusText(st.Text))
				}
			})
			if err != nil {
				return err
			}
			defer unsub()
			<-ctx.Done()
			return nil
		},
	}
}
