package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
)

const FlagConfig = "config"

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "moveit-sim",
	Short: "Inspect and maintain a scene sync deployment",
}

func main() {
	rootCmd.PersistentFlags().String(FlagConfig, "moveit-sim.toml", "path to the TOML config file")
	rootCmd.AddCommand(
		GetClearOrphansCmd(),
		GetTrajectoriesCmd(),
		GetWatchStatusCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("rootCmd.Execute: %v", err)
	}
}

func newLogger() logging.Logger {
	return logging.NewLogger("moveit-sim-cli")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
