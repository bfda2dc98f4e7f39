// Command sherpa runs the study controller and talks to it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/logging"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	controllerURL string
	timeout       time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sherpa",
	Short: "Coordinate hyperparameter trials through a shared database",
	Long: `sherpa runs a study controller next to a supervised MongoDB and lets
trial processes pick up their parameters and report metrics through it.

Controller side:
  sherpa serve                 start the database, the API and the result feed
  sherpa enqueue 1 lr=0.1      submit trial 1
  sherpa stop 1                ask trial 1 to stop at its next report
  sherpa results --drain       collect results not seen yet
  sherpa watch                 stream results as they are drained

Worker side (SHERPA_TRIAL_ID, SHERPA_DB_HOST and SHERPA_DB_PORT set by the scheduler):
  sherpa worker-demo`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.JSON)
		if err != nil {
			return err
		}
		if controllerURL == "" {
			controllerURL = fmt.Sprintf("http://localhost:%d", cfg.Controller.HTTPPort)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SHERPA_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&controllerURL, "controller", "", "controller API URL (default http://localhost:<http_port>)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for API calls")

	rootCmd.AddCommand(serveCmd, enqueueCmd, trialsCmd, stopCmd, resultsCmd, watchCmd, workerDemoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
