// Command lovebridge relays control-bus samples to the LOVE manager.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/lovebridge/config"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	os.Exit(exitCode(err))
}

// exitCode is non-zero only for configuration errors.
func exitCode(err error) int {
	if bridgeerr.IsFatal(err) {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lovebridge",
		Short: "Relay control-bus events, telemetry, heartbeats and queue state to LOVE",
		Long: `lovebridge subscribes to component samples on the control bus and forwards
them as JSON envelopes over a websocket to the LOVE manager.

Examples:
  lovebridge run                          # all relays, env configuration
  lovebridge run --relay queue            # only the job-queue relay
  lovebridge run -c bridge.yaml --log-level DEBUG`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file path (.toml, .yaml)")
	root.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return bridgeerr.ConfigInvalid(err.Error())
	})

	root.AddCommand(newRunCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lovebridge %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	})
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one relay or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			relays, err := cfg.Relays()
			if err != nil {
				return bridgeerr.ConfigInvalid(err.Error())
			}

			logger := logging.New()
			logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

			err = run(cmd.Context(), cfg, relays, logger)
			if err != nil {
				logger.Error("bridge stopped", map[string]interface{}{
					"error": err.Error(),
					"code":  string(bridgeerr.Code(err)),
				})
			}
			return err
		},
	}
	cmd.Flags().String("relay", "", "relay to run: events, telemetry, heartbeats, queue or all")
	return cmd
}

// loadConfig loads the file and environment, then applies flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cmd.Flags().Changed("relay") {
		r, _ := cmd.Flags().GetString("relay")
		cfg.Producers = []string{r}
	}
	return cfg, nil
}
