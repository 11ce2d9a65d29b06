// Package cli implements the simulator command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-iot-simulator/pkg/config"
)

type rootOptions struct {
	configFile string
	envFiles   []string
	logLevel   string
	transport  string
	stringify  bool
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	opts   rootOptions
	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simulator",
		Short: "Send simulated device-to-cloud messages",
		Long: `simulator sends a message, literal or generated from a template, from a set of
devices a number of times with a fixed interval between rounds. Messages go to Azure
IoT Hub over MQTT, to a Pub/Sub topic, or nowhere in dry-run mode.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.opts.configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&a.opts.envFiles, "env-file", nil, "dotenv files to load before reading SIM_* variables (default .env)")
	rootCmd.PersistentFlags().StringVar(&a.opts.logLevel, "log-level", "", "log level, overrides the configuration")
	rootCmd.PersistentFlags().StringVarP(&a.opts.transport, "transport", "t", "", "mqtt, pubsub or dryrun, overrides the configuration")
	rootCmd.PersistentFlags().BoolVar(&a.opts.stringify, "stringify", false, "send literal messages as JSON string values, overrides the configuration")

	rootCmd.AddCommand(newSendCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newGenerateCmd(a))
	rootCmd.AddCommand(newDevicesCmd(a))

	return rootCmd
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.opts.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(a.opts.configFile)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.LogLevel = a.opts.logLevel
	}
	if a.opts.transport != "" {
		cfg.Transport = a.opts.transport
	}
	if cmd.Flags().Changed("stringify") {
		cfg.Payload.Stringify = a.opts.stringify
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
	return nil
}
