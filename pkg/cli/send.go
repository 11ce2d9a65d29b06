package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

type sendOptions struct {
	devices      []string
	deviceIDs    []string
	message      string
	messageFile  string
	template     bool
	iterations   int
	interval     int64
	intervalUnit string
}

func newSendCmd(a *app) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message from one or more devices",
		Long: `Send a message from every device, repeated --iterations times with --interval
between rounds. With --template the message is expanded per device and round.
Interrupting the command stops new sends and waits for those in flight.`,
		Example: `  simulator send -d "$DEVICE_CS" -m '{"temp":{{ float 18 25 }}}' --template -n 10 -i 2 -u second
  simulator send --device-id sensor-1 --device-id sensor-2 -m hello -n 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSend(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.devices, "device", "d", nil, "device connection string (repeatable)")
	cmd.Flags().StringArrayVar(&opts.deviceIDs, "device-id", nil, "device id resolved through the registry (repeatable)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "message body")
	cmd.Flags().StringVarP(&opts.messageFile, "message-file", "f", "", "read the message body from a file")
	cmd.Flags().BoolVar(&opts.template, "template", false, "expand the message as a template")
	cmd.Flags().IntVarP(&opts.iterations, "iterations", "n", 1, "sends per device")
	cmd.Flags().Int64VarP(&opts.interval, "interval", "i", 0, "delay between rounds")
	cmd.Flags().StringVarP(&opts.intervalUnit, "interval-unit", "u", "ms", "interval unit: ms, second or minute")
	cmd.MarkFlagsMutuallyExclusive("message", "message-file")
	return cmd
}

func (a *app) runSend(cmd *cobra.Command, opts sendOptions) error {
	ctx := cmd.Context()
	var closers cleanups
	defer func() {
		if err := closers.run(); err != nil {
			a.logger.Warn().Err(err).Msg("Error during cleanup")
		}
	}()

	message := opts.message
	if opts.messageFile != "" {
		data, err := os.ReadFile(opts.messageFile)
		if err != nil {
			return fmt.Errorf("failed to read message file: %w", err)
		}
		message = string(data)
	}

	targets := append([]string(nil), opts.devices...)
	if len(opts.deviceIDs) > 0 {
		registry, err := newRegistry(ctx, a.cfg, &closers, a.logger)
		if err != nil {
			return err
		}
		resolved, err := device.ResolveTargets(ctx, registry, opts.deviceIDs)
		if err != nil {
			return err
		}
		targets = append(targets, resolved...)
	}

	unit, err := simulator.ParseIntervalUnit(opts.intervalUnit)
	if err != nil {
		return err
	}
	interval, err := simulator.ToDuration(opts.interval, unit)
	if err != nil {
		return err
	}
	req := simulator.Request{
		Targets:    targets,
		Template:   message,
		IsTemplate: opts.template,
		Iterations: opts.iterations,
		Interval:   interval,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	d, err := newDispatcher(ctx, a.cfg, &closers, a.logger)
	if err != nil {
		return err
	}
	run, err := d.Start(ctx, req)
	if err != nil {
		return err
	}
	<-run.Done()

	status := d.Status()
	fmt.Fprintln(cmd.OutOrStdout(), status.Summary())
	if run.Cancelled() {
		return fmt.Errorf("run %s was cancelled", run.ID())
	}
	if status.Aggregate.Failed > 0 {
		return fmt.Errorf("%d of %d sends failed", status.Aggregate.Failed, status.Aggregate.Total)
	}
	return nil
}
