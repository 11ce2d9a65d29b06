package cli

import (
	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-iot-simulator/pkg/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the simulator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.runServe(cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the configuration")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	var closers cleanups
	defer func() {
		if err := closers.run(); err != nil {
			a.logger.Warn().Err(err).Msg("Error during cleanup")
		}
	}()

	registry, err := newRegistry(ctx, a.cfg, &closers, a.logger)
	if err != nil {
		return err
	}
	d, err := newDispatcher(ctx, a.cfg, &closers, a.logger)
	if err != nil {
		return err
	}
	defer d.Close()

	inputs, err := server.NewInputStore(a.cfg.Server.InputsFile, a.logger)
	if err != nil {
		return err
	}
	srvCfg := a.cfg.Server
	if srvCfg.HubHostName == "" {
		srvCfg.HubHostName = a.cfg.HubHostName()
	}
	srv, err := server.New(srvCfg, d, registry, inputs, a.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
