package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDevicesCmd(a *app) *cobra.Command {
	var showConnectionStrings bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices available to send from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var closers cleanups
			defer func() { _ = closers.run() }()

			registry, err := newRegistry(cmd.Context(), a.cfg, &closers, a.logger)
			if err != nil {
				return err
			}
			devices, err := registry.ListDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if showConnectionStrings {
				fmt.Fprintln(w, "DEVICE\tSTATUS\tCONNECTION STRING")
			} else {
				fmt.Fprintln(w, "DEVICE\tSTATUS\tSTATE")
			}
			for _, d := range devices {
				if showConnectionStrings {
					fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Status, d.ConnectionString)
				} else {
					fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Status, d.ConnectionState)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showConnectionStrings, "show-connection-strings", false, "print device connection strings, which contain keys")
	return cmd
}
