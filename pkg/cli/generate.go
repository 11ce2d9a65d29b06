package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-iot-simulator/pkg/payload"
)

func newGenerateCmd(_ *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "generate [template]",
		Short: "Expand a message template once and print the result",
		Example: `  simulator generate '{"id":"{{ guid }}","temp":{{ float 18 25 }}}'
  simulator generate -f telemetry.tmpl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tmpl string
			switch {
			case file != "" && len(args) > 0:
				return errors.New("give a template argument or --file, not both")
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read template file: %w", err)
				}
				tmpl = string(data)
			case len(args) == 1:
				tmpl = args[0]
			default:
				return errors.New("a template is required")
			}

			out, err := payload.Preview(tmpl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the template from a file")
	return cmd
}
