package main

import (
	"os"

	"github.com/spf13/cobra"

	"pipemesh/pkg/config"
)

func configCmd() *cobra.Command {
	var effective bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Default()
			if effective {
				c = cfg
			}
			b, err := config.Encode(c)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(b)
			return err
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "print the loaded configuration instead of the defaults")
	return cmd
}
