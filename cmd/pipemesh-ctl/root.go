package main

import (
	"github.com/spf13/cobra"

	"pipemesh/pkg/config"
	"pipemesh/pkg/observability"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "pipemesh-ctl",
		Short:         "Drive a pipemesh agent over its pipe",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Log.Level = logLevel
			}
			// ctl writes results to stdout, keep logs off it
			c.Log.Outputs = []string{"stderr"}
			c.Log.Rotation.Enable = false
			if _, err := observability.SetupLogger(c.Log); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "agent config file (psk, cipher, serializer)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")

	root.AddCommand(connectCmd(), configCmd())
	return root.Execute()
}
