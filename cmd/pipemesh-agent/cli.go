package main

import (
	"github.com/spf13/pflag"

	"pipemesh/pkg/config"
)

// Options holds CLI options for the agent.
type Options struct {
	ConfigPath string
}

// configPath pulls --config out of args before the config is loaded. Other
// flags are left for parseOverrides.
func configPath(args []string) Options {
	fs := pflag.NewFlagSet("pipemesh-agent", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	_ = fs.Parse(args)
	return opts
}

// parseOverrides applies command line overrides on top of the loaded cfg.
func parseOverrides(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("pipemesh-agent", pflag.ExitOnError)
	fs.String("config", "", "Path to YAML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return cfg.Profile.Normalize()
}
