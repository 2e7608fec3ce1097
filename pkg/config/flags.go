package config

import "github.com/spf13/pflag"

// BindFlags registers command line overrides for the most common settings
// directly on c. Flags are applied after Load by pflag's Parse.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.PayloadID, "payload-id", c.PayloadID, "initial agent identifier")
	fs.StringVar(&c.Profile.PipeName, "pipe", c.Profile.PipeName, "pipe name to serve the upstream channel on")
	fs.BoolVar(&c.Profile.EncryptedExchangeCheck, "eke", c.Profile.EncryptedExchangeCheck, "perform the RSA key exchange before checkin")
}
