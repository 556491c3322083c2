package main

import (
	"errors"
	"flag"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/sc0rp10/bore/internal/proto"
)

// Config holds client runtime configuration.
type Config struct {
	LocalHost      string
	LocalPort      uint
	To             string
	Port           uint
	Secret         string
	ControlPort    uint
	ReconnectDelay time.Duration
	Debug          bool
	// TLS towards the broker
	EnableTLS     bool
	TLSCAFile     string
	TLSCertFile   string
	TLSKeyFile    string
	TLSServerName string
}

func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("bore", flag.ContinueOnError)
	fs.StringVar(&cfg.LocalHost, "local-host", "localhost", "the local host to expose")
	fs.UintVar(&cfg.LocalPort, "local-port", 0, "the local port to expose")
	fs.StringVar(&cfg.To, "to", "", "address of the remote server to expose local ports to")
	fs.UintVar(&cfg.Port, "port", 0, "optional port on the remote server to select (0 = any)")
	fs.StringVar(&cfg.Secret, "secret", "", "optional secret for authentication")
	fs.UintVar(&cfg.ControlPort, "control-port", proto.ControlPort, "control port of the remote server")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 2*time.Second, "wait before reconnecting after the control connection ends (0 = exit instead)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.BoolVar(&cfg.EnableTLS, "tls", false, "connect to the server over TLS")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA file used to verify the server")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "client certificate for mTLS")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "client private key for mTLS")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", "", "server name to verify (defaults to --to)")
	_ = fs.String("config", "", "config file (optional)")
	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("BORE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.To == "":
		return errors.New("--to is required")
	case c.LocalPort == 0 || c.LocalPort > 65535:
		return errors.New("--local-port must be between 1 and 65535")
	case c.Port > 65535:
		return errors.New("--port must be at most 65535")
	case c.ControlPort == 0 || c.ControlPort > 65535:
		return errors.New("--control-port must be between 1 and 65535")
	}
	return nil
}
