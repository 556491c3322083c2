package main

import (
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/sc0rp10/bore/internal/proto"
	"github.com/sc0rp10/bore/internal/server"
)

// Config holds all runtime configuration derived from flags and BORE_* env vars.
type Config struct {
	MinPort     uint
	MaxPort     uint
	Secret      string
	BindAddr    string
	BindTunnels string
	ControlPort uint
	PendingTTL  time.Duration
	MetricsAddr string
	Debug       bool
	// Tunnel directory mirror
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Per-IP admission limit on the control port; 0 disables
	ConnRate  float64
	ConnBurst int
	// TLS configuration for mTLS
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("bore-server", flag.ContinueOnError)
	fs.UintVar(&cfg.MinPort, "min-port", 1024, "minimum accepted TCP port number")
	fs.UintVar(&cfg.MaxPort, "max-port", 65535, "maximum accepted TCP port number")
	fs.StringVar(&cfg.Secret, "secret", "", "optional secret for authentication")
	fs.StringVar(&cfg.BindAddr, "bind-addr", "0.0.0.0", "IP address to bind the control port to")
	fs.StringVar(&cfg.BindTunnels, "bind-tunnels", "", "IP address where tunnels listen (defaults to --bind-addr)")
	fs.UintVar(&cfg.ControlPort, "control-port", proto.ControlPort, "TCP port for control connections")
	fs.DurationVar(&cfg.PendingTTL, "pending-ttl", server.DefaultPendingTTL, "how long a visitor waits to be claimed")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address; empty disables")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "mirror live tunnels into this redis server")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.Float64Var(&cfg.ConnRate, "conn-rate", 0, "control connections per second allowed per source IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", 20, "burst size for --conn-rate")
	fs.BoolVar(&cfg.EnableTLS, "tls", false, "enable TLS for control connections")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
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
	if c.MinPort == 0 || c.MaxPort > 65535 || c.MinPort > c.MaxPort {
		return server.ErrNoPorts
	}
	if c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("invalid bind address %q", c.BindAddr)
	}
	if c.BindTunnels != "" && net.ParseIP(c.BindTunnels) == nil {
		return fmt.Errorf("invalid tunnel bind address %q", c.BindTunnels)
	}
	if c.EnableTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("--tls requires --tls-cert and --tls-key")
	}
	return nil
}

// serverConfig converts flags into the broker configuration.
func (c Config) serverConfig() server.Config {
	sc := server.Config{
		Ports:       server.PortRange{Min: uint16(c.MinPort), Max: uint16(c.MaxPort)},
		Secret:      c.Secret,
		BindAddr:    net.ParseIP(c.BindAddr),
		ControlPort: uint16(c.ControlPort),
		PendingTTL:  c.PendingTTL,
	}
	if c.BindTunnels != "" {
		sc.BindTunnels = net.ParseIP(c.BindTunnels)
	}
	return sc
}
