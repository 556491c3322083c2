package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sc0rp10/bore/internal/client"
	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/tlsconf"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		obs.Sync()
		os.Exit(1)
	}
}

func clientConfig(cfg Config) (client.Config, error) {
	cc := client.Config{
		LocalHost:   cfg.LocalHost,
		LocalPort:   uint16(cfg.LocalPort),
		To:          cfg.To,
		Port:        uint16(cfg.Port),
		Secret:      cfg.Secret,
		ControlPort: uint16(cfg.ControlPort),
	}
	if cfg.EnableTLS {
		name := cfg.TLSServerName
		if name == "" {
			name = cfg.To
		}
		tc, err := tlsconf.Client(name, cfg.TLSCAFile, cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return cc, err
		}
		cc.TLS = tc
	}
	return cc, nil
}

// run keeps a tunnel up until ctx is done. After the first success every
// reconnect asks for the port the server assigned before.
func run(ctx context.Context, cfg Config) error {
	cc, err := clientConfig(cfg)
	if err != nil {
		return err
	}
	obs.Info("client.start", obs.Fields{"local": cc.LocalHost, "local_port": cc.LocalPort, "to": cc.To})
	for {
		err := runOnce(ctx, &cc)
		if ctx.Err() != nil {
			return nil
		}
		if cfg.ReconnectDelay <= 0 {
			return err
		}
		if err != nil {
			obs.Warn("client.disconnected", obs.Fields{"err": err.Error()})
		} else {
			obs.Warn("client.disconnected", obs.Fields{})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ReconnectDelay):
		}
		obs.Info("client.reconnecting", obs.Fields{"port": cc.Port})
	}
}

func runOnce(ctx context.Context, cc *client.Config) error {
	c, err := client.New(ctx, *cc)
	if err != nil {
		return err
	}
	cc.Port = c.RemotePort()
	return c.Listen(ctx)
}
