package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/ratelimit"
	"github.com/sc0rp10/bore/internal/server"
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

	if err := run(cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		obs.Sync()
		os.Exit(1)
	}
}

func run(cfg Config) error {
	sc := cfg.serverConfig()
	if cfg.EnableTLS {
		tc, err := tlsconf.Server(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
		if err != nil {
			return err
		}
		sc.TLS = tc
		obs.Info("tls.enabled", obs.Fields{"mtls": cfg.TLSCAFile != ""})
	}
	sc.Limiter = ratelimit.New(cfg.ConnRate, cfg.ConnBurst)

	dir, err := server.NewTunnelDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	sc.Directory = dir

	srv, err := server.New(sc)
	if err != nil {
		_ = dir.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, srv)
	}
	obs.Info("server.start", obs.Fields{"control_port": cfg.ControlPort, "ports": sc.Ports.String(), "metrics": cfg.MetricsAddr})
	return srv.ListenAndServe(ctx)
}
