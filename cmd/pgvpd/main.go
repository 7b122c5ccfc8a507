// Command pgvpd is a transparent TCP proxy between PostgreSQL clients
// and a PostgreSQL server that makes per-connection tenant isolation
// intrinsic to the connection, via SET ROLE and session GUCs, so
// row-level security policies enforce multi-tenant isolation without
// any application-level participation (spec.md §1 "Overview").
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	stdnet "net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgvpd/pgvpd/internal/admin"
	"github.com/pgvpd/pgvpd/internal/config"
	"github.com/pgvpd/pgvpd/internal/handler"
	"github.com/pgvpd/pgvpd/internal/listener"
	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolvers"
	"github.com/pgvpd/pgvpd/internal/stream"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

func main() {
	configPath := flag.String("config", "configs/pgvpd.toml", "path to configuration file")
	flag.Parse()

	slog.Info("pgvpd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "config", cfg.Redacted().String())

	m := metrics.New()

	defs, err := config.ResolverDefinitions(cfg.Resolver)
	if err != nil {
		slog.Error("invalid resolver definitions", "err", err)
		os.Exit(1)
	}
	resolverEngine := resolvers.NewEngine(defs, resolvers.NewCache(1024), m)

	registry := tenant.NewRegistry(tenant.Limits{
		Allow:          cfg.Tenant.Allow,
		Deny:           cfg.Tenant.Deny,
		RateLimit:      cfg.Tenant.RateLimit,
		MaxConnections: cfg.Tenant.MaxConnections,
	}, m)

	handlerCfg := handler.Config{
		Mode:                   poolMode(cfg.Pool.Mode),
		UpstreamAddr:           hostPort(cfg.Upstream.Host, cfg.Upstream.Port),
		UpstreamLoginUser:      cfg.Upstream.LoginUser,
		UpstreamPassword:       cfg.Upstream.Password,
		PoolPassword:           cfg.Pool.Password,
		TenantSeparator:        cfg.Listen.TenantSeparator,
		ValueSeparator:         cfg.Listen.ValueSeparator,
		ContextVariables:       cfg.Listen.ContextVariables,
		SuperuserBypass:        cfg.Listen.SuperuserBypass,
		SetRole:                cfg.Listen.SetRole,
		HandshakeTimeout:       cfg.Listen.HandshakeTimeout,
		TenantQueryTimeout:     cfg.Tenant.QueryTimeout,
		TenantRegistry:         registry,
		Resolvers:              resolverEngine,
		Metrics:                m,
		UpstreamTLSFallThrough: cfg.Upstream.TLSFallThrough,
	}

	if cfg.Upstream.TLSEnable {
		upstreamTLS, err := stream.UpstreamTLSConfig(cfg.Upstream.Host, !cfg.Upstream.TLSVerify, cfg.Upstream.TLSCAFile)
		if err != nil {
			slog.Error("building upstream TLS config", "err", err)
			os.Exit(1)
		}
		handlerCfg.UpstreamTLS = upstreamTLS
	}

	var poolMgr *pool.Manager
	if handlerCfg.Mode == handler.ModeSessionPool {
		poolMgr = pool.NewManager(pool.Config{
			Capacity:        cfg.Pool.Size,
			CheckoutTimeout: cfg.Pool.CheckoutTimeout,
			IdleTimeout:     cfg.Pool.IdleTimeout,
			Dial:            handler.PoolDial(handlerCfg),
			Metrics:         m,
		})
		handlerCfg.PoolManager = poolMgr
	}

	listenerCfg := listener.Config{
		Addr: hostPort(cfg.Listen.Host, cfg.Listen.Port),
		Handle: func(ctx context.Context, conn stdnet.Conn) error {
			return handler.Handle(ctx, conn, handlerCfg)
		},
	}

	if cfg.Listen.TLSPort != 0 {
		clientTLS, err := stream.ClientTLSConfig(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			slog.Error("building client TLS config", "err", err)
			os.Exit(1)
		}
		listenerCfg.TLSAddr = hostPort(cfg.Listen.Host, cfg.Listen.TLSPort)
		listenerCfg.TLSConfig = clientTLS
		handlerCfg.ClientTLS = clientTLS
	}

	srv := listener.New(listenerCfg)
	if err := srv.Start(); err != nil {
		slog.Error("starting listener", "err", err)
		os.Exit(1)
	}

	adminServer := admin.NewServer(m, poolMgr)
	if err := adminServer.Start(cfg.Admin.Addr()); err != nil {
		slog.Error("starting admin server", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, cfg, func(r config.Reloadable) {
		slog.Info("applying hot-reloaded config")
		registry.SetLimits(tenant.Limits{
			Allow:          r.Tenant.Allow,
			Deny:           r.Tenant.Deny,
			RateLimit:      r.Tenant.RateLimit,
			MaxConnections: r.Tenant.MaxConnections,
		})
		if defs, err := config.ResolverDefinitions(r.Resolver); err != nil {
			slog.Warn("reloaded resolver definitions rejected, keeping previous", "err", err)
		} else {
			resolverEngine.Reload(defs)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("pgvpd ready", "listen", listenerCfg.Addr, "admin", cfg.Admin.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	for {
		sig = <-sigCh
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading config")
			if watcher != nil {
				watcher.Reload()
			}
			continue
		}
		break
	}
	slog.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	if err := adminServer.Stop(); err != nil {
		slog.Warn("stopping admin server", "err", err)
	}
	srv.Stop()
	if poolMgr != nil {
		poolMgr.Close()
	}

	slog.Info("pgvpd stopped")
}

func poolMode(mode string) handler.Mode {
	if mode == "session" {
		return handler.ModeSessionPool
	}
	return handler.ModePassthrough
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
