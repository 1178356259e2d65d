package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-reqresp/engine"
	"mini-reqresp/metrics"
	"mini-reqresp/middleware"
	"mini-reqresp/node"
	"mini-reqresp/registry"
	"mini-reqresp/transport"
)

var (
	serveListen      []string
	serveService     string
	servePrefix      string
	serveMetricsAddr string
	serveIdentity    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for requests and answer them with a built-in service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(serveListen) > 0 {
			cfg.ListenAddrs = serveListen
		}
		if serveService != "" {
			cfg.Service = serveService
		}
		if cmd.Flags().Changed("prefix") {
			cfg.Prefix = servePrefix
		}
		if serveMetricsAddr != "" {
			cfg.MetricsAddr = serveMetricsAddr
		}
		if serveIdentity != "" {
			cfg.IdentityKeyFile = serveIdentity
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		promReg := prometheus.NewRegistry()
		m, err := metrics.New(promReg, "reqresp")
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		host, err := transport.NewHost(cfg.HostConfig(logger))
		if err != nil {
			return err
		}
		defer host.Close()

		e, err := engine.New(host, cfg.EngineConfig(), engine.WithLogger(logger), engine.WithMetrics(m))
		if err != nil {
			return err
		}
		svc, err := cfg.BuildService()
		if err != nil {
			return err
		}
		n := node.New(e, svc, node.WithLogger(logger))
		n.Use(middleware.LoggingMiddleware(logger))

		served := make(chan error, 1)
		go func() { served <- n.Serve(context.Background()) }()

		for _, addr := range host.Addrs() {
			fmt.Println(addr.String())
		}
		logger.Info("serving",
			zap.String("peer", host.ID().String()),
			zap.String("protocol", cfg.ProtocolID),
			zap.String("service", cfg.Service),
		)

		var metricsSrv *http.Server
		if cfg.MetricsAddr != "" {
			metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(promReg)}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var reg *registry.EtcdRegistry
		pid := cfg.EngineConfig().ProtocolID
		if len(cfg.EtcdEndpoints) > 0 {
			reg, err = registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
			if err != nil {
				return fmt.Errorf("connect etcd: %w", err)
			}
			defer reg.Close()
			rec := registry.NewPeerRecord(host.ID(), host.Addrs(), cfg.Weight)
			regCtx, cancel := context.WithTimeout(ctx, registry.DefaultDialTimeout)
			err = reg.Register(regCtx, pid, rec, cfg.RegistryTTL)
			cancel()
			if err != nil {
				return fmt.Errorf("register in etcd: %w", err)
			}
			logger.Info("registered in etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
		}

		select {
		case <-ctx.Done():
		case err := <-served:
			return err
		}
		logger.Info("shutting down")

		// Deregister first so clients stop picking this peer.
		if reg != nil {
			deregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := reg.Deregister(deregCtx, pid, host.ID().String()); err != nil {
				logger.Warn("deregister", zap.Error(err))
			}
			cancel()
		}
		if err := n.Shutdown(5 * time.Second); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		if metricsSrv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = metricsSrv.Shutdown(shutCtx)
			cancel()
		}
		return nil
	},
}

func metricsMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	return mux
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveListen, "listen", nil, "listen multiaddrs (default /ip4/0.0.0.0/tcp/0)")
	serveCmd.Flags().StringVar(&serveService, "service", "", "built-in service: echo, time or prefix")
	serveCmd.Flags().StringVar(&servePrefix, "prefix", "Echo: ", "prefix used by the prefix service")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	serveCmd.Flags().StringVar(&serveIdentity, "identity", "", "identity key file, created if missing")
}
