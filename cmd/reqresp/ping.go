package main

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-reqresp/client"
	"mini-reqresp/config"
	"mini-reqresp/engine"
	"mini-reqresp/loadbalance"
	"mini-reqresp/node"
	"mini-reqresp/registry"
	"mini-reqresp/transport"
)

var (
	pingPayload string
	pingCount   int
	pingRetries int
)

var pingCmd = &cobra.Command{
	Use:   "ping [multiaddr]",
	Short: "Send a request to a server and print the response",
	Long: "Send a request to the server at multiaddr (which must end in /p2p/<id>). " +
		"Without an address the server is discovered through etcd.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		// Dial-only host: no listeners.
		hostCfg := cfg.HostConfig(logger)
		hostCfg.ListenAddrs = nil
		host, err := transport.NewHost(hostCfg)
		if err != nil {
			return err
		}
		defer host.Close()

		e, err := engine.New(host, cfg.EngineConfig(), engine.WithLogger(logger))
		if err != nil {
			return err
		}
		n := node.New(e, nil, node.WithLogger(logger))
		go func() { _ = n.Serve(context.Background()) }()
		defer func() { _ = n.Shutdown(time.Second) }()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout.Duration*time.Duration(pingCount+1))
		defer cancel()

		opts := []client.Option{client.WithRetry(pingRetries, 200*time.Millisecond), client.WithLogger(logger)}
		var target peer.ID
		if len(args) == 1 {
			addr, err := ma.NewMultiaddr(args[0])
			if err != nil {
				return fmt.Errorf("parse address: %w", err)
			}
			if target, err = host.Connect(ctx, addr); err != nil {
				return err
			}
		} else {
			reg, err := discoveryRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer reg.Close()
			opts = append(opts, client.WithRegistry(reg, loadbalance.ByName(cfg.Balancer)), client.WithConnector(host))
		}

		cli := client.New(n, opts...)
		if target == "" {
			if target, err = cli.Discover(ctx); err != nil {
				return err
			}
		}

		for i := 0; i < pingCount; i++ {
			start := time.Now()
			resp, err := cli.Send(ctx, target, []byte(pingPayload))
			if err != nil {
				return err
			}
			fmt.Printf("response from %s: %s (%s)\n", target, resp, time.Since(start).Round(time.Microsecond))
		}
		return nil
	},
}

func discoveryRegistry(cfg *config.Config, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, fmt.Errorf("no server address given and no etcd endpoints configured")
	}
	return registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
}

func init() {
	pingCmd.Flags().StringVar(&pingPayload, "payload", "ping", "request payload")
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 1, "number of requests")
	pingCmd.Flags().IntVar(&pingRetries, "retries", 2, "retries for unreachable peers and timeouts")
}
