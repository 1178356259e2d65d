// Command reqresp runs a request/response server or sends requests to one.
//
//	reqresp serve --service prefix            # prints /ip4/.../tcp/.../p2p/<id>
//	reqresp ping /ip4/127.0.0.1/tcp/4001/p2p/<id> --payload ping
//	reqresp ping --etcd 127.0.0.1:2379        # discover the server via etcd
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-reqresp/config"
	"mini-reqresp/logging"
)

var (
	configFile    string
	protocolID    string
	logLevel      string
	etcdEndpoints []string
)

var rootCmd = &cobra.Command{
	Use:           "reqresp",
	Short:         "Peer-to-peer request/response over libp2p",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "JSON config file")
	rootCmd.PersistentFlags().StringVar(&protocolID, "protocol", "", "protocol id, e.g. /reqresp/1.0.0")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints for peer registration and discovery")

	rootCmd.AddCommand(serveCmd, pingCmd)
}

// loadConfig reads --config (or the defaults) and applies the global flags on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}
	if protocolID != "" {
		cfg.ProtocolID = protocolID
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if len(etcdEndpoints) > 0 {
		cfg.EtcdEndpoints = etcdEndpoints
	}
	cfg.Resolve()
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
