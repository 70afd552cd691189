// Command qtun is a bidirectional IP-layer VPN tunnel over QUIC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"qtun/app"
	"qtun/config"
	"qtun/fileserver"
	"qtun/socks5"
	"qtun/utils"
)

func main() {
	cfg := config.Default()

	configPath := pflag.String("config", "", "path to a JSON config file, overlaid onto the defaults below")
	pflag.StringVar(&cfg.Key, "key", cfg.Key, "shared secret; empty disables encryption")
	pflag.StringVar(&cfg.RemoteAddrs, "remote-addrs", cfg.RemoteAddrs, "client: server endpoint to dial")
	pflag.StringVar(&cfg.Listen, "listen", cfg.Listen, "server: QUIC bind address")
	pflag.IntVar(&cfg.TransportThreads, "transport-threads", cfg.TransportThreads, "client: parallel QUIC connections")
	pflag.StringVar(&cfg.IP, "ip", cfg.IP, "virtual IP and CIDR for the TUN interface")
	pflag.IntVar(&cfg.MTU, "mtu", cfg.MTU, "TUN interface MTU")
	pflag.BoolVar(&cfg.ServerMode, "server-mode", cfg.ServerMode, "run as server instead of client")
	pflag.BoolVar(&cfg.NoDelay, "no-delay", cfg.NoDelay, "disable Nagle-style batching of queued frames on the QUIC write path")
	pflag.Uint16Var(&cfg.Socks5Port, "socks5-port", cfg.Socks5Port, "client: SOCKS5 proxy port")
	pflag.Uint16Var(&cfg.FileSvrPort, "file-svr-port", cfg.FileSvrPort, "PAC file HTTP server port")
	pflag.StringVar(&cfg.FileDir, "file-dir", cfg.FileDir, "directory served by the PAC file HTTP server")
	pflag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	pflag.StringVar(&cfg.Log.Path, "log-path", cfg.Log.Path, "log file path")
	pflag.Parse()

	if *configPath != "" {
		if err := config.Reload(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.GlobalCfg
	} else {
		config.Init(cfg)
	}

	utils.InitLogger(cfg.Log)
	defer utils.Logger.Sync()

	utils.Logger.Info("qtun starting",
		zap.Bool("server_mode", cfg.ServerMode),
		zap.String("listen", cfg.Listen),
		zap.String("remote_addrs", cfg.RemoteAddrs),
		zap.String("ip", cfg.IP))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(cfg)

	if !cfg.ServerMode {
		go func() {
			if err := socks5.NewServer(nil).ListenAndServe(fmt.Sprintf("0.0.0.0:%d", cfg.Socks5Port)); err != nil {
				utils.Logger.Error("socks5 server exited", zap.Error(err))
			}
		}()
	}
	go fileserver.Start(ctx, cfg.FileDir, cfg.FileSvrPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-sigCh:
		utils.Logger.Info("qtun shutting down")
		cancel()
		utils.Logger.Sync()
		os.Exit(0)
	case err := <-runErr:
		if err != nil {
			utils.Logger.Error("qtun init failure", zap.Error(err))
			utils.Logger.Sync()
			os.Exit(1)
		}
	}
}

