package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/presence"
	"chatrelay/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "v0.3.0"

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chatrelay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay version %s\n", version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd = &cobra.Command{
		Use:           "chatrelay",
		Short:         "Chat message relay",
		Long:          `chatrelay relays text messages between logged-in users over length-prefixed JSON frames`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", os.Getenv("CHATRELAY_CONFIG"), "path to configuration file")
	rootCmd.AddCommand(versionCmd, serveCmd, ctlCmd, userCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log.Info("starting chatrelay", zap.String("version", version))

	database, err := db.New(cfg.DB.Path)
	if err != nil {
		log.Error("failed to open database", zap.String("path", cfg.DB.Path), zap.Error(err))
		return err
	}
	defer database.Close()

	pub, err := presence.New(log, cfg.Presence)
	if err != nil {
		log.Error("failed to init presence", zap.Error(err))
		return err
	}
	defer pub.Close()

	opts := []server.Option{server.WithPresence(pub)}
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		m := metrics.New(cfg.Metrics)
		opts = append(opts, server.WithMetrics(m))
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	srv := server.New(database, &server.ServerConfig{
		Addr:             cfg.Server.ListenAddr(),
		IdleTimeout:      cfg.Server.IdleTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		MaxFrameSize:     cfg.Server.MaxFrameSize,
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
	}, log, opts...)

	if cfg.Server.ControlSocket != "" {
		ctl, err := startControlSocket(cfg.Server.ControlSocket, srv, log)
		if err != nil {
			log.Warn("control socket unavailable", zap.Error(err))
		} else {
			defer ctl.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		srv.Shutdown()
	}()

	err = srv.Start()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}
	return err
}
