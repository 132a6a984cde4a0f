package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"medlink/gateway/internal/config"
	"medlink/gateway/internal/log"
	"medlink/gateway/internal/metrics"
	"medlink/gateway/internal/server"
	"medlink/gateway/internal/session"
	"medlink/gateway/internal/sink"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept device connections and publish their telemetry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file; environment variables apply when omitted",
				EnvVars: []string{"GATEWAY_CONFIG"},
			},
		},
		Action: serveAction,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 2)
	}

	level, err := log.ParseLevel(cfg.Gateway.LogLevel)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger := log.NewLogger(cfg.Gateway.ID, level)
	defer logger.Sync()
	logger.Info("starting gateway", map[string]any{
		"port":      cfg.Gateway.Port,
		"http_port": cfg.Gateway.HTTPPort,
		"protocols": cfg.ProtocolNames(),
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Gateway.RedisURL,
		DB:   0,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to redis", map[string]any{"addr": cfg.Gateway.RedisURL})

	natsConn, err := nats.Connect(cfg.Gateway.NATSURL, nats.Name("medlink-gateway-"+cfg.Gateway.ID))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConn.Close()
	logger.Info("connected to nats", map[string]any{"url": cfg.Gateway.NATSURL})

	collector := metrics.NewCollector(cfg.Gateway.ID)
	srv := server.NewTCPServer(server.Options{
		Config:    cfg,
		Logger:    logger,
		Metrics:   collector,
		Registry:  session.NewRegistry(redisClient, cfg.Gateway.ID, cfg.Gateway.SessionTTL.Duration),
		Publisher: sink.NewNATSPublisher(natsConn, cfg.Gateway.ID),
		NATS:      natsConn,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down", nil)

	srv.Stop()
	if err := natsConn.Flush(); err != nil {
		logger.Warn("nats flush failed", map[string]any{"error": err.Error()})
	}
	snap := collector.Snapshot()
	logger.Info("gateway stopped", map[string]any{
		"sessions": snap.SessionsOpened,
		"frames":   snap.Frames,
		"packets":  snap.Packets,
	})
	return nil
}
