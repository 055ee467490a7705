// Package main provides the procflow server: the engine, scheduler and operations API in
// one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/procflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "procflow-server",
		Usage:                 "Run process definitions on schedules and on demand",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewServeCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("procflow-server").Error("server exited", "error", err)
		stop()
		os.Exit(1)
	}
}

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the engine, scheduler and operations API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PROCFLOW_PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (memory://, postgres://..., or a directory for the file store)",
				Value:   "memory://",
				Sources: cli.EnvVars("PROCFLOW_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the resource queue; empty keeps the queue in process",
				Sources: cli.EnvVars("PROCFLOW_REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Audit event bus (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("PROCFLOW_EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers used by the kafka event bus",
				Sources: cli.EnvVars("PROCFLOW_KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("PROCFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("PROCFLOW_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("PROCFLOW_LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.Setup(command.String("log-level"), command.String("log-format")).
				With("module", "procflow-server")

			logger.InfoContext(ctx, "Initializing procflow server")

			server, err := NewServer(ctx, logger, Settings{
				Port:         command.Int("port"),
				DatabaseURL:  command.String("database-url"),
				RedisURL:     command.String("redis-url"),
				EventBus:     command.String("event-bus"),
				KafkaBrokers: command.String("kafka-brokers"),
				ConfigPath:   command.String("config"),
			})
			if err != nil {
				return err
			}

			return server.Run(ctx)
		},
	}
}
