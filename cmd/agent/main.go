package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/sessionbridge/agent"
	"github.com/guseggert/sessionbridge/internal/config"
	"github.com/guseggert/sessionbridge/internal/logging"
	"github.com/guseggert/sessionbridge/rpc"
	"github.com/guseggert/sessionbridge/terminal"
	"github.com/urfave/cli/v2"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "sessionbridge-agent",
		Usage: "serves terminals and an RPC bridge over WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before the failure action runs.",
				Value: settings.HeartbeatTimeout,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: settings.ListenAddr,
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "What runs behind /terminal. One of [local,docker,echo].",
				Value: "local",
			},
			&cli.StringFlag{
				Name:  "container",
				Usage: "The container to exec into when the backend is docker.",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML file listing the accounts served on /bridge. Searched for upwards from the working directory.",
				Value: settings.ConfigFile,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level.",
				Value: settings.LogLevel,
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := logging.New(ctx.String("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			var backend terminal.Backend
			switch b := ctx.String("backend"); b {
			case "local":
				backend = &terminal.LocalBackend{}
			case "echo":
				backend = terminal.EchoBackend{}
			case "docker":
				if ctx.String("container") == "" {
					return fmt.Errorf("--container is required with the docker backend")
				}
				backend, err = terminal.NewDockerBackend(ctx.String("container"))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported backend %q", b)
			}

			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
			file, path, err := config.Locate(ctx.String("config"), wd)
			if err != nil {
				return err
			}
			if path != "" {
				logger.Sugar().Infow("loaded config", "Path", path, "Accounts", len(file.Accounts))
			}

			host := rpc.NewHost(rpc.WithHostLogger(logger.Sugar()))
			rpc.NewDirectory(file.Accounts).Register(host)

			a, err := agent.NewAgent(
				agent.WithLogger(logger),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
				agent.WithTerminalBackend(backend),
				agent.WithHost(host),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}
			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
