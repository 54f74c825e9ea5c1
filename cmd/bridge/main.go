package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/sessionbridge/agent"
	"github.com/guseggert/sessionbridge/internal/config"
	"github.com/guseggert/sessionbridge/internal/logging"
	"github.com/guseggert/sessionbridge/rpc"
	"github.com/guseggert/sessionbridge/session"
	"github.com/guseggert/sessionbridge/terminal"
	"github.com/guseggert/sessionbridge/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type env struct {
	settings config.Settings
	log      *zap.SugaredLogger
	file     *config.File
	client   *agent.Client
}

func setup(c *cli.Context, settings config.Settings) (*env, error) {
	logger, err := logging.New(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	file, _, err := config.Locate(c.String("config"), wd)
	if err != nil {
		return nil, err
	}
	client, err := agent.NewClient(logger.Sugar(), c.String("agent-url"))
	if err != nil {
		return nil, err
	}
	return &env{settings: settings, log: logger.Sugar(), file: file, client: client}, nil
}

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "sessionbridge",
		Usage: "talks to a sessionbridge agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "agent-url",
				Usage: "Base URL of the agent.",
				Value: settings.AgentURL,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML file listing terminal endpoints. Searched for upwards from the working directory.",
				Value: settings.ConfigFile,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level.",
				Value: settings.LogLevel,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "term",
				Usage:     "open an interactive terminal",
				ArgsUsage: "[endpoint label or URL]",
				Action: func(c *cli.Context) error {
					e, err := setup(c, settings)
					if err != nil {
						return err
					}
					return runTerm(c.Context, e, c.Args().First())
				},
			},
			{
				Name:      "call",
				Usage:     "call a bridge path and print the result",
				ArgsUsage: "<dotted.path> [JSON args...]",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("missing path")
					}
					e, err := setup(c, settings)
					if err != nil {
						return err
					}
					return runCall(c.Context, e, c.Args().First(), c.Args().Tail())
				},
			},
			{
				Name:  "watch",
				Usage: "print account updates until interrupted",
				Action: func(c *cli.Context) error {
					e, err := setup(c, settings)
					if err != nil {
						return err
					}
					return runWatch(c.Context, e)
				},
			},
			{
				Name:  "endpoints",
				Usage: "list configured terminal endpoints",
				Action: func(c *cli.Context) error {
					e, err := setup(c, settings)
					if err != nil {
						return err
					}
					for _, ep := range e.file.Endpoints {
						fmt.Printf("%s\t%s\n", ep.Label, ep.URL)
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newBridge(e *env) *rpc.Bridge {
	return e.client.Bridge(
		rpc.WithCallTimeout(e.settings.CallTimeout),
		rpc.WithConnectTimeout(e.settings.ConnectTimeout),
	)
}

func runCall(ctx context.Context, e *env, path string, rawArgs []string) error {
	args := make([]any, 0, len(rawArgs))
	for i, a := range rawArgs {
		if !json.Valid([]byte(a)) {
			return fmt.Errorf("argument %d is not valid JSON: %s", i, a)
		}
		args = append(args, json.RawMessage(a))
	}

	b := newBridge(e)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}
	result, err := b.Call(ctx, strings.Split(path, "."), args...)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func runWatch(ctx context.Context, e *env) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := newBridge(e)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}

	lost := make(chan struct{}, 1)
	unobserve := b.Session().Observe(func(t session.Transition) {
		if t.To == session.Disconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unobserve()

	_, err := b.Accounts().Subscribe(ctx, func(accounts []rpc.Account) {
		out, err := json.Marshal(accounts)
		if err != nil {
			e.log.Warnw("encoding accounts", "Error", err)
			return
		}
		fmt.Println(string(out))
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			policy := backoff.WithMaxRetries(session.DefaultBackoff(), e.settings.ReconnectAttempts)
			if err := b.Session().ReconnectWithBackoff(ctx, policy); err != nil {
				return fmt.Errorf("reconnecting: %w", err)
			}
		}
	}
}

// terminalFor picks the transport for target: a configured label, a ws(s) URL, the agent, or a local echo.
func terminalFor(ctx context.Context, e *env, target string, opts ...terminal.Option) *terminal.Terminal {
	if ep, ok := e.file.Endpoint(target); ok {
		target = ep.URL
	}
	if len(e.file.Terminal.Command) > 0 {
		opts = append(opts, terminal.WithCommand(e.file.Terminal.Command...))
	}
	if e.file.Terminal.Env != nil {
		opts = append(opts, terminal.WithEnv(e.file.Terminal.Env))
	}
	opts = append(opts, terminal.WithLogger(e.log))

	switch {
	case target == "":
		return e.client.Terminal(opts...)
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return terminal.Dial(target, append(opts, terminal.WithWebSocketOptions(transport.WithHTTPClient(e.client.HTTPClient)))...)
	default:
		e.log.Infow("not a WebSocket endpoint, using a local echo terminal", "Target", target)
		srv := terminal.NewServer(terminal.EchoBackend{}, terminal.WithServerLogger(e.log))
		return terminal.New(transport.PortFactory(func(p *transport.Port) {
			_ = srv.Serve(ctx, p)
		}), opts...)
	}
}

func runTerm(ctx context.Context, e *env, target string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd := int(os.Stdin.Fd())
	dims := terminal.Dimensions{Columns: 80, Rows: 24}
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			dims = terminal.Dimensions{Columns: w, Rows: h}
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	t := terminalFor(ctx, e, target, terminal.WithOutput(os.Stdout))
	defer t.Close()
	t.Observe(func(tr session.Transition) {
		if tr.To == session.Disconnected || tr.To == session.Closed {
			cancel()
		}
	})
	if err := t.Open(ctx, dims); err != nil {
		return err
	}

	go func() {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				if err := t.Resize(ctx, terminal.Dimensions{Columns: w, Rows: h}); err != nil {
					e.log.Debugw("resizing", "Error", err)
				}
			}
		}
	}()

	inputErr := make(chan error, 1)
	// the stdin reader stays blocked until the next keypress, so nothing waits for it
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				cancel()
				return
			}
			if err := t.Input(ctx, string(buf[:n])); err != nil {
				inputErr <- err
				cancel()
				return
			}
		}
	}()

	<-ctx.Done()
	select {
	case err := <-inputErr:
		return err
	default:
		return nil
	}
}
