package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/guseggert/sessionbridge/envelope"
)

// ErrDetached is returned by Wait when the process was closed while its command was still running.
// Docker cannot kill an exec; closing its TTY hangs up the shell instead.
var ErrDetached = errors.New("terminal: detached from running exec")

// ExecAPI is the part of the Docker client used to run commands in a container.
type ExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options types.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// DockerBackend runs commands inside an existing container with a TTY attached.
type DockerBackend struct {
	Client     ExecAPI
	Container  string
	User       string
	WorkingDir string
	// PollInterval is how often Wait checks whether the command has exited.
	PollInterval time.Duration
}

// NewDockerBackend builds a backend using the standard Docker environment variables (DOCKER_HOST etc.).
func NewDockerBackend(container string) (*DockerBackend, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &DockerBackend{Client: c, Container: container}, nil
}

func (b *DockerBackend) Start(ctx context.Context, hs envelope.Handshake) (Process, error) {
	var env []string
	for k, v := range hs.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	created, err := b.Client.ContainerExecCreate(ctx, b.Container, types.ExecConfig{
		User:         b.User,
		WorkingDir:   b.WorkingDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		Cmd:          hs.Cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", b.Container, err)
	}

	attached, err := b.Client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", created.ID, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	p := &dockerProcess{
		api:      b.Client,
		execID:   created.ID,
		conn:     attached,
		interval: b.PollInterval,
		ctx:      procCtx,
		cancel:   cancel,
	}
	if p.interval == 0 {
		p.interval = 200 * time.Millisecond
	}
	if hs.Width > 0 && hs.Height > 0 {
		if err := p.Resize(Dimensions{Columns: hs.Width, Rows: hs.Height}); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

type dockerProcess struct {
	api      ExecAPI
	execID   string
	conn     types.HijackedResponse
	interval time.Duration

	// ctx is canceled by Close and bounds every API call made after Start.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (p *dockerProcess) Read(b []byte) (int, error)  { return p.conn.Reader.Read(b) }
func (p *dockerProcess) Write(b []byte) (int, error) { return p.conn.Conn.Write(b) }

func (p *dockerProcess) Resize(dims Dimensions) error {
	cols, rows := dims.clamped()
	err := p.api.ContainerExecResize(p.ctx, p.execID, types.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
	if err != nil {
		return fmt.Errorf("resizing exec %q: %w", p.execID, err)
	}
	return nil
}

func (p *dockerProcess) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
	})
	return nil
}

// Wait polls the exec until it is no longer running and reports a non-zero exit code as an error.
// Once the process is closed it stops polling and returns ErrDetached.
func (p *dockerProcess) Wait() error {
	var exitCode int
	op := func() error {
		inspect, err := p.api.ContainerExecInspect(p.ctx, p.execID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if inspect.Running {
			return fmt.Errorf("exec %q still running", p.execID)
		}
		exitCode = inspect.ExitCode
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(p.interval), p.ctx)); err != nil {
		if p.ctx.Err() != nil {
			return fmt.Errorf("exec %q: %w", p.execID, ErrDetached)
		}
		return fmt.Errorf("inspecting exec: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("exec %q exited with code %d", p.execID, exitCode)
	}
	return nil
}
