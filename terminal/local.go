package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/guseggert/sessionbridge/envelope"
)

// LocalBackend runs commands on this host under a pseudo-terminal.
type LocalBackend struct {
	// Dir is the working directory of started processes. Empty means the current one.
	Dir string
}

func (b *LocalBackend) Start(ctx context.Context, hs envelope.Handshake) (Process, error) {
	cmd := exec.Command(hs.Cmd[0], hs.Cmd[1:]...)
	cmd.Dir = b.Dir
	cmd.Env = os.Environ()
	for k, v := range hs.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	f, err := pty.StartWithSize(cmd, winsize(Dimensions{Columns: hs.Width, Rows: hs.Height}))
	if err != nil {
		return nil, fmt.Errorf("starting %q under a pty: %w", hs.Cmd[0], err)
	}
	return &localProcess{cmd: cmd, pty: f}, nil
}

func winsize(dims Dimensions) *pty.Winsize {
	cols, rows := dims.clamped()
	return &pty.Winsize{Cols: cols, Rows: rows}
}

type localProcess struct {
	cmd *exec.Cmd
	pty *os.File

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func (p *localProcess) Read(b []byte) (int, error)  { return p.pty.Read(b) }
func (p *localProcess) Write(b []byte) (int, error) { return p.pty.Write(b) }

func (p *localProcess) Resize(dims Dimensions) error {
	return pty.Setsize(p.pty, winsize(dims))
}

func (p *localProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *localProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		err = p.pty.Close()
		_ = p.Wait()
	})
	return err
}
