package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

// NewStdioClient creates a client that speaks over the process's standard
// streams, for a client launched by its build server
func NewStdioClient(options ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeStdio)
	t, err := transport.NewTransport(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio transport: %w", err)
	}
	return New(t, options...), nil
}

// Process is a build server started by Launch, together with the client
// connected to its standard streams
type Process struct {
	*Client

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	waitCh chan struct{}
	err    error
}

// Launch starts argv as a build server and connects a client to its stdin
// and stdout. The server's stderr is forwarded to stderr when non-nil.
// The returned client is started but not initialized.
func Launch(ctx context.Context, argv []string, dir string, stderr io.Writer, options ...Option) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("launch: empty command line")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", argv[0], err)
	}
	// an os.Pipe rather than StdoutPipe, so Wait does not close the read
	// side while the transport is still draining it
	stdout, serverOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", argv[0], err)
	}
	cmd.Stdout = serverOut

	config := transport.DefaultTransportConfig(transport.TransportTypeStdio)
	config.Reader = stdout
	config.Writer = stdin
	t, err := transport.NewTransport(config)
	if err != nil {
		_ = stdout.Close()
		_ = serverOut.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = serverOut.Close()
		return nil, fmt.Errorf("launch %s: %w", argv[0], err)
	}
	_ = serverOut.Close()

	p := &Process{
		Client: New(t, options...),
		cmd:    cmd,
		stdin:  stdin,
		waitCh: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.waitCh)
	}()

	if err := p.Client.Start(ctx); err != nil {
		_ = cmd.Process.Kill()
		<-p.waitCh
		return nil, err
	}
	return p, nil
}

// Pid returns the server's process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the server process has ended
func (p *Process) Exited() <-chan struct{} {
	return p.waitCh
}

// Close ends the session, then waits up to grace for the server to exit
// before killing it. It returns the session error, or else the process's
// exit error.
func (p *Process) Close(grace time.Duration) error {
	err := p.Client.Close()
	_ = p.stdin.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitCh:
	case <-timer.C:
		p.Client.logger.Warn("Build server %d did not exit within %s, killing it", p.Pid(), grace)
		_ = p.cmd.Process.Kill()
		<-p.waitCh
	}

	if err != nil {
		return err
	}
	return p.err
}
