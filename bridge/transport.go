package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"

	"go.uber.org/multierr"
)

// Dial connects to a host listening on network/address, usually a unix socket.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

// Process is a host helper running as a child process, spoken to over stdin/stdout.
// Its stderr is kept so a crash can be reported.
type Process struct {
	Cmd    *exec.Cmd
	Stderr *bytes.Buffer

	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

// Spawn starts name with args and returns the connected process.
func Spawn(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("bridge: start %s: %w", name, err)
	}

	return &Process{Cmd: cmd, Stderr: stderr, stdin: stdin, stdout: stdout}, nil
}

func (p *Process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin and waits for the child to exit.
func (p *Process) Close() error {
	p.once.Do(func() {
		err := p.stdin.Close()
		if waitErr := p.Cmd.Wait(); waitErr != nil {
			if p.Stderr.Len() > 0 {
				waitErr = fmt.Errorf("%w: %s", waitErr, bytes.TrimSpace(p.Stderr.Bytes()))
			}
			err = multierr.Append(err, waitErr)
		}
		p.err = err
	})
	return p.err
}
