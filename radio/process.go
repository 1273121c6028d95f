package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
)

// Process is a running external program with piped output.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Done closes once the process has exited and Err is valid.
	Done() <-chan struct{}
	Err() error
	Signal(os.Signal) error
	Kill() error
	String() string
}

// Launcher starts external programs.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher starts programs with os/exec.
type ExecLauncher struct {
	// Dir is the working directory; empty means the current one.
	Dir string
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	donec  chan struct{}
	err    error
}

// Launch starts name with args. The context only bounds the start; stop a
// running process with StopProcess.
func (l ExecLauncher) Launch(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = l.Dir

	// Pipes are owned here rather than by exec so reads may outlive Wait.
	outr, outw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errr, errw, err := os.Pipe()
	if err != nil {
		outr.Close()
		outw.Close()
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = outw, errw
	err = cmd.Start()
	outw.Close()
	errw.Close()
	if err != nil {
		outr.Close()
		errr.Close()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, stdout: outr, stderr: errr, donec: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.donec)
	}()
	glog.V(1).Infof("started %s", p)
	return p, nil
}

func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.donec }

func (p *execProcess) Err() error {
	select {
	case <-p.donec:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

func (p *execProcess) String() string {
	return fmt.Sprintf("%s[%d]", strings.Join(p.cmd.Args, " "), p.cmd.Process.Pid)
}

// StopProcess sends SIGTERM and waits up to timeout for p to exit before
// killing it. The kill is also bounded by timeout. forced reports whether
// the kill was needed.
func StopProcess(p Process, timeout time.Duration) (forced bool, err error) {
	select {
	case <-p.Done():
		return false, nil
	default:
	}
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		glog.Warningf("signal %s: %v", p, err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.Done():
		return false, nil
	case <-t.C:
	}

	glog.Warningf("%s still running after %v; killing", p, timeout)
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		glog.Warningf("kill %s: %v", p, err)
	}
	t.Reset(timeout)
	select {
	case <-p.Done():
		return true, nil
	case <-t.C:
		return true, fmt.Errorf("%s: %w", p, ErrTerminationTimeout)
	}
}

// ExitError maps an exit status to ErrProcessFailed.
func ExitError(p Process) error {
	err := p.Err()
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w (%v)", p, ErrProcessFailed, err)
}
