package gdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	// startupTimeout bounds the wait for GDB's first MI output line.
	startupTimeout = 10 * time.Second
	// stopGracePeriod is how long Stop waits after an interrupt before
	// killing the process.
	stopGracePeriod = 3 * time.Second
)

// Process owns a GDB subprocess started in MI interpreter mode. Its
// stdout is exposed line by line through Lines; Done closes once the
// process has been reaped.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   logr.Logger

	lines chan string
	done  chan struct{}

	writeMu  sync.Mutex
	stopOnce sync.Once

	exitCode int
}

// StartProcess launches gdbPath against programPath and waits for the
// first line of MI output before returning. A missing or non-executable
// binary, a spawn error, or an exit before any output all fail with
// ErrLaunchFailure.
func StartProcess(ctx context.Context, gdbPath string, programPath string, log logr.Logger) (*Process, error) {
	info, err := os.Stat(gdbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s is not an executable file", ErrLaunchFailure, gdbPath)
	}

	cmd := exec.Command(gdbPath, "--nx", "--quiet", "--interpreter=mi3", programPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	log.V(1).Info("gdb process started", "path", gdbPath, "program", programPath, "pid", cmd.Process.Pid)

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		log:      log,
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	started := make(chan struct{})
	go p.readLines(stdout, started)
	go p.logStderr(stderr)
	go p.wait()

	select {
	case <-started:
		return p, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: gdb exited with code %d before producing output", ErrLaunchFailure, p.exitCode)
	case <-time.After(startupTimeout):
		p.Stop()
		return nil, fmt.Errorf("%w: no output from gdb within %s", ErrLaunchFailure, startupTimeout)
	case <-ctx.Done():
		p.Stop()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, ctx.Err())
	}
}

func (p *Process) readLines(stdout io.Reader, started chan<- struct{}) {
	defer close(p.lines)
	var once sync.Once
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		once.Do(func() { close(started) })
		p.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		p.log.V(1).Info("gdb stdout closed", "error", err.Error())
	}
}

func (p *Process) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.V(1).Info("gdb stderr", "line", scanner.Text())
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if err != nil {
		p.log.V(1).Info("gdb process exited", "code", p.exitCode, "error", err.Error())
	} else {
		p.log.V(1).Info("gdb process exited", "code", p.exitCode)
	}
	close(p.done)
}

// Submit writes one MI command line to GDB's stdin. It fails with
// ErrProcessTerminated once the process has exited.
func (p *Process) Submit(line string) error {
	select {
	case <-p.done:
		return fmt.Errorf("%w: cannot submit %q", ErrProcessTerminated, line)
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessTerminated, err)
	}
	return nil
}

// Lines returns the channel of raw MI output lines. It is closed when
// GDB's stdout reaches EOF.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Done closes once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the process exit code, or -1 while it is still
// running (or when it was killed by a signal).
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Stop shuts the process down: interrupt first, then kill after a grace
// period. Safe to call multiple times and after exit.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.log.V(1).Info("interrupt failed, killing gdb", "error", err.Error())
			_ = p.cmd.Process.Kill()
			<-p.done
			return
		}
		select {
		case <-p.done:
		case <-time.After(stopGracePeriod):
			p.log.V(1).Info("gdb did not exit after interrupt, killing")
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
}
