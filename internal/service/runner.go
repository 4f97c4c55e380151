package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// maxLineLen bounds a single diagnostic line, a longer line is truncated to
// its first maxLineLen bytes and the remainder is dropped.
const maxLineLen = 64 * 1024

// DefaultDrainDelay is how long output is still read after the process
// exited. A descendant which escaped the process group may keep the pipes
// open, they are closed once the delay expires.
const DefaultDrainDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	// Err is the process wait error, ReadErr a failure draining its output.
	Err     error
	ReadErr error
}

// ExitCode returns the exit code or -1 if the process did not exit normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner owns exactly one scanner process. It drains stdout and stderr
// concurrently from the moment of spawn and implements Terminable.
type Runner struct {
	// DrainDelay bounds reading of the output after exit, it must be set
	// before Start.
	DrainDelay time.Duration

	mx      sync.RWMutex
	cmd     *exec.Cmd
	result  Result
	exited  chan struct{}
	drained chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		DrainDelay: DefaultDrainDelay,
		exited:     make(chan struct{}),
		drained:    make(chan struct{}),
	}
}

// Start spawns the process. Chunks of stdout are written to stdout as they
// arrive, stderr is split to lines passed to stderrFunc in order. It returns
// model.ErrInProgress on a second call, or an error wrapping model.ErrSpawn.
// It does NOT wait on the command, use Exited, Drained and Result for that.
func (r *Runner) Start(ctx context.Context, proto Command, stdout io.Writer, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return model.ErrInProgress
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	setProcessGroup(cmd)

	// plain pipes rather than cmd.StdoutPipe: Wait must return when the
	// process exits, not when every holder of the write end is gone
	outPipe, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	errPipe, errW, err := os.Pipe()
	if err != nil {
		closeAll(outPipe, outW)
		return fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	r.result = Result{
		Path:    proto.Path,
		Args:    append([]string(nil), proto.Args...),
		Started: time.Now().UTC(),
	}
	err = cmd.Start()
	closeAll(outW, errW)
	if err != nil {
		closeAll(outPipe, errPipe)
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	r.cmd = cmd
	slog.DebugContext(ctx, "scanner started", "path", proto.Path, "args", proto.Args, "pid", cmd.Process.Pid)

	// both streams are drained concurrently, a child blocked on a full
	// stderr pipe would never finish its stdout and vice versa
	var g errgroup.Group
	g.Go(func() error {
		return drain(stdout, outPipe)
	})
	g.Go(func() error {
		return scanLines(errPipe, maxLineLen, func(line string) {
			if stderrFunc != nil {
				stderrFunc(ctx, line)
			}
		})
	})
	go r.wait()
	go r.collect(ctx, &g, outPipe, errPipe)
	return nil
}

func (r *Runner) wait() {
	err := r.cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.result.Stopped = stopped
	r.result.State = r.cmd.ProcessState
	r.result.Err = err
	r.mx.Unlock()
	close(r.exited)
}

// collect waits for both streams to reach EOF. Once the process exited
// they get DrainDelay to do so, then the pipes are closed.
func (r *Runner) collect(ctx context.Context, g *errgroup.Group, pipes ...*os.File) {
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var readErr error
	select {
	case readErr = <-done:
	case <-r.exited:
		t := time.NewTimer(r.DrainDelay)
		select {
		case readErr = <-done:
		case <-t.C:
			slog.WarnContext(ctx, "scanner output still open after exit: closing", "drain_delay", r.DrainDelay.String())
			closeAll(pipes...)
			readErr = <-done
			if errors.Is(readErr, os.ErrClosed) {
				readErr = nil
			}
		}
		t.Stop()
	}
	closeAll(pipes...)

	r.mx.Lock()
	r.result.ReadErr = readErr
	r.mx.Unlock()

	if readErr != nil {
		slog.ErrorContext(ctx, "draining scanner output", "error", readErr)
	}
	close(r.drained)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// drain copies src to dst, if dst fails src is still consumed to EOF so
// the child never blocks on a full pipe.
func drain(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if err != nil {
		_, _ = io.Copy(io.Discard, src)
	}
	return err
}

// scanLines calls fn for every line of src without the line terminator.
// A line longer than maxLen is truncated to its first maxLen bytes, the
// remainder up to the next terminator is dropped.
func scanLines(src io.Reader, maxLen int, fn func(string)) error {
	br := bufio.NewReaderSize(src, maxLen)
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !truncated {
				fn(string(chunk))
				truncated = true
			}
			continue
		}
		if len(chunk) > 0 && !truncated {
			fn(trimEOL(chunk))
		}
		truncated = false
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func trimEOL(b []byte) string {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return string(b[:n])
}

// Exited is closed once the process has exited. Its output may still be
// read, see Drained.
func (r *Runner) Exited() <-chan struct{} {
	return r.exited
}

// Drained is closed once both streams reached EOF or were closed after
// DrainDelay.
func (r *Runner) Drained() <-chan struct{} {
	return r.drained
}

// Result returns the command result, final once Drained is closed.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// PID returns the process id or 0 when not started.
func (r *Runner) PID() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Terminate asks the process and its children to stop.
func (r *Runner) Terminate() error {
	return r.signal(terminateSignal)
}

// Kill stops the process and its children forcefully.
func (r *Runner) Kill() error {
	return r.signal(killSignal)
}

func (r *Runner) signal(sig os.Signal) error {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	select {
	case <-r.exited:
		return os.ErrProcessDone
	default:
	}
	return signalProcess(cmd.Process, sig)
}
