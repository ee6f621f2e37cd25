package process

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/slumberd/slumber/internal/registry"
)

// Handle wraps one spawned worker process. It is created by Spawn and owned
// exclusively by the activation controller; nothing else signals or waits on
// the underlying command.
//
// A single reaper goroutine (started by Spawn) owns cmd.Wait. Everyone else
// observes exit through the Done channel, which avoids the double-Wait races
// of sharing an *exec.Cmd.
type Handle struct {
	def registry.Definition

	mu        sync.Mutex
	pid       int
	startedAt time.Time
	exitErr   error
	exited    bool
	done      chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// Spawn builds and starts the worker described by def. It refuses to start
// when the worker's listen port is already bound (returned error wraps
// ErrPortBusy) and reaps the child in a background goroutine.
func Spawn(def registry.Definition, extraEnv []string) (*Handle, error) {
	if def.Port > 0 && portBusy(def.Port) {
		return nil, fmt.Errorf("port %d: %w", def.Port, ErrPortBusy)
	}

	h := &Handle{def: def, done: make(chan struct{})}

	cmd := buildCommand(def.Command, def.Args)
	if def.WorkDir != "" {
		cmd.Dir = def.WorkDir
	}
	if len(def.Env) > 0 || len(extraEnv) > 0 {
		env := append([]string{}, os.Environ()...)
		env = append(env, def.Env...)
		env = append(env, extraEnv...)
		cmd.Env = env
	}
	setSysProcAttr(cmd)

	if def.Log.Dir != "" || def.Log.StdoutPath != "" || def.Log.StderrPath != "" {
		if def.Log.Dir != "" {
			_ = os.MkdirAll(def.Log.Dir, 0o750)
		}
		outW, errW, _ := def.Log.Writers(def.Name)
		h.outCloser, h.errCloser = outW, errW
		cmd.Stdout = writerOrNull(outW)
		cmd.Stderr = writerOrNull(errW)
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, err
	}
	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.exitErr = err
		h.mu.Unlock()
		h.closeWriters()
		close(h.done)
	}()

	return h, nil
}

func writerOrNull(w io.WriteCloser) io.Writer {
	if w != nil {
		return w
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return null
}

// PID returns the worker's process id.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the error from cmd.Wait once the process has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	pid := h.pid
	h.mu.Unlock()
	if exited || pid == 0 {
		return false
	}
	return pidAlive(pid)
}

// Terminate asks the worker's process group to exit.
func (h *Handle) Terminate() error {
	return signalGroup(h.PID(), sigTerm)
}

// Kill force-terminates the worker's process group.
func (h *Handle) Kill() error {
	return signalGroup(h.PID(), sigKill)
}

// StopGracefully sends a termination signal and waits up to grace for the
// process to exit, escalating to a kill when it does not. It returns once the
// process has been reaped (or after a short post-kill wait, best effort).
func (h *Handle) StopGracefully(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	_ = h.Terminate()
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	_ = h.Kill()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		// best-effort; the reaper will finish eventually
	}
	return nil
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	out, errw := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	h.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errw != nil {
		_ = errw.Close()
	}
}
