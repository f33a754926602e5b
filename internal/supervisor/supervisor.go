package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/specialistvlad/controlroom/internal/clock"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/fsutil"
)

const (
	DefaultMaxIterations = 5
	DefaultPollInterval  = 200 * time.Millisecond

	DefaultInterpreter = "python"
	DefaultEntryPoint  = "api.server"
)

// reapTimeout bounds the wait for a killed process to be collected.
const reapTimeout = 2 * time.Second

var (
	// ErrRootNotFound is returned when a module directory does not exist.
	ErrRootNotFound = errors.New("module root not found")

	// ErrTeardownIncomplete reports children that were still running after
	// the last kill iteration. The parent is killed regardless.
	ErrTeardownIncomplete = errors.New("process teardown incomplete")
)

// TeardownError lists the children that survived StopTree.
type TeardownError struct {
	PID       int
	Remaining []int32
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("%s: pid %d still has children %v", ErrTeardownIncomplete, e.PID, e.Remaining)
}

func (e *TeardownError) Unwrap() error { return ErrTeardownIncomplete }

// Spec describes a process to launch.
type Spec struct {
	Name       string
	Dir        string
	Executable string
	Args       []string
	Env        []string
}

// Handle is a launched process. It is reaped in the background; Done is
// closed once the process has exited.
type Handle struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// PID is the operating system process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Name is the Spec name the handle was launched with.
func (h *Handle) Name() string { return h.name }

// Done is closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err is the process exit error. Only meaningful after Done.
func (h *Handle) Err() error { return h.err }

// Supervisor launches and tears down processes.
type Supervisor struct {
	clock         clock.Clock
	maxIterations int
	pollInterval  time.Duration
	interpreter   string
	entryPoint    string
	stdout        io.Writer
	stderr        io.Writer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithTeardown sets the iteration budget of StopTree.
func WithTeardown(maxIterations int, pollInterval time.Duration) Option {
	return func(s *Supervisor) {
		s.maxIterations = maxIterations
		s.pollInterval = pollInterval
	}
}

// WithLauncher sets the interpreter and module entry point used by Start.
func WithLauncher(interpreter, entryPoint string) Option {
	return func(s *Supervisor) {
		if interpreter != "" {
			s.interpreter = interpreter
		}
		if entryPoint != "" {
			s.entryPoint = entryPoint
		}
	}
}

// WithOutput redirects the standard streams of launched processes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// New returns a Supervisor with the default teardown budget and launcher.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		clock:         clock.Real(),
		maxIterations: DefaultMaxIterations,
		pollInterval:  DefaultPollInterval,
		interpreter:   DefaultInterpreter,
		entryPoint:    DefaultEntryPoint,
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModuleSpec builds the Spec that starts a managed module's server from
// rootPath/moduleName. Extra arguments are passed as --key=value in key
// order.
func (s *Supervisor) ModuleSpec(moduleName, ip string, port, loglevel int, rootPath string, extraArgs map[string]string) (Spec, error) {
	dir, err := filepath.Abs(filepath.Join(rootPath, moduleName))
	if err != nil {
		return Spec{}, fmt.Errorf("resolve module root for %s: %w", moduleName, err)
	}
	if !fsutil.DirExists(dir) {
		return Spec{}, fmt.Errorf("%w: %s", ErrRootNotFound, dir)
	}

	args := []string{
		"-m", s.entryPoint,
		"--port=" + strconv.Itoa(port),
		"--ip=" + ip,
		"--loglevel=" + strconv.Itoa(loglevel),
	}
	keys := make([]string, 0, len(extraArgs))
	for k := range extraArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, extraArgs[k]))
	}

	return Spec{Name: moduleName, Dir: dir, Executable: s.interpreter, Args: args}, nil
}

// Start launches a managed module's server.
func (s *Supervisor) Start(ctx context.Context, moduleName, ip string, port, loglevel int, rootPath string, extraArgs map[string]string) (*Handle, error) {
	spec, err := s.ModuleSpec(moduleName, ip, port, loglevel, rootPath, extraArgs)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("Spawning module.", "module", moduleName, "address", fmt.Sprintf("%s:%d", ip, port), "extra_args", extraArgs)
	return s.Launch(ctx, spec)
}

// Launch starts spec. The process outlives ctx; use StopTree or Terminate
// to end it.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	logger.Debug("Launching process.", "name", spec.Name, "executable", spec.Executable, "args", spec.Args, "dir", spec.Dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	h := &Handle{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	logger.Debug("Process launched.", "name", spec.Name, "pid", h.PID())
	return h, nil
}

// StopTree kills the children of h until none are left or the iteration
// budget is spent, then kills h itself. A process that is already gone
// counts as stopped. Surviving children are reported as a *TeardownError
// after the parent has been killed.
func (s *Supervisor) StopTree(ctx context.Context, h *Handle) error {
	logger := ctxlog.FromContext(ctx).With("name", h.name, "pid", h.PID())

	remaining := s.killChildren(ctx, h)

	logger.Debug("Sending kill to parent process.")
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("Kill of parent failed.", "error", err)
	}
	s.reap(ctx, h)

	if len(remaining) > 0 {
		err := &TeardownError{PID: h.PID(), Remaining: remaining}
		logger.Warn("Children survived teardown.", "remaining", remaining)
		return err
	}
	return nil
}

func (s *Supervisor) killChildren(ctx context.Context, h *Handle) []int32 {
	logger := ctxlog.FromContext(ctx).With("name", h.name, "pid", h.PID())

	if h.Exited() {
		return nil
	}
	parent, err := process.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		logger.Debug("Process no longer exists.", "error", err)
		return nil
	}

	var remaining []int32
	for i := 0; i < s.maxIterations; i++ {
		if i > 0 {
			if err := s.clock.Sleep(ctx, s.pollInterval); err != nil {
				return remaining
			}
		}

		children, err := liveChildren(ctx, parent)
		if err != nil {
			logger.Debug("Child enumeration stopped.", "error", err)
			return nil
		}
		if len(children) == 0 {
			return nil
		}

		remaining = remaining[:0]
		for _, ch := range children {
			logger.Debug("Sending kill to child process.", "child_pid", ch.Pid)
			if err := ch.KillWithContext(ctx); err != nil && !isGone(err) {
				logger.Debug("Kill of child failed.", "child_pid", ch.Pid, "error", err)
			}
			remaining = append(remaining, ch.Pid)
		}
	}

	if err := s.clock.Sleep(ctx, s.pollInterval); err != nil {
		return remaining
	}
	children, err := liveChildren(ctx, parent)
	if err != nil {
		return nil
	}
	remaining = remaining[:0]
	for _, ch := range children {
		remaining = append(remaining, ch.Pid)
	}
	return remaining
}

// liveChildren lists the direct children of p that have not yet exited.
// Killed children linger as zombies until their parent reaps them and
// must not count as running.
func liveChildren(ctx context.Context, p *process.Process) ([]*process.Process, error) {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	live := children[:0]
	for _, ch := range children {
		status, err := ch.StatusWithContext(ctx)
		if err != nil {
			continue
		}
		if slices.Contains(status, process.Zombie) {
			continue
		}
		live = append(live, ch)
	}
	return live, nil
}

func isGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func (s *Supervisor) reap(ctx context.Context, h *Handle) {
	select {
	case <-h.done:
	case <-time.After(reapTimeout):
		ctxlog.FromContext(ctx).Warn("Process not reaped after kill.", "name", h.name, "pid", h.PID())
	case <-ctx.Done():
	}
}

// Terminate asks h to exit, waits up to grace and force-kills it if it is
// still alive.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, grace time.Duration) error {
	logger := ctxlog.FromContext(ctx).With("name", h.name, "pid", h.PID())
	if h.Exited() {
		return nil
	}

	logger.Debug("Terminating process.", "grace", grace)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("Terminate signal failed, killing.", "error", err)
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		select {
		case <-h.done:
			return nil
		case <-waitCtx.Done():
		}
	}

	if h.Exited() {
		return nil
	}
	logger.Info("Process still alive after grace period, killing.")
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", h.name, err)
	}
	s.reap(ctx, h)
	return nil
}
