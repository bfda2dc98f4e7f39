// Package supervisor runs the database process that backs a study and
// reports whether it is still alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// Defaults for Options.
const (
	DefaultBinary          = "mongod"
	DefaultPort            = 27010
	DefaultStartupGrace    = time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogFile         = "log.txt"
)

// Options configures the supervised process.
type Options struct {
	Binary          string
	DataDir         string
	Port            int
	StartupGrace    time.Duration
	ShutdownTimeout time.Duration
	// LogFile is the database's own log, placed inside DataDir.
	LogFile string
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = DefaultStartupGrace
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.LogFile == "" {
		o.LogFile = DefaultLogFile
	}
	return o
}

// Supervisor owns one database child process.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	closed   bool
}

// New creates a supervisor. Nothing is started until Start.
func New(opts Options, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		opts:   opts.withDefaults(),
		logger: logger.Named("supervisor"),
	}
}

// Args returns the argument vector passed to the database binary.
func (s *Supervisor) Args() []string {
	return []string{
		"--dbpath", s.opts.DataDir,
		"--port", strconv.Itoa(s.opts.Port),
		"--logpath", s.LogPath(),
	}
}

// LogPath is where the database writes its own log.
func (s *Supervisor) LogPath() string {
	return filepath.Join(s.opts.DataDir, s.opts.LogFile)
}

// Port is the port the database listens on.
func (s *Supervisor) Port() int {
	return s.opts.Port
}

// Start launches the database, waits out the startup grace period and checks
// that the process is still running.
//
// It returns a *domain.ConfigurationError when the binary cannot be found or
// launched and a *domain.StartupError when the process exits during the grace
// period.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil || s.closed {
		s.mu.Unlock()
		return errors.New("database process already started")
	}

	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		s.mu.Unlock()
		return &domain.ConfigurationError{Msg: "cannot create data directory " + s.opts.DataDir, Err: err}
	}

	path, err := exec.LookPath(s.opts.Binary)
	if err != nil {
		s.mu.Unlock()
		return &domain.ConfigurationError{
			Msg: fmt.Sprintf("%s not found, check that MongoDB is installed and in PATH", s.opts.Binary),
			Err: err,
		}
	}

	// Not CommandContext: the process must outlive ctx.
	cmd := exec.Command(path, s.Args()...)
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return &domain.ConfigurationError{
			Msg: fmt.Sprintf("failed to launch %s, check that MongoDB is installed and in PATH", s.opts.Binary),
			Err: err,
		}
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.mu.Unlock()

	go s.wait(cmd, done)

	hostname, _ := os.Hostname()
	s.logger.Debug("starting database",
		zap.String("dir", s.opts.DataDir),
		zap.String("address", net.JoinHostPort(hostname, strconv.Itoa(s.opts.Port))),
		zap.Int("pid", cmd.Process.Pid))

	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	case <-timer.C:
	}

	if err := s.CheckLiveness(); err != nil {
		var le *domain.LivenessError
		if errors.As(err, &le) {
			return &domain.StartupError{Code: le.Code}
		}
		return err
	}
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		s.logger.Info("database exited", zap.Int("code", code), zap.Error(err))
	} else {
		s.logger.Info("database exited", zap.Int("code", code))
	}

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(done)
}

// CheckLiveness reports, without blocking, whether the process is running.
// It returns a *domain.LivenessError once the process has terminated, whatever
// its exit code.
func (s *Supervisor) CheckLiveness() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return domain.ErrNotStarted
	}

	select {
	case <-done:
		s.mu.Lock()
		code := s.exitCode
		s.mu.Unlock()
		return &domain.LivenessError{Code: code}
	default:
		return nil
	}
}

// Close asks the process to terminate, waits up to ShutdownTimeout for it to
// exit and kills it otherwise. It is safe to call more than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed || s.cmd == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.cmd.Process
	done := s.done
	s.mu.Unlock()

	s.logger.Info("closing database")

	select {
	case <-done:
		return nil
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal database", zap.Error(err))
	}

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	s.logger.Warn("database did not exit in time, killing", zap.Duration("timeout", s.opts.ShutdownTimeout))
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill database: %w", err)
	}
	<-done
	return nil
}

// With starts a supervisor, runs fn and always closes the process afterwards,
// including when Start or fn fails.
func With(ctx context.Context, opts Options, logger *zap.Logger, fn func(*Supervisor) error) (err error) {
	s := New(opts, logger)
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	if err := s.Start(ctx); err != nil {
		return err
	}
	return fn(s)
}

// Embedded is the liveness check for backends without a separate process.
type Embedded struct{}

// CheckLiveness always succeeds.
func (Embedded) CheckLiveness() error {
	return nil
}
