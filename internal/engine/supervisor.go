package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/wordstorm/internal/logging"
)

// State represents the supervisor's view of the engine process.
type State int

const (
	// StateIdle means no engine has been started yet.
	StateIdle State = iota
	// StateStarting means the engine is spawned and the readiness probe
	// is outstanding.
	StateStarting
	// StateRunning means the engine answered the readiness probe.
	StateRunning
	// StateRestarting means the engine exited and a backed-off restart
	// is scheduled or underway.
	StateRestarting
	// StateFailed means automatic restarts are exhausted; only a manual
	// Restart resumes recovery.
	StateFailed
	// StateStopped means the supervisor was shut down.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures the engine process supervisor.
type SupervisorConfig struct {
	// Command is the engine executable.
	Command string

	// Args are extra arguments placed before the generated ones.
	Args []string

	// DataDir is passed to the engine as --data=<dir>.
	DataDir string

	// Debug adds --verbose to the engine argv.
	Debug bool

	// Env are additional environment variables.
	Env map[string]string

	// MaxRestarts is the automatic restart budget after crashes.
	// Default: 5.
	MaxRestarts int

	// InitialBackoff is the delay before the first automatic restart.
	// Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 60 seconds.
	MaxBackoff time.Duration

	// ReadyTimeout bounds the post-spawn readiness probe. Default: 5s.
	ReadyTimeout time.Duration

	// RestartDelay is the pause between teardown and respawn during an
	// explicit Restart. Default: 250ms.
	RestartDelay time.Duration
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Command:        "wordserve",
		MaxRestarts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		ReadyTimeout:   5 * time.Second,
		RestartDelay:   250 * time.Millisecond,
	}
}

// EventType identifies the type of supervisor event.
type EventType int

const (
	// EventCrash indicates the engine exited unexpectedly.
	EventCrash EventType = iota
	// EventRestarting indicates a restart attempt is scheduled.
	EventRestarting
	// EventRecovered indicates the engine is running again.
	EventRecovered
	// EventFailed indicates automatic recovery gave up.
	EventFailed
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventCrash:
		return "crash"
	case EventRestarting:
		return "restarting"
	case EventRecovered:
		return "recovered"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports a supervision state change.
type Event struct {
	Type      EventType
	Err       error
	Attempt   int
	NextRetry time.Duration
}

// LineClassifier receives the engine's stderr, one line at a time. The
// stderr stream is freeform human-readable text, not part of the protocol.
type LineClassifier func(line string)

// Supervisor owns the engine process: it spawns it, pumps its stdio into
// the broker, and restarts it with exponential backoff when it dies.
//
// Critical sections: mu guards the process handle, pipes, generation
// counter, and restart bookkeeping. The readiness probe and backoff waits
// run outside the lock.
type Supervisor struct {
	mu sync.Mutex

	cfg      SupervisorConfig
	broker   *Broker
	classify LineClassifier
	log      *logging.Logger

	// Process handle (protected by mu)
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	gen     uint64 // bumped every spawn/teardown; stale monitors check it
	spawned time.Time

	// Restart bookkeeping (protected by mu)
	attempts     int
	restartTimer *time.Timer

	state        atomic.Int32
	restarting   atomic.Bool
	shuttingDown atomic.Bool

	// onStarted runs after every successful start, automatic or manual.
	// The client uses it to reset the respawn policy clock.
	onStarted func()

	eventCh   chan Event
	evClosed  atomic.Bool
	closeOnce sync.Once
}

// NewSupervisor creates a supervisor bound to the given broker.
func NewSupervisor(cfg SupervisorConfig, broker *Broker, log *logging.Logger) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if log == nil {
		log = logging.Null()
	}

	s := &Supervisor{
		cfg:     cfg,
		broker:  broker,
		log:     log.WithComponent("supervisor"),
		eventCh: make(chan Event, 16),
	}
	s.state.Store(int32(StateIdle))
	s.classify = func(line string) {
		s.log.Debug("engine: %s", line)
	}
	return s
}

// SetLineClassifier installs the stderr line handler. Must be called
// before Start.
func (s *Supervisor) SetLineClassifier(fn LineClassifier) {
	if fn != nil {
		s.classify = fn
	}
}

// SetOnStarted installs the successful-start callback. Must be called
// before Start.
func (s *Supervisor) SetOnStarted(fn func()) {
	s.onStarted = fn
}

// Start spawns the engine, wires its stdio, and waits for the readiness
// probe before returning.
//
// Readiness is a real handshake, not a fixed warm-up sleep: a ping request
// with its own bounded timeout goes out right after spawn, and the first
// valid response marks the engine running.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.shuttingDown.Load() {
		return ErrShutdown
	}

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := s.spawnLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.awaitReady(ctx); err != nil {
		s.mu.Lock()
		s.teardownLocked()
		s.mu.Unlock()
		return fmt.Errorf("engine readiness: %w", err)
	}

	s.mu.Lock()
	if s.cmd == nil {
		// Answered the probe and died right after.
		s.mu.Unlock()
		return ErrEngineCrashed
	}
	s.attempts = 0
	s.mu.Unlock()
	s.state.Store(int32(StateRunning))

	if s.onStarted != nil {
		s.onStarted()
	}

	return nil
}

// spawnLocked builds the argv, starts the process, and launches the stdio
// pumps and the exit monitor. Must hold mu.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--data="+s.cfg.DataDir)
	if s.cfg.Debug {
		args = append(args, "--verbose")
	}

	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	s.spawned = time.Now()
	s.gen++
	gen := s.gen

	s.broker.Attach(stdin)
	s.state.Store(int32(StateStarting))

	go s.pumpStdout(stdout)
	go s.pumpStderr(stderr)
	go s.monitor(gen, cmd)

	s.log.Info("engine started: %s %v (pid %d)", s.cfg.Command, args, cmd.Process.Pid)
	return nil
}

// awaitReady sends the readiness ping through the broker.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	_, err := s.broker.Send(ctx, controlRequest{Action: ActionPing}, s.cfg.ReadyTimeout)
	return err
}

// pumpStdout feeds engine output through the frame decoder into the
// broker. Decode failures are logged and confined here; a corrupt chunk is
// dropped and the pump keeps reading.
func (s *Supervisor) pumpStdout(r io.ReadCloser) {
	dec := NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			bodies, derr := dec.Decode(buf[:n])
			for _, body := range bodies {
				s.broker.OnMessage(body)
			}
			if derr != nil {
				s.log.Warn("%v; chunk dropped", derr)
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpStderr forwards engine stderr lines to the classifier.
func (s *Supervisor) pumpStderr(r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		s.classify(scanner.Text())
	}
}

// monitor waits for the process to exit and drives crash recovery. The
// generation check discards notifications for processes the supervisor
// already tore down on purpose. An exit during the starting phase belongs
// to whichever start path is in flight; its readiness probe observes the
// cancellation and handles the failure, so monitor stands down to avoid
// driving recovery twice.
func (s *Supervisor) monitor(gen uint64, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if gen != s.gen || s.shuttingDown.Load() {
		s.mu.Unlock()
		return
	}
	s.dropProcessLocked()
	starting := State(s.state.Load()) == StateStarting
	s.mu.Unlock()

	s.broker.CancelAll(ErrEngineCrashed)

	if starting {
		return
	}

	s.handleExit(err)
}

// handleExit reacts to an engine failure: either schedule a backed-off
// restart or give up until a manual restart.
func (s *Supervisor) handleExit(exitErr error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	s.log.Warn("engine exited unexpectedly (attempt %d): %v", attempt, exitErr)
	s.emit(Event{Type: EventCrash, Err: exitErr, Attempt: attempt})

	if attempt > s.cfg.MaxRestarts {
		s.state.Store(int32(StateFailed))
		s.log.Error("engine restart attempts exhausted; manual restart required")
		s.emit(Event{Type: EventFailed, Err: ErrRestartsExhausted, Attempt: attempt})
		return
	}

	delay := CalculateBackoff(attempt, s.cfg.InitialBackoff, s.cfg.MaxBackoff)
	s.state.Store(int32(StateRestarting))
	s.emit(Event{Type: EventRestarting, Attempt: attempt, NextRetry: delay})

	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return
	}
	s.restartTimer = time.AfterFunc(delay, s.autoRestart)
	s.mu.Unlock()
}

// autoRestart is the deferred crash-recovery attempt.
func (s *Supervisor) autoRestart() {
	if s.shuttingDown.Load() {
		return
	}
	// A manual restart in flight owns recovery; stand down.
	if s.restarting.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout+time.Second)
	defer cancel()

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return
	}
	err := s.spawnLocked(ctx)
	s.mu.Unlock()

	if err == nil {
		err = s.awaitReady(ctx)
		if err != nil {
			s.mu.Lock()
			s.teardownLocked()
			s.mu.Unlock()
		}
	}

	if err != nil {
		s.handleExit(err)
		return
	}

	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		s.handleExit(ErrEngineCrashed)
		return
	}
	attempt := s.attempts
	s.attempts = 0
	s.mu.Unlock()
	s.state.Store(int32(StateRunning))
	s.log.Info("engine recovered after %d attempt(s)", attempt)
	s.emit(Event{Type: EventRecovered, Attempt: attempt})

	if s.onStarted != nil {
		s.onStarted()
	}
}

// Restart tears the engine down and brings a fresh one up. It serializes
// against both itself and the automatic crash recovery: a second caller
// gets ErrRestartInFlight instead of a doubled spawn.
func (s *Supervisor) Restart(ctx context.Context) error {
	if s.shuttingDown.Load() {
		return ErrShutdown
	}
	if !s.restarting.CompareAndSwap(false, true) {
		return ErrRestartInFlight
	}
	defer s.restarting.Store(false)

	s.mu.Lock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.teardownLocked()
	s.attempts = 0
	s.mu.Unlock()

	s.broker.CancelAll(ErrEngineCrashed)
	s.state.Store(int32(StateRestarting))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RestartDelay):
	}

	s.mu.Lock()
	// Cleanup may have run during the delay; spawning now would leak a
	// process past shutdown.
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return ErrShutdown
	}
	if err := s.spawnLocked(ctx); err != nil {
		s.mu.Unlock()
		s.state.Store(int32(StateFailed))
		return err
	}
	s.mu.Unlock()

	if err := s.awaitReady(ctx); err != nil {
		s.mu.Lock()
		s.teardownLocked()
		s.mu.Unlock()
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		s.state.Store(int32(StateFailed))
		return fmt.Errorf("engine readiness: %w", err)
	}

	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		s.state.Store(int32(StateFailed))
		return ErrEngineCrashed
	}
	s.mu.Unlock()

	s.state.Store(int32(StateRunning))
	s.emit(Event{Type: EventRecovered})

	if s.onStarted != nil {
		s.onStarted()
	}

	return nil
}

// Cleanup shuts the supervisor down: kills the engine, clears the handle,
// and rejects everything pending. Idempotent; safe with nothing running.
func (s *Supervisor) Cleanup() {
	if s.shuttingDown.Swap(true) {
		return
	}

	s.mu.Lock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.teardownLocked()
	s.mu.Unlock()

	s.state.Store(int32(StateStopped))
	s.broker.CancelAll(ErrShutdown)

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.evClosed.Store(true)
		close(s.eventCh)
		s.mu.Unlock()
	})

	s.log.Info("supervisor stopped")
}

// teardownLocked kills the current process, closes its pipes, and detaches
// the broker. Must hold mu. Safe when nothing is running.
func (s *Supervisor) teardownLocked() {
	s.broker.Detach()

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.stdout != nil {
		s.stdout.Close()
		s.stdout = nil
	}
	if s.stderr != nil {
		s.stderr.Close()
		s.stderr = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.gen++
}

// dropProcessLocked clears the handle after an observed exit without
// killing (the process is already gone). Must hold mu.
func (s *Supervisor) dropProcessLocked() {
	s.broker.Detach()

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.stdout != nil {
		s.stdout.Close()
		s.stdout = nil
	}
	if s.stderr != nil {
		s.stderr.Close()
		s.stderr = nil
	}
	s.cmd = nil
	s.gen++
}

// emit sends an event without blocking; events are dropped when the
// channel is full. The send and the close in Cleanup are both under mu,
// so emit can never hit a closing channel.
func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evClosed.Load() {
		return
	}
	select {
	case s.eventCh <- ev:
	default:
	}
}

// Events returns the supervision event stream. Closed by Cleanup.
func (s *Supervisor) Events() <-chan Event {
	return s.eventCh
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Attempts returns the crash-restart count since the last successful start.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Stats is a point-in-time supervision snapshot.
type Stats struct {
	State    State
	Attempts int
	PID      int
	Uptime   time.Duration
}

// Stats returns current supervision statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		State:    State(s.state.Load()),
		Attempts: s.attempts,
		PID:      -1,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.spawned)
	}
	return st
}

// CalculateBackoff returns the delay before the nth restart attempt:
// initial * 2^(n-1), capped at max.
func CalculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(2, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
