package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T, cfg SupervisorConfig) (*Supervisor, *Broker) {
	t.Helper()
	b := NewBroker(BrokerConfig{}, nil)
	s := NewSupervisor(cfg, b, nil)
	t.Cleanup(func() {
		s.Cleanup()
		b.Close()
	})
	return s, b
}

// waitEvent drains the event stream until an event of the wanted type
// arrives.
func waitEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", want)
		}
	}
}

func waitState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func lookup(t *testing.T, b *Broker, prefix string, limit int) []Suggestion {
	t.Helper()
	body, err := b.Send(context.Background(), completeRequest{Prefix: prefix, Limit: limit}, 2*time.Second)
	if err != nil {
		t.Fatalf("lookup %q: %v", prefix, err)
	}
	var resp completeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal lookup response: %v", err)
	}
	return resp.Suggestions
}

func TestSupervisor_StartReadyAndLookup(t *testing.T) {
	s, b := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %v after Start, want running", s.State())
	}

	st := s.Stats()
	if st.PID <= 0 {
		t.Errorf("Stats().PID = %d, want a live pid", st.PID)
	}
	if st.Attempts != 0 {
		t.Errorf("Stats().Attempts = %d, want 0", st.Attempts)
	}

	sugg := lookup(t, b, "wor", 3)
	if len(sugg) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(sugg))
	}
	for i, sg := range sugg {
		if !strings.HasPrefix(sg.Word, "wor") {
			t.Errorf("suggestion %d = %q, want prefix %q", i, sg.Word, "wor")
		}
		if i > 0 && sg.Rank < sugg[i-1].Rank {
			t.Errorf("rank order broken at %d: %v", i, sugg)
		}
	}
}

func TestSupervisor_StartTwice(t *testing.T) {
	s, _ := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
}

func TestSupervisor_StartCommandNotFound(t *testing.T) {
	cfg := helperConfig(nil)
	cfg.Command = filepath.Join(t.TempDir(), "no-such-engine")
	s, _ := newTestSupervisor(t, cfg)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded with a missing binary")
	}
	if s.State() == StateRunning {
		t.Errorf("state = running after failed start")
	}
}

func TestSupervisor_StderrClassifier(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	s, _ := newTestSupervisor(t, helperConfig(nil))
	s.SetLineClassifier(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 {
		t.Fatal("classifier saw no stderr lines")
	}
	if !strings.Contains(lines[0], "dictionary loaded") {
		t.Errorf("first stderr line = %q", lines[0])
	}
}

func TestSupervisor_CrashAutoRecovers(t *testing.T) {
	s, b := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := s.Stats().PID

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill engine: %v", err)
	}

	waitEvent(t, s.Events(), EventCrash, 5*time.Second)
	ev := waitEvent(t, s.Events(), EventRecovered, 5*time.Second)
	if ev.Attempt < 1 {
		t.Errorf("recovered event attempt = %d, want >= 1", ev.Attempt)
	}

	waitState(t, s, StateRunning, 2*time.Second)
	if got := s.Stats().PID; got == pid {
		t.Errorf("pid unchanged after recovery (%d)", got)
	}
	if got := s.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d after recovery, want 0", got)
	}

	if sugg := lookup(t, b, "re", 2); len(sugg) != 2 {
		t.Errorf("got %d suggestions after recovery, want 2", len(sugg))
	}
}

func TestSupervisor_CrashRejectsPending(t *testing.T) {
	s, b := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := s.Stats().PID

	// The helper answers "slow" lookups after a delay; kill it while the
	// request is outstanding.
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), completeRequest{Prefix: "slow", Limit: 1}, 5*time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill engine: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEngineCrashed) {
			t.Fatalf("pending request error = %v, want ErrEngineCrashed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not rejected after crash")
	}
}

func TestSupervisor_RestartsExhausted(t *testing.T) {
	failFile := filepath.Join(t.TempDir(), "fail")
	cfg := helperConfig(map[string]string{helperFailFileEnv: failFile})
	cfg.MaxRestarts = 2
	cfg.ReadyTimeout = 500 * time.Millisecond
	s, b := newTestSupervisor(t, cfg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := s.Stats().PID

	// With the fail file in place every respawned engine exits at boot.
	if err := os.WriteFile(failFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill engine: %v", err)
	}

	ev := waitEvent(t, s.Events(), EventFailed, 15*time.Second)
	if !errors.Is(ev.Err, ErrRestartsExhausted) {
		t.Errorf("failed event err = %v, want ErrRestartsExhausted", ev.Err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}

	// No further automatic attempts: requests keep failing fast.
	if _, err := b.Send(context.Background(), completeRequest{Prefix: "x"}, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send() in failed state = %v, want ErrNotRunning", err)
	}

	// A manual restart resumes service once the engine boots again.
	if err := os.Remove(failFile); err != nil {
		t.Fatal(err)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("manual Restart() error = %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %v after manual restart, want running", s.State())
	}
	if sugg := lookup(t, b, "ok", 1); len(sugg) != 1 {
		t.Errorf("got %d suggestions after manual restart", len(sugg))
	}
}

func TestSupervisor_BackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{8, 60 * time.Second},
	}
	for _, tt := range tests {
		got := CalculateBackoff(tt.attempt, time.Second, 60*time.Second)
		if got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSupervisor_ManualRestartChangesPID(t *testing.T) {
	s, b := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := s.Stats().PID

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got := s.Stats().PID; got == pid || got <= 0 {
		t.Errorf("pid after restart = %d, want a fresh process (was %d)", got, pid)
	}
	if sugg := lookup(t, b, "ab", 1); len(sugg) != 1 {
		t.Errorf("got %d suggestions after restart", len(sugg))
	}
}

func TestSupervisor_RestartWhileRestarting(t *testing.T) {
	s, _ := newTestSupervisor(t, helperConfig(nil))

	s.restarting.Store(true)
	err := s.Restart(context.Background())
	s.restarting.Store(false)

	if !errors.Is(err, ErrRestartInFlight) {
		t.Fatalf("Restart() = %v, want ErrRestartInFlight", err)
	}
}

func TestSupervisor_CleanupDuringRestart(t *testing.T) {
	// Pauses chosen to land Cleanup before the restart delay ends, during
	// the spawn, and during the readiness probe.
	for _, pause := range []time.Duration{0, 10 * time.Millisecond, 35 * time.Millisecond} {
		b := NewBroker(BrokerConfig{}, nil)
		s := NewSupervisor(helperConfig(nil), b, nil)

		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		done := make(chan error, 1)
		go func() {
			done <- s.Restart(context.Background())
		}()

		time.Sleep(pause)
		s.Cleanup()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Restart did not return after Cleanup")
		}

		// Whatever the interleaving, the supervisor must end up shut
		// down: no spawn survives, no send path reopens.
		if err := s.Start(context.Background()); !errors.Is(err, ErrShutdown) {
			t.Errorf("pause %v: Start() after Cleanup = %v, want ErrShutdown", pause, err)
		}
		if _, err := b.Send(context.Background(), completeRequest{Prefix: "x"}, time.Second); !errors.Is(err, ErrNotRunning) {
			t.Errorf("pause %v: Send() after Cleanup = %v, want ErrNotRunning", pause, err)
		}
		b.Close()
	}
}

func TestSupervisor_CleanupIdempotent(t *testing.T) {
	s, b := newTestSupervisor(t, helperConfig(nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Cleanup()
	s.Cleanup()

	if s.State() != StateStopped {
		t.Errorf("state = %v after Cleanup, want stopped", s.State())
	}
	if _, ok := <-s.Events(); ok {
		// Draining may yield buffered events; the channel must close.
		for range s.Events() {
		}
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start() after Cleanup = %v, want ErrShutdown", err)
	}
	if _, err := b.Send(context.Background(), completeRequest{Prefix: "x"}, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send() after Cleanup = %v, want ErrNotRunning", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateRestarting, "restarting"},
		{StateFailed, "failed"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EventCrash, "crash"},
		{EventRestarting, "restarting"},
		{EventRecovered, "recovered"},
		{EventFailed, "failed"},
		{EventType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
