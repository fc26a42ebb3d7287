package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/wordstorm/internal/logging"
)

// initTimeout bounds the detached initialize flight: install check plus
// spawn plus readiness probe.
const initTimeout = 30 * time.Second

// Status represents the client's lifecycle state.
type Status int

const (
	// StatusUninitialized means Initialize has not run yet.
	StatusUninitialized Status = iota
	// StatusInitializing means the spawn sequence is in flight.
	StatusInitializing
	// StatusReady means the engine is up and answering.
	StatusReady
	// StatusRecovering means the engine died or stalled and a restart is
	// underway.
	StatusRecovering
	// StatusFailed means recovery gave up; a manual Restart is required.
	StatusFailed
	// StatusShuttingDown means Cleanup is running.
	StatusShuttingDown
	// StatusTerminated means the client is done for good.
	StatusTerminated
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusRecovering:
		return "recovering"
	case StatusFailed:
		return "failed"
	case StatusShuttingDown:
		return "shutting down"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// InstallResult is the installer collaborator's answer.
type InstallResult struct {
	Success bool
	Err     string
}

// Installer verifies (or obtains) the engine binary before the first
// spawn. The client consults it exactly once and performs no network or
// archive work itself.
type Installer interface {
	EnsureInstalled(ctx context.Context) InstallResult
}

// LookPathInstaller is the default Installer: a PATH existence check.
type LookPathInstaller struct {
	Command string
}

// EnsureInstalled reports whether the engine binary resolves on PATH.
func (i LookPathInstaller) EnsureInstalled(ctx context.Context) InstallResult {
	if _, err := exec.LookPath(i.Command); err != nil {
		return InstallResult{Err: err.Error()}
	}
	return InstallResult{Success: true}
}

// ClientConfig configures the engine client.
type ClientConfig struct {
	Supervisor SupervisorConfig
	Broker     BrokerConfig
	Respawn    RespawnConfig

	// LookupTimeout bounds completion lookups. Default: 1.5s.
	LookupTimeout time.Duration

	// ControlTimeout bounds control/config requests. Default: 5s.
	ControlTimeout time.Duration

	// Installer verifies the engine binary. Defaults to a PATH check for
	// Supervisor.Command.
	Installer Installer

	// Classifier receives engine stderr lines. Defaults to debug logging.
	Classifier LineClassifier

	// Logger is the parent logger; components derive tagged sub-loggers
	// from it. Defaults to a silent logger.
	Logger *logging.Logger
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Supervisor:     DefaultSupervisorConfig(),
		Broker:         DefaultBrokerConfig(),
		Respawn:        DefaultRespawnConfig(),
		LookupTimeout:  DefaultLookupTimeout,
		ControlTimeout: DefaultControlTimeout,
	}
}

// Client is the caller-facing API over the engine connection. The editor
// integration makes exactly two kinds of calls into it: suggestion lookups
// on the keystroke path, and narrow control calls from settings UI.
type Client struct {
	cfg     ClientConfig
	log     *logging.Logger
	broker  *Broker
	super   *Supervisor
	respawn *RespawnPolicy

	status     atomic.Int32
	installed  atomic.Bool
	recovering atomic.Bool
	terminated atomic.Bool

	// flight single-flights Initialize: concurrent callers share one
	// spawn sequence, and the in-flight slot always clears afterward, so
	// a failed initialize never wedges the next attempt.
	flight singleflight.Group
}

// NewClient wires up a client from config. Nothing starts until
// Initialize.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = def.ControlTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Null()
	}
	if cfg.Installer == nil {
		cfg.Installer = LookPathInstaller{Command: cfg.Supervisor.Command}
	}

	c := &Client{
		cfg: cfg,
		log: cfg.Logger.WithComponent("client"),
	}

	c.broker = NewBroker(cfg.Broker, cfg.Logger)
	c.super = NewSupervisor(cfg.Supervisor, c.broker, cfg.Logger)
	if cfg.Classifier != nil {
		c.super.SetLineClassifier(cfg.Classifier)
	}
	c.respawn = NewRespawnPolicy(cfg.Respawn, c.respawnRestart, cfg.Logger)
	c.super.SetOnStarted(c.respawn.Reset)

	c.status.Store(int32(StatusUninitialized))

	go c.watchEvents()

	return c
}

// Initialize starts the engine if it is not already running. Concurrent
// callers share a single spawn sequence; a ready client returns true
// immediately. Returns whether the engine is ready.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	if c.terminated.Load() {
		return false, ErrShutdown
	}
	if c.Status() == StatusReady && c.super.State() == StateRunning {
		return true, nil
	}

	// The spawn runs on a detached context: the flight is shared by every
	// queued caller, so it must not die with whichever caller happened to
	// arrive first. A cancelled caller unblocks below while the spawn
	// carries on for the others.
	ch := c.flight.DoChan("initialize", func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()

		// Re-check under the flight: a caller that queued behind a
		// successful initialize should not spawn a second engine.
		if c.Status() == StatusReady && c.super.State() == StateRunning {
			return true, nil
		}

		if !c.installed.Load() {
			res := c.cfg.Installer.EnsureInstalled(flightCtx)
			if !res.Success {
				return false, fmt.Errorf("%w: %s", ErrInstallFailed, res.Err)
			}
			c.installed.Store(true)
		}

		c.status.Store(int32(StatusInitializing))

		if err := c.super.Start(flightCtx); err != nil {
			c.status.Store(int32(StatusUninitialized))
			return false, err
		}

		c.status.Store(int32(StatusReady))
		return true, nil
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		ready, _ := res.Val.(bool)
		return ready, res.Err
	}
}

// GetSuggestions returns ranked completions for prefix, at most limit of
// them. It never fails: any internal error degrades to an empty result so
// the keystroke path cannot crash the host. A lookup timeout additionally
// kicks off an opportunistic background restart.
func (c *Client) GetSuggestions(ctx context.Context, prefix string, limit int) []Suggestion {
	if limit <= 0 {
		limit = 10
	}

	body, err := c.broker.Send(ctx, completeRequest{Prefix: prefix, Limit: limit}, c.cfg.LookupTimeout)
	if err != nil {
		c.log.Debug("lookup %q failed: %v", prefix, err)
		if errors.Is(err, ErrTimeout) {
			go c.opportunisticRestart()
		}
		return nil
	}

	var resp completeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.Warn("malformed completion response: %v", err)
		return nil
	}

	go c.respawn.OnSuccessfulRequest()

	return resp.Suggestions
}

// SetDictionarySize asks the engine to load a dictionary of n words.
func (c *Client) SetDictionarySize(ctx context.Context, n int) error {
	_, err := c.control(ctx, controlRequest{
		Action: ActionDictResize,
		Params: map[string]any{"size": n},
	})
	return err
}

// DictionaryInfo fetches statistics about the engine's loaded dictionary.
func (c *Client) DictionaryInfo(ctx context.Context) (*DictionaryInfo, error) {
	resp, err := c.control(ctx, controlRequest{Action: ActionDictInfo})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("%s: %w", ActionDictInfo, &EngineError{
			Action:  ActionDictInfo,
			Message: "response missing dictionary info",
		})
	}
	return resp.Info, nil
}

// control runs one control request and validates the structured status.
// Unlike the suggestion path, control failures propagate so the settings
// UI can tell the user what happened.
func (c *Client) control(ctx context.Context, req controlRequest) (*controlResponse, error) {
	body, err := c.broker.Send(ctx, req, c.cfg.ControlTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}

	var resp controlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", req.Action, err)
	}
	if resp.Status != controlStatusOK {
		return nil, &EngineError{Action: req.Action, Message: "status " + resp.Status}
	}
	return &resp, nil
}

// Restart tears the engine down and starts a fresh one. Returns whether
// the new engine became ready. A manual restart also resets the automatic
// restart budget.
func (c *Client) Restart(ctx context.Context) bool {
	if c.terminated.Load() {
		return false
	}

	c.status.Store(int32(StatusRecovering))
	if err := c.super.Restart(ctx); err != nil {
		c.log.Error("restart failed: %v", err)
		c.status.Store(int32(StatusFailed))
		return false
	}

	c.status.Store(int32(StatusReady))
	return true
}

// Cleanup shuts everything down. Idempotent: calling it twice, or with
// nothing running, is harmless and leaves the pending table empty.
func (c *Client) Cleanup() {
	if c.terminated.Swap(true) {
		return
	}

	c.status.Store(int32(StatusShuttingDown))
	c.super.Cleanup()
	c.broker.Close()
	c.status.Store(int32(StatusTerminated))
}

// Status returns the client's lifecycle state.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// BrokerStats returns pending/used id counts for diagnostics.
func (c *Client) BrokerStats() (pending, used int) {
	return c.broker.PendingCount(), c.broker.UsedCount()
}

// SupervisorStats returns a supervision snapshot for diagnostics.
func (c *Client) SupervisorStats() Stats {
	return c.super.Stats()
}

// SetLogLevel adjusts the shared logger's level at runtime. Used by the
// config reload path.
func (c *Client) SetLogLevel(level logging.Level) {
	c.cfg.Logger.SetLevel(level)
}

// respawnRestart is the respawn policy's callback.
func (c *Client) respawnRestart() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.super.Restart(ctx); err != nil {
		return err
	}
	c.status.Store(int32(StatusReady))
	return nil
}

// opportunisticRestart fires after a lookup timeout: the engine may be
// hung, so try a restart in the background. Failures are logged, never
// surfaced to the caller whose lookup already came back empty.
func (c *Client) opportunisticRestart() {
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}
	defer c.recovering.Store(false)

	if c.terminated.Load() {
		return
	}

	c.log.Warn("lookup timed out; attempting engine restart")
	c.status.Store(int32(StatusRecovering))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.super.Restart(ctx); err != nil {
		c.log.Warn("opportunistic restart failed: %v", err)
		if errors.Is(err, ErrRestartInFlight) {
			return
		}
		c.status.Store(int32(StatusFailed))
		return
	}
	c.status.Store(int32(StatusReady))
}

// watchEvents mirrors supervisor events into the client status so the UI
// can poll one place.
func (c *Client) watchEvents() {
	for ev := range c.super.Events() {
		if c.terminated.Load() {
			continue
		}
		switch ev.Type {
		case EventCrash, EventRestarting:
			c.status.Store(int32(StatusRecovering))
		case EventRecovered:
			c.status.Store(int32(StatusReady))
		case EventFailed:
			c.status.Store(int32(StatusFailed))
		}
	}
}
