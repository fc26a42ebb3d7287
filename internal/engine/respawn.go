package engine

import (
	"sync"
	"time"

	"github.com/dshills/wordstorm/internal/logging"
)

// RespawnConfig tunes the proactive respawn policy.
type RespawnConfig struct {
	// Enabled turns the policy on. When false, OnSuccessfulRequest is a
	// no-op.
	Enabled bool

	// RequestThreshold is the successful-request count that triggers a
	// respawn. Default: 1000.
	RequestThreshold int

	// TimeThreshold is the elapsed time since the last respawn that
	// triggers one regardless of volume. Default: 30 minutes.
	TimeThreshold time.Duration
}

// DefaultRespawnConfig returns the default respawn policy configuration.
func DefaultRespawnConfig() RespawnConfig {
	return RespawnConfig{
		Enabled:          true,
		RequestThreshold: 1000,
		TimeThreshold:    30 * time.Minute,
	}
}

// RespawnPolicy restarts the engine proactively, before it accumulates
// unbounded internal state over a long session. It watches successful
// request volume and elapsed time; either threshold triggers the injected
// respawn callback.
type RespawnPolicy struct {
	mu           sync.Mutex
	cfg          RespawnConfig
	requestCount int
	lastRespawn  time.Time
	inFlight     bool

	respawn func() error
	log     *logging.Logger
}

// NewRespawnPolicy creates a policy that calls respawn when a threshold
// trips.
func NewRespawnPolicy(cfg RespawnConfig, respawn func() error, log *logging.Logger) *RespawnPolicy {
	def := DefaultRespawnConfig()
	if cfg.RequestThreshold <= 0 {
		cfg.RequestThreshold = def.RequestThreshold
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = def.TimeThreshold
	}
	if log == nil {
		log = logging.Null()
	}

	return &RespawnPolicy{
		cfg:         cfg,
		lastRespawn: time.Now(),
		respawn:     respawn,
		log:         log.WithComponent("respawn"),
	}
}

// OnSuccessfulRequest records one successful request and triggers the
// respawn callback when either threshold is reached. On callback success
// the counters reset to {0, now}; on failure they are left untouched and
// the failure is logged, so a later successful request re-evaluates the
// trigger. Requests completing while a respawn is in flight are still
// counted; only the trigger is suppressed.
func (p *RespawnPolicy) OnSuccessfulRequest() {
	p.mu.Lock()
	if !p.cfg.Enabled {
		p.mu.Unlock()
		return
	}

	p.requestCount++
	if p.respawn == nil || p.inFlight {
		p.mu.Unlock()
		return
	}

	trip := p.requestCount >= p.cfg.RequestThreshold ||
		time.Since(p.lastRespawn) >= p.cfg.TimeThreshold
	if !trip {
		p.mu.Unlock()
		return
	}

	p.inFlight = true
	count := p.requestCount
	p.mu.Unlock()

	p.log.Info("proactive respawn after %d requests", count)
	err := p.respawn()

	p.mu.Lock()
	p.inFlight = false
	if err != nil {
		p.log.Warn("proactive respawn failed: %v", err)
	} else {
		p.requestCount = 0
		p.lastRespawn = time.Now()
	}
	p.mu.Unlock()
}

// Reset clears the counters to {0, now}. The supervisor calls this after
// every successful start so a fresh engine gets a full budget.
func (p *RespawnPolicy) Reset() {
	p.mu.Lock()
	p.requestCount = 0
	p.lastRespawn = time.Now()
	p.mu.Unlock()
}

// RequestCount returns the successful requests counted since the last
// respawn.
func (p *RespawnPolicy) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestCount
}

// Enabled reports whether the policy is active.
func (p *RespawnPolicy) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Enabled
}
