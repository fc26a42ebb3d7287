package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/wordstorm/internal/logging"
)

// BrokerConfig tunes the request broker.
type BrokerConfig struct {
	// StaleAge is how old a pending id may grow before the stale sweep
	// evicts it. Default: 5 minutes.
	StaleAge time.Duration

	// GracePeriod is how long a terminated id stays reserved so a
	// straggler response for it is recognized and dropped quietly rather
	// than colliding with a fresh request. Default: 30 seconds.
	GracePeriod time.Duration

	// SizeThreshold is the live-id count above which a sweep runs inline
	// on the next send, independent of the ticker. Default: 256.
	SizeThreshold int

	// SweepInterval is how often the background stale sweep runs.
	// Default: 1 minute.
	SweepInterval time.Duration

	// IDRetries bounds correlation-id regeneration on collision with an
	// outstanding id. UUIDs make collisions unreachable in practice; the
	// bound exists so a broken generator fails loudly instead of looping.
	// Default: 3.
	IDRetries int
}

// DefaultBrokerConfig returns the default broker configuration.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		StaleAge:      5 * time.Minute,
		GracePeriod:   30 * time.Second,
		SizeThreshold: 256,
		SweepInterval: time.Minute,
		IDRetries:     3,
	}
}

// brokerResult carries a settled request outcome to its waiting caller.
type brokerResult struct {
	body json.RawMessage
	err  error
}

// pendingRequest tracks one in-flight request.
//
// Every pendingRequest is settled exactly once: by a matching response, by
// its timeout timer, by the stale sweep, or by CancelAll. Settling removes
// it from the pending table under the broker mutex, so the resolution
// paths cannot race each other.
type pendingRequest struct {
	id        string
	resultCh  chan brokerResult // buffered, capacity 1
	timer     *time.Timer
	createdAt time.Time
}

// Broker correlates concurrent requests with the engine's asynchronous,
// possibly out-of-order responses.
//
// Critical sections: mu guards pending, used, and writer. Lock hold times
// are map operations only; encoding, pipe writes, and caller waits all
// happen outside the lock.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	used    map[string]time.Time // zero value: still pending; else termination time
	writer  io.Writer            // engine stdin; nil while no process is attached

	cfg BrokerConfig
	log *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewBroker creates a broker and starts its background stale sweep.
func NewBroker(cfg BrokerConfig, log *logging.Logger) *Broker {
	def := DefaultBrokerConfig()
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = def.StaleAge
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = def.SizeThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.IDRetries <= 0 {
		cfg.IDRetries = def.IDRetries
	}
	if log == nil {
		log = logging.Null()
	}

	b := &Broker{
		pending: make(map[string]*pendingRequest),
		used:    make(map[string]time.Time),
		cfg:     cfg,
		log:     log.WithComponent("broker"),
		done:    make(chan struct{}),
	}

	go b.sweepLoop()

	return b
}

// Attach hands the broker the engine's stdin. Until Attach, and after
// Detach, Send fails fast with ErrNotRunning.
func (b *Broker) Attach(w io.Writer) {
	b.mu.Lock()
	b.writer = w
	b.mu.Unlock()
}

// Detach drops the engine stdin reference.
func (b *Broker) Detach() {
	b.mu.Lock()
	b.writer = nil
	b.mu.Unlock()
}

// Running reports whether an engine stdin is attached.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writer != nil
}

// Send encodes req, injects a fresh correlation id, writes the frame to
// the engine, and blocks until the matching response arrives, the timeout
// fires, or ctx is cancelled.
//
// There is no implicit restart here: with no live process Send fails
// immediately with ErrNotRunning and recovery is the caller's problem.
func (b *Broker) Send(ctx context.Context, req any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	b.mu.Lock()
	writer := b.writer
	if writer == nil {
		b.mu.Unlock()
		return nil, ErrNotRunning
	}

	id, err := b.nextIDLocked()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	p := &pendingRequest{
		id:        id,
		resultCh:  make(chan brokerResult, 1),
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(timeout, func() {
		b.settle(id, nil, ErrTimeout)
	})
	b.pending[id] = p
	b.used[id] = time.Time{}
	overThreshold := len(b.used) > b.cfg.SizeThreshold
	b.mu.Unlock()

	if overThreshold {
		b.CleanupStale()
	}

	body, err = sjson.SetBytes(body, "id", id)
	if err != nil {
		b.discard(id)
		return nil, fmt.Errorf("inject correlation id: %w", err)
	}

	frame, err := EncodeFrame(body)
	if err != nil {
		b.discard(id)
		return nil, err
	}

	if _, err := writer.Write(frame); err != nil {
		b.discard(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		b.settle(id, nil, ctx.Err())
		res := <-p.resultCh
		return res.body, res.err
	case res := <-p.resultCh:
		return res.body, res.err
	}
}

// nextIDLocked generates a correlation id not colliding with any id in the
// used set. Must hold mu.
func (b *Broker) nextIDLocked() (string, error) {
	for i := 0; i < b.cfg.IDRetries; i++ {
		id := uuid.NewString()
		if _, taken := b.used[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// OnMessage routes one decoded response body to its waiting caller.
//
// Bodies without a string id are unroutable and dropped with a warning.
// Bodies whose id matches nothing pending (already timed out, or a stray)
// are logged and dropped; that is not an error for the system.
func (b *Broker) OnMessage(body []byte) {
	idv := gjson.GetBytes(body, "id")
	if idv.Type != gjson.String || idv.Str == "" {
		b.log.Warn("dropping unroutable message (%d bytes, no id)", len(body))
		return
	}
	id := idv.Str

	var err error
	if errv := gjson.GetBytes(body, "error"); errv.Exists() && errv.String() != "" {
		err = &EngineError{Message: errv.String()}
	}

	if !b.settle(id, body, err) {
		b.log.Debug("dropping response for unknown id %s (timed out or stray)", id)
	}
}

// settle terminates the pending request for id with the given outcome.
// Returns false if nothing was pending under that id. When body and err
// are both set, err wins: the caller sees the engine's embedded error.
func (b *Broker) settle(id string, body json.RawMessage, err error) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		b.used[id] = time.Now()
		p.timer.Stop()
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	if err != nil {
		p.resultCh <- brokerResult{err: err}
	} else {
		p.resultCh <- brokerResult{body: body}
	}
	return true
}

// discard tears down a pending request whose frame never reached the
// engine. The id goes straight back to the pool: no response can be in
// flight for it, so no grace period applies.
func (b *Broker) discard(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		delete(b.used, id)
		p.timer.Stop()
	}
	b.mu.Unlock()
}

// CleanupStale evicts ids older than the configured limits: pending
// requests past StaleAge are rejected with ErrRequestAgedOut, and
// terminated ids past GracePeriod leave the used set. This bounds table
// growth over long sessions.
func (b *Broker) CleanupStale() {
	now := time.Now()

	b.mu.Lock()
	var aged []string
	for id, p := range b.pending {
		if now.Sub(p.createdAt) > b.cfg.StaleAge {
			aged = append(aged, id)
		}
	}
	for id, terminated := range b.used {
		if !terminated.IsZero() && now.Sub(terminated) > b.cfg.GracePeriod {
			delete(b.used, id)
		}
	}
	b.mu.Unlock()

	for _, id := range aged {
		if b.settle(id, nil, ErrRequestAgedOut) {
			b.log.Warn("evicted stale pending request %s", id)
		}
	}
}

// CancelAll rejects every outstanding request with reason and clears both
// the pending table and the used-id set. Calling it with nothing pending
// is a no-op.
func (b *Broker) CancelAll(reason error) {
	b.mu.Lock()
	cancelled := make([]*pendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		p.timer.Stop()
		cancelled = append(cancelled, p)
	}
	b.pending = make(map[string]*pendingRequest)
	b.used = make(map[string]time.Time)
	b.mu.Unlock()

	for _, p := range cancelled {
		p.resultCh <- brokerResult{err: reason}
	}

	if len(cancelled) > 0 {
		b.log.Debug("cancelled %d pending requests: %v", len(cancelled), reason)
	}
}

// PendingCount returns the number of in-flight requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// UsedCount returns the size of the used-id set, pending ids included.
func (b *Broker) UsedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.used)
}

// Close stops the background sweep and rejects anything still pending.
// Safe to call more than once.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.CancelAll(ErrShutdown)
}

// sweepLoop runs CleanupStale on the configured interval until Close.
func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.CleanupStale()
		}
	}
}
