package engine

import "time"

// Default per-kind request timeouts. Lookups sit on the keystroke path and
// must fail fast; control operations are rare and may involve engine-side
// disk I/O.
const (
	// DefaultLookupTimeout bounds latency-sensitive completion lookups.
	DefaultLookupTimeout = 1500 * time.Millisecond

	// DefaultControlTimeout bounds control/config requests.
	DefaultControlTimeout = 5 * time.Second
)

// Control actions understood by the engine.
const (
	// ActionPing is a no-op round trip, used as the readiness probe.
	ActionPing = "ping"

	// ActionDictResize asks the engine to load a different dictionary size.
	ActionDictResize = "dict/resize"

	// ActionDictInfo asks the engine for dictionary statistics.
	ActionDictInfo = "dict/info"
)

// completeRequest is the wire shape of a completion lookup. The broker
// injects the correlation id; callers never set it.
type completeRequest struct {
	ID     string `json:"id,omitempty"`
	Prefix string `json:"p"`
	Limit  int    `json:"l"`
}

// controlRequest is the wire shape of a control operation.
type controlRequest struct {
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Suggestion is one ranked completion candidate.
type Suggestion struct {
	Word string  `json:"word"`
	Rank float64 `json:"rank"`
}

// completeResponse is the engine's answer to a completion lookup.
type completeResponse struct {
	ID          string       `json:"id"`
	Suggestions []Suggestion `json:"suggestions"`
	Error       string       `json:"error,omitempty"`
}

// DictionaryInfo describes the engine's currently loaded dictionary.
type DictionaryInfo struct {
	Words     int    `json:"words"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
}

// controlResponse is the engine's answer to a control operation.
type controlResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Info   *DictionaryInfo `json:"info,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// controlStatusOK is the success status in a controlResponse.
const controlStatusOK = "ok"
