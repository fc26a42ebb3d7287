// Package engine manages the connection to the external completion engine.
//
// The engine is an opaque binary that reads length-prefixed JSON requests
// on stdin and writes length-prefixed JSON responses on stdout, matched by
// an opaque correlation id. This package owns everything on the client side
// of that pipe:
//
//   - Encode/Decoder: the wire framing (wire.go)
//   - Broker: correlation-id assignment, pending-request tracking, timeout
//     and stale-id bookkeeping (broker.go)
//   - Supervisor: spawning the engine, pumping its stdio, restarting it
//     with exponential backoff on crash (supervisor.go)
//   - RespawnPolicy: proactive restart after enough successful requests or
//     enough elapsed time, bounding the engine's long-run memory growth
//     (respawn.go)
//   - Client: the caller-facing API and single-flight initialization gate
//     (client.go)
//
// # Quick Start
//
//	cfg := engine.DefaultClientConfig()
//	cfg.Supervisor.Command = "wordserve"
//	cfg.Supervisor.DataDir = "/usr/share/wordserve"
//
//	client := engine.NewClient(cfg)
//	ok, err := client.Initialize(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Cleanup()
//
//	words := client.GetSuggestions(ctx, "hel", 5)
//
// GetSuggestions never fails: any internal error degrades to an empty
// result so the editor integration keeps working while the supervisor
// recovers the engine in the background.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. The pending-request
// table and the used-id set are owned by the Broker behind a single mutex;
// the process handle is owned by the Supervisor behind its own mutex.
// Responses are delivered to callers over per-request channels.
package engine
