// Package cqlwire implements the connection core of a clustered-database
// client driver: the binary wire protocol, the per-connection stream
// multiplexer, per-node connection pools with backoff reconnection, and a
// coordinator that executes logical requests across the cluster with query
// plans, retries and speculative execution. Statement building and row
// decoding are collaborators layered on top; this package moves frames.
//
// # Connecting
//
// A Session bootstraps from one or more contact points and discovers the
// rest of the topology through server push events:
//
//	s, err := cqlwire.NewSession(ctx, []string{"10.0.0.1:9042"},
//	    cqlwire.WithLogger(logger),
//	    cqlwire.WithCompressor(wire.LZ4Compressor{}),
//	    cqlwire.WithAuthenticator(auth),
//	)
//	if err != nil { log.Fatal(err) }
//	defer s.Close()
//
// Each pooled connection runs the full initialization handshake: optional
// compression verification against the server's advertised algorithms,
// protocol version negotiation with automatic downgrade, and SASL-style
// challenge/response authentication when the server demands it.
//
// # Executing requests
//
// Request bodies arrive already encoded; the coordinator picks nodes from
// the query plan, applies the retry policy on failure, and optionally races
// a second attempt for idempotent requests:
//
//	res, err := s.Execute(ctx, &cqlwire.Request{
//	    Body:       encoded,
//	    Idempotent: true,
//	    Speculative: cqlwire.ConstantSpeculativePolicy{Delay: 50 * time.Millisecond},
//	})
//
// Non-idempotent requests are never replayed after a failure whose outcome
// is ambiguous, regardless of what the retry policy asks for.
//
// # Multiplexing
//
// Every connection carries up to the configured number of concurrent
// requests, correlated by stream id. Responses complete out of order;
// cancelling a caller never frees its stream id until the server's answer
// (however late) actually arrives, so an id can never be reused against two
// different requests.
//
// # Events and telemetry
//
// One channel per session holds the event subscription; topology and status
// events keep the default round-robin plan current, and AddListener exposes
// the decoded events to callers. NewTelemetry provides a Prometheus-backed
// implementation of the observer hooks.
package cqlwire
