package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"pkt.systems/cqlwire/wire"
)

var (
	// ErrChannelBusy signals that every stream id on a channel is
	// outstanding. The caller picks another channel or fails over; a send
	// never blocks waiting for an id.
	ErrChannelBusy = errors.New("cqlwire: channel busy: all stream ids in flight")

	// ErrChannelClosed fails every request still pending when its channel
	// transitions to closed.
	ErrChannelClosed = errors.New("cqlwire: channel closed")

	// ErrPoolExhausted signals that a node pool currently has no ready
	// channel to borrow.
	ErrPoolExhausted = errors.New("cqlwire: no ready channel in pool")

	// ErrPoolClosed signals use of a pool after Close.
	ErrPoolClosed = errors.New("cqlwire: pool closed")

	// ErrSessionClosed signals use of a session after Close.
	ErrSessionClosed = errors.New("cqlwire: session closed")

	// ErrNoContactPoints rejects session construction without any node to
	// bootstrap from.
	ErrNoContactPoints = errors.New("cqlwire: no contact points")

	// ErrRequestTimeout is the terminal outcome of a logical request whose
	// wall-clock budget expired before any attempt completed.
	ErrRequestTimeout = errors.New("cqlwire: request timed out")
)

// InitCause classifies why a connection failed to initialize.
type InitCause int

const (
	// InitTransport covers dial failures and I/O errors mid-handshake.
	InitTransport InitCause = iota
	// InitProtocol covers malformed or unexpected handshake frames.
	InitProtocol
	// InitVersion means every supported protocol version was rejected.
	InitVersion
	// InitAuth covers authentication failures; never retried.
	InitAuth
	// InitTimeout means the peer went silent past the init deadline.
	InitTimeout
	// InitUnsupported means the server does not support a required STARTUP
	// option, such as the configured compression algorithm.
	InitUnsupported
)

func (c InitCause) String() string {
	switch c {
	case InitTransport:
		return "transport"
	case InitProtocol:
		return "protocol"
	case InitVersion:
		return "version"
	case InitAuth:
		return "auth"
	case InitTimeout:
		return "timeout"
	case InitUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// InitError is the classified failure of one connection initialization.
type InitError struct {
	Node  Node
	Cause InitCause
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("cqlwire: init %s failed (%s): %v", e.Node, e.Cause, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Fatal reports whether reconnecting cannot help (auth and version failures
// repeat deterministically).
func (e *InitError) Fatal() bool {
	return e.Cause == InitAuth || e.Cause == InitVersion || e.Cause == InitUnsupported
}

// NodeError pairs a node with the failure it produced during one logical
// request, preserving plan order inside PlanExhaustedError.
type NodeError struct {
	Node Node
	Err  error
}

func (e NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Node, e.Err)
}

// PlanExhaustedError is the terminal outcome of a logical request whose
// query plan ran out of candidates, one cause per node attempted.
type PlanExhaustedError struct {
	Errors []NodeError
}

func (e *PlanExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		return "cqlwire: query plan produced no candidates"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cqlwire: all %d plan candidates failed:", len(e.Errors))
	for _, ne := range e.Errors {
		fmt.Fprintf(&b, " [%s: %v]", ne.Node, ne.Err)
	}
	return b.String()
}

// ErrorKind buckets a failure for retry decisions. The buckets matter more
// than the concrete error: a policy only needs to know whether the server
// may have applied the request and whether another node could do better.
type ErrorKind int

const (
	// KindTransport covers connection refused/reset and mid-request I/O
	// failures. Whether the server applied the request is unknown.
	KindTransport ErrorKind = iota
	// KindNoChannel covers ErrChannelBusy/ErrPoolExhausted: the request was
	// never sent.
	KindNoChannel
	// KindUnavailable covers the server declining before applying anything.
	KindUnavailable
	// KindOverloaded covers overloaded and bootstrapping responses.
	KindOverloaded
	// KindReadTimeout covers server-side read timeouts.
	KindReadTimeout
	// KindWriteTimeout covers server-side write timeouts: the write may or
	// may not have been applied.
	KindWriteTimeout
	// KindServerFatal covers errors no retry can fix (syntax, auth, config).
	KindServerFatal
	// KindOther covers everything else; treated conservatively.
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNoChannel:
		return "no_channel"
	case KindUnavailable:
		return "unavailable"
	case KindOverloaded:
		return "overloaded"
	case KindReadTimeout:
		return "read_timeout"
	case KindWriteTimeout:
		return "write_timeout"
	case KindServerFatal:
		return "server_fatal"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// AmbiguousOutcome reports whether the server may have applied the request
// despite the failure. Non-idempotent requests must never be replayed on the
// same node for these kinds.
func (k ErrorKind) AmbiguousOutcome() bool {
	return k == KindTransport || k == KindWriteTimeout
}

// ClassifyError buckets err into an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrChannelBusy) || errors.Is(err, ErrPoolExhausted) {
		return KindNoChannel
	}
	var srv *wire.ServerError
	if errors.As(err, &srv) {
		switch srv.Code {
		case wire.ErrCodeUnavailable:
			return KindUnavailable
		case wire.ErrCodeOverloaded, wire.ErrCodeBootstrapping:
			return KindOverloaded
		case wire.ErrCodeReadTimeout:
			return KindReadTimeout
		case wire.ErrCodeWriteTimeout:
			return KindWriteTimeout
		}
		if srv.Fatal() {
			return KindServerFatal
		}
		return KindOther
	}
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindOther
}
