package cqlwire

import "time"

// AttemptInfo describes one send/receive cycle against one node.
type AttemptInfo struct {
	// RequestID is the logical request's correlation id.
	RequestID string
	Node      Node
	// Attempt is the 0-based attempt index within the logical request.
	Attempt int
	// Speculative marks attempts started by the speculative policy rather
	// than by a retry decision or the initial send.
	Speculative bool
	Start       time.Time
	// Duration and Err are only set on completion.
	Duration time.Duration
	Err      error
}

// RequestInfo describes the final outcome of one logical request.
type RequestInfo struct {
	RequestID string
	Attempts  int
	Duration  time.Duration
	Err       error
}

// RequestObserver receives per-attempt and per-request lifecycle hooks.
// Implementations must be safe for concurrent use and must not block: hooks
// run on the coordinator's execution path.
type RequestObserver interface {
	AttemptStarted(info AttemptInfo)
	AttemptCompleted(info AttemptInfo)
	RequestCompleted(info RequestInfo)
}

// NodeStateObserver receives edge-triggered availability transitions from
// node pools: NodeDown when a pool drops to zero ready channels, NodeUp when
// one becomes ready again.
type NodeStateObserver interface {
	NodeUp(node Node)
	NodeDown(node Node)
}

// ChannelObserver receives channel lifecycle hooks per node.
type ChannelObserver interface {
	ChannelOpened(node Node)
	ChannelClosed(node Node)
}

type nopObserver struct{}

// NopObserver implements every observer interface with no-ops.
func NopObserver() interface {
	RequestObserver
	NodeStateObserver
	ChannelObserver
} {
	return nopObserver{}
}

func (nopObserver) AttemptStarted(AttemptInfo)   {}
func (nopObserver) AttemptCompleted(AttemptInfo) {}
func (nopObserver) RequestCompleted(RequestInfo) {}
func (nopObserver) NodeUp(Node)                  {}
func (nopObserver) NodeDown(Node)                {}
func (nopObserver) ChannelOpened(Node)           {}
func (nopObserver) ChannelClosed(Node)           {}
