package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/internal/streamid"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// ChannelState is the lifecycle of one physical connection. Connecting and
// Initializing are owned by the pool slot establishing the channel; a
// constructed Channel starts at Ready and only moves forward.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelInitializing
	ChannelReady
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelInitializing:
		return "initializing"
	case ChannelReady:
		return "ready"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// response is delivered exactly once per pending request.
type response struct {
	frame wire.Frame
	err   error
}

// pendingRequest correlates one outstanding stream id to its waiter. It is
// owned exclusively by the channel that allocated the id and leaves the
// pending map exactly once: on response, on cancellation reap, or on close.
type pendingRequest struct {
	stream int16
	issued time.Time
	ch     chan response
	// orphaned marks a request whose caller stopped waiting. The stream id
	// stays reserved until the response (or close) arrives so the id cannot
	// be reused while the server may still answer on it.
	orphaned bool
}

// Channel multiplexes many concurrent requests over one ready connection.
// It owns stream id assignment, response correlation, and the out-of-band
// delivery path for server push events.
type Channel struct {
	id         string
	node       Node
	conn       net.Conn
	version    wire.ProtoVersion
	compressor wire.Compressor
	logger     pslog.Logger
	events     EventListener
	onClose    func(*Channel, error)

	ids *streamid.Allocator

	// writeMu serializes frame writes; never held together with mu.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   ChannelState
	pending map[int16]*pendingRequest

	closeOnce sync.Once
	done      chan struct{}
}

// newChannel wraps an initialized connection and starts its read loop.
// events may be nil when the channel should not dispatch server pushes.
func newChannel(conn net.Conn, node Node, version wire.ProtoVersion, compressor wire.Compressor,
	maxStreams int, logger pslog.Logger, events EventListener, onClose func(*Channel, error)) *Channel {
	c := &Channel{
		id:         xid.New().String(),
		node:       node,
		conn:       conn,
		version:    version,
		compressor: compressor,
		events:     events,
		onClose:    onClose,
		ids:        streamid.New(maxStreams),
		state:      ChannelReady,
		pending:    make(map[int16]*pendingRequest),
		done:       make(chan struct{}),
	}
	c.logger = logfields.WithSubsystem(logger, "channel").
		With(logfields.NodeKey, string(node)).
		With(logfields.ChannelKey, c.id)
	go c.readLoop()
	return c
}

// ID returns the channel's log identity.
func (c *Channel) ID() string {
	return c.id
}

// Node returns the cluster member this channel is connected to.
func (c *Channel) Node() Node {
	return c.node
}

// Version returns the negotiated protocol version.
func (c *Channel) Version() wire.ProtoVersion {
	return c.version
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the number of outstanding stream ids.
func (c *Channel) InFlight() int {
	return c.ids.InUse()
}

// Available reports whether the channel is ready and has spare stream ids.
func (c *Channel) Available() bool {
	c.mu.Lock()
	ready := c.state == ChannelReady
	c.mu.Unlock()
	return ready && c.ids.InUse() < c.ids.Max()
}

// Pending is the single-assignment completion handle for one request frame.
type Pending struct {
	channel *Channel
	stream  int16
	issued  time.Time
	respCh  chan response
}

// Stream returns the allocated stream id, mainly for logs and tests.
func (p *Pending) Stream() int16 {
	return p.stream
}

// Await blocks until the correlated response arrives, the channel dies, or
// ctx is done. When ctx wins, interest is removed: a late response will be
// discarded and the stream id reclaimed only once it arrives.
func (p *Pending) Await(ctx context.Context) (wire.Frame, error) {
	select {
	case resp := <-p.respCh:
		return resp.frame, resp.err
	case <-ctx.Done():
		p.Forget()
		// A completion may have raced the cancellation; prefer it.
		select {
		case resp := <-p.respCh:
			return resp.frame, resp.err
		default:
			return wire.Frame{}, ctx.Err()
		}
	}
}

// Forget abandons the request without waiting. Best-effort cancellation: the
// protocol has no cancel frame, so the server may still do the work; the
// channel just stops caring about the answer.
func (p *Pending) Forget() {
	c := p.channel
	c.mu.Lock()
	if pr, ok := c.pending[p.stream]; ok && pr.ch == p.respCh {
		pr.orphaned = true
	}
	c.mu.Unlock()
}

// Send writes one request frame and returns its completion handle. It never
// blocks on stream-id exhaustion: ErrChannelBusy tells the caller to treat
// this channel as busy and go elsewhere.
func (c *Channel) Send(op wire.Opcode, body []byte) (*Pending, error) {
	c.mu.Lock()
	if c.state != ChannelReady {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	id, ok := c.ids.Alloc()
	if !ok {
		c.mu.Unlock()
		return nil, ErrChannelBusy
	}
	pr := &pendingRequest{
		stream: id,
		issued: time.Now(),
		ch:     make(chan response, 1),
	}
	c.pending[id] = pr
	c.mu.Unlock()

	c.writeMu.Lock()
	err := wire.WriteFrame(c.conn, c.version, id, op, body, c.compressor)
	c.writeMu.Unlock()
	if err != nil {
		// The write may have gone out partially; framing state is suspect.
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.closeWithError(fmt.Errorf("cqlwire: write frame: %w", err))
		return nil, fmt.Errorf("cqlwire: write frame: %w", err)
	}
	return &Pending{channel: c, stream: id, issued: pr.issued, respCh: pr.ch}, nil
}

func (c *Channel) readLoop() {
	scratch := make([]byte, wire.HeaderSize)
	for {
		f, err := wire.ReadFrame(c.conn, scratch, c.compressor)
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				// The oversized body was drained, framing is intact. Fail
				// only the affected stream and keep serving the rest.
				c.logger.Warn("channel.frame.oversized",
					"stream", f.Header.Stream, "op", f.Header.Op.String(), "error", err)
				c.failStream(f.Header.Stream, err)
				continue
			}
			c.closeWithError(err)
			return
		}
		if len(f.Warnings) > 0 {
			c.logger.Warn("channel.frame.warnings", "op", f.Header.Op.String(), "warnings", f.Warnings)
		}
		if f.Header.Stream == wire.EventStream {
			c.dispatchEvent(f)
			continue
		}
		c.dispatchResponse(f)
	}
}

// failStream delivers failure to the pending request on stream, releasing the
// id. Used when a single response is unusable but the connection is fine.
func (c *Channel) failStream(stream int16, failure error) {
	if stream == wire.EventStream {
		return
	}
	c.mu.Lock()
	pr, ok := c.pending[stream]
	if ok {
		delete(c.pending, stream)
		c.ids.Release(stream)
	}
	orphaned := ok && pr.orphaned
	c.mu.Unlock()
	if !ok || orphaned {
		return
	}
	pr.ch <- response{err: failure}
}

func (c *Channel) dispatchEvent(f wire.Frame) {
	if f.Header.Op != wire.OpEvent {
		c.logger.Warn("channel.frame.unexpected_push", "op", f.Header.Op.String())
		return
	}
	ev, err := DecodeEvent(f.Body)
	if err != nil {
		c.logger.Warn("channel.event.decode_failed", "error", err)
		return
	}
	if c.events != nil {
		c.events(ev)
	}
}

func (c *Channel) dispatchResponse(f wire.Frame) {
	stream := f.Header.Stream
	c.mu.Lock()
	pr, ok := c.pending[stream]
	if ok {
		delete(c.pending, stream)
		c.ids.Release(stream)
	}
	orphaned := ok && pr.orphaned
	c.mu.Unlock()

	if !ok {
		// Spurious or duplicate response. Not fatal: framing is intact.
		c.logger.Warn("channel.frame.orphan", "stream", stream, "op", f.Header.Op.String())
		return
	}
	if orphaned {
		c.logger.Debug("channel.frame.cancelled_late", "stream", stream, "op", f.Header.Op.String())
		return
	}
	if f.Header.Op == wire.OpError {
		srvErr, decodeErr := wire.DecodeError(f.Body)
		if decodeErr != nil {
			pr.ch <- response{err: decodeErr}
			return
		}
		pr.ch <- response{err: srvErr}
		return
	}
	pr.ch <- response{frame: f}
}

// Close shuts the channel down, failing every pending request exactly once
// with a connection-closed error. Subsequent calls are no-ops.
func (c *Channel) Close() {
	c.closeWithError(nil)
}

func (c *Channel) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ChannelClosing
		drained := make([]*pendingRequest, 0, len(c.pending))
		for _, pr := range c.pending {
			drained = append(drained, pr)
		}
		c.pending = make(map[int16]*pendingRequest)
		c.mu.Unlock()

		_ = c.conn.Close()

		failure := error(ErrChannelClosed)
		if cause != nil {
			failure = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
		}
		for _, pr := range drained {
			if pr.orphaned {
				continue
			}
			pr.ch <- response{err: failure}
		}

		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
		close(c.done)

		if cause != nil {
			c.logger.Debug("channel.closed", "pending_failed", len(drained), "error", cause)
		} else {
			c.logger.Debug("channel.closed", "pending_failed", len(drained))
		}
		if c.onClose != nil {
			c.onClose(c, cause)
		}
	})
}

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}
