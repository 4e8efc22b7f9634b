package cqlwire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// NodePool maintains the target number of ready channels to one node,
// reconnecting with exponential backoff when channels are lost. The pool is
// the long-lived entity behind a node identity; its channels are ephemeral.
type NodePool struct {
	node   Node
	cfg    *config
	logger pslog.Logger
	events EventListener

	mu          sync.Mutex
	channels    []*Channel
	target      int
	closed      bool
	announcedUp bool
	// announcedDown keeps the down edge single-shot, including the bootstrap
	// case where the node never produced a ready channel.
	announcedDown bool
	// slotState tracks the establishment stage of the channel currently
	// being built, surfacing Connecting/Initializing in introspection.
	slotState ChannelState

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// newNodePool starts maintaining channels to node immediately.
func newNodePool(cfg *config, node Node, events EventListener) *NodePool {
	target := cfg.poolSize(node)
	if target < 1 {
		target = 1
	}
	p := &NodePool{
		node:      node,
		cfg:       cfg,
		logger:    logfields.WithSubsystem(cfg.logger, "pool").With(logfields.NodeKey, string(node)),
		events:    events,
		target:    target,
		slotState: ChannelConnecting,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintain()
	return p
}

// Node returns the pool's cluster member identity.
func (p *NodePool) Node() Node {
	return p.node
}

// Healthy reports whether the pool currently has at least one ready channel.
func (p *NodePool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels) > 0
}

// SlotState returns the establishment stage of the channel currently being
// built: Connecting or Initializing while an attempt is in flight, Ready once
// the last attempt succeeded.
func (p *NodePool) SlotState() ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotState
}

// Borrow returns the least-busy ready channel, or ErrPoolExhausted when none
// is ready. Borrowers get a consistent snapshot; only the pool itself
// mutates the channel set.
func (p *NodePool) Borrow() (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	var best *Channel
	bestLoad := 0
	for _, ch := range p.channels {
		if !ch.Available() {
			continue
		}
		load := ch.InFlight()
		if best == nil || load < bestLoad {
			best = ch
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}
	return best, nil
}

// maintain reconciles actual channel count against the target, applying the
// reconnection schedule between failed attempts and resetting it on success.
func (p *NodePool) maintain() {
	defer p.wg.Done()
	schedule := p.newSchedule()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		deficit := p.target - len(p.channels)
		p.mu.Unlock()

		if deficit <= 0 {
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
			continue
		}

		ch, err := p.connect()
		if err != nil {
			p.noteConnectFailure(err)
			delay := schedule.NextBackOff()
			var initErr *InitError
			if errors.As(err, &initErr) && initErr.Fatal() {
				// Deterministic failures (auth, version) are not going to
				// heal quickly; wait at the cap instead of hammering.
				delay = p.cfg.reconnectMax
			}
			p.logger.Debug("pool.reconnect.scheduled", "delay", delay, "error", err)
			select {
			case <-p.cfg.clock.After(delay):
			case <-p.done:
				return
			}
			continue
		}

		schedule.Reset()
		if !p.adopt(ch) {
			ch.Close()
			return
		}
	}
}

// newSchedule builds the exponential reconnection schedule. Randomization is
// disabled so consecutive delays are monotonically non-decreasing up to the
// cap; a successful connection resets the schedule.
func (p *NodePool) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.reconnectBase
	b.MaxInterval = p.cfg.reconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// connect dials and initializes one channel.
func (p *NodePool) connect() (*Channel, error) {
	p.setSlotState(ChannelConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.connectTimeout+p.cfg.initTimeout)
	defer cancel()
	conn, err := p.cfg.dial(ctx, string(p.node))
	if err != nil {
		return nil, &InitError{Node: p.node, Cause: InitTransport, Err: err}
	}
	p.setSlotState(ChannelInitializing)
	version, err := initializeConn(ctx, p.cfg, p.node, conn)
	if err != nil {
		return nil, err
	}
	return newChannel(conn, p.node, version, p.cfg.compressor, p.cfg.maxStreams,
		p.cfg.logger, p.events, p.onChannelClosed), nil
}

func (p *NodePool) setSlotState(s ChannelState) {
	p.mu.Lock()
	p.slotState = s
	p.mu.Unlock()
}

// adopt registers a ready channel, announcing the node up on the first one.
func (p *NodePool) adopt(ch *Channel) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.channels = append(p.channels, ch)
	p.slotState = ChannelReady
	wasDown := !p.announcedUp
	p.announcedUp = true
	p.announcedDown = false
	count := len(p.channels)
	p.mu.Unlock()

	p.logger.Info("pool.channel.ready", "chan", ch.ID(), "version", ch.Version().String(), "count", count)
	p.cfg.channelObs.ChannelOpened(p.node)
	if wasDown {
		p.cfg.nodeObs.NodeUp(p.node)
	}
	return true
}

// noteConnectFailure marks the node down once when it has no channels and an
// establishment attempt just failed, including the very first attempt.
func (p *NodePool) noteConnectFailure(err error) {
	p.mu.Lock()
	empty := len(p.channels) == 0
	shouldAnnounce := empty && !p.announcedDown
	if shouldAnnounce {
		p.announcedUp = false
		p.announcedDown = true
	}
	p.mu.Unlock()
	p.logger.Warn("pool.connect.failed", "error", err, "node_down", empty)
	if shouldAnnounce {
		p.cfg.nodeObs.NodeDown(p.node)
	}
}

// onChannelClosed is the channel's close callback: drop it from the set,
// mark the node down on the last one, and wake the maintainer.
func (p *NodePool) onChannelClosed(ch *Channel, cause error) {
	p.mu.Lock()
	for idx, existing := range p.channels {
		if existing == ch {
			p.channels = append(p.channels[:idx], p.channels[idx+1:]...)
			break
		}
	}
	empty := len(p.channels) == 0
	announceDown := empty && !p.announcedDown && !p.closed
	if announceDown {
		p.announcedUp = false
		p.announcedDown = true
	}
	closed := p.closed
	p.mu.Unlock()

	if cause != nil {
		p.logger.Warn("pool.channel.lost", "chan", ch.ID(), "error", cause)
	}
	p.cfg.channelObs.ChannelClosed(p.node)
	if announceDown {
		p.cfg.nodeObs.NodeDown(p.node)
	}
	if !closed {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// SendOn borrows a channel and sends in one step, mainly for control-plane
// traffic like REGISTER.
func (p *NodePool) SendOn(op wire.Opcode, body []byte) (*Pending, error) {
	ch, err := p.Borrow()
	if err != nil {
		return nil, err
	}
	return ch.Send(op, body)
}

// Close tears the pool down: no more reconnections, every channel closed.
// Safe to call more than once.
func (p *NodePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	channels := append([]*Channel(nil), p.channels...)
	p.mu.Unlock()

	close(p.done)
	for _, ch := range channels {
		ch.Close()
	}
	p.wg.Wait()
	p.logger.Debug("pool.closed", "channels_closed", len(channels))
}

// waitReady blocks until the pool has a ready channel, the timeout elapses
// or the pool closes. Used during session bootstrap.
func (p *NodePool) waitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if p.Healthy() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := 10 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-p.done:
			return p.Healthy()
		}
	}
}
