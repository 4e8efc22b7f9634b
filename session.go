package cqlwire

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// Session is the top-level handle on a cluster: one pool per known node, a
// coordinator for logical requests, and a control channel subscribed to
// server push events. A Session is safe for concurrent use.
type Session struct {
	cfg     *config
	logger  pslog.Logger
	planner QueryPlanner
	rr      *RoundRobinPlanner
	co      *coordinator

	mu        sync.Mutex
	pools     map[Node]*NodePool
	listeners []EventListener
	control   Node
	closed    bool
}

// NewSession connects to the cluster through the given contact points and
// blocks until at least one node has a ready channel. The remaining topology
// arrives through server events; nodes can also be added explicitly.
func NewSession(ctx context.Context, contactPoints []string, opts ...Option) (*Session, error) {
	if len(contactPoints) == 0 {
		return nil, ErrNoContactPoints
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Session{
		cfg:    cfg,
		logger: logfields.WithSubsystem(cfg.logger, "session"),
		pools:  make(map[Node]*NodePool),
	}
	if cfg.planner != nil {
		s.planner = cfg.planner
	} else {
		s.rr = NewRoundRobinPlanner()
		s.planner = s.rr
	}
	// Pool-level up/down transitions feed the default planner before the
	// user's observer sees them.
	cfg.nodeObs = &sessionNodeObserver{session: s, next: cfg.nodeObs}
	cfg.channelObs = &sessionChannelObserver{session: s, next: cfg.channelObs}
	s.co = newCoordinator(cfg, s.planner, s.poolFor)

	for _, cp := range contactPoints {
		s.addPool(Node(cp))
	}

	if err := s.awaitBootstrap(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.registerEvents(ctx); err != nil {
		// Requests still work without the event subscription; topology will
		// just be manual. Surfaced in logs, not fatal.
		s.logger.Warn("session.events.unavailable", "error", err)
	}
	s.logger.Info("session.ready", "contact_points", len(contactPoints))
	return s, nil
}

// awaitBootstrap waits for any contact point to reach a ready channel.
func (s *Session) awaitBootstrap(ctx context.Context) error {
	budget := s.cfg.connectTimeout + s.cfg.initTimeout
	deadline := time.Now().Add(budget)
	for {
		s.mu.Lock()
		ready := false
		for _, p := range s.pools {
			if p.Healthy() {
				ready = true
				break
			}
		}
		s.mu.Unlock()
		if ready {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cqlwire: no contact point became ready within %s", budget)
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// registerEvents subscribes to server push events on a designated control
// node. The subscription lives on one channel; losing it triggers a
// re-registration on whatever node is healthy.
func (s *Session) registerEvents(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var candidates []*NodePool
	for _, p := range s.pools {
		if p.Healthy() {
			candidates = append(candidates, p)
		}
	}
	s.mu.Unlock()

	var lastErr error = ErrPoolExhausted
	for _, p := range candidates {
		pending, err := p.SendOn(wire.OpRegister, registerBody())
		if err != nil {
			lastErr = err
			continue
		}
		awaitCtx, cancel := context.WithTimeout(ctx, s.cfg.initTimeout)
		frame, err := pending.Await(awaitCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if frame.Header.Op != wire.OpReady {
			lastErr = fmt.Errorf("cqlwire: REGISTER answered with %s", frame.Header.Op)
			continue
		}
		s.mu.Lock()
		s.control = p.Node()
		s.mu.Unlock()
		s.logger.Debug("session.events.registered", logfields.NodeKey, string(p.Node()))
		return nil
	}
	return lastErr
}

// Execute runs a logical request through the coordinator.
func (s *Session) Execute(ctx context.Context, req *Request) (Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{}, ErrSessionClosed
	}
	return s.co.execute(ctx, req)
}

// Query is Execute with a QUERY opcode and an already-encoded body.
func (s *Session) Query(ctx context.Context, body []byte) (Result, error) {
	return s.Execute(ctx, &Request{Op: wire.OpQuery, Body: body})
}

// AddListener registers a consumer of decoded server events. Listeners run
// on channel read loops and must return quickly.
func (s *Session) AddListener(l EventListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// AddNode starts pooling connections to a node and adds it to the default
// query plan. Adding a known node is a no-op.
func (s *Session) AddNode(node Node) {
	if s.addPool(node) {
		if s.rr != nil {
			s.rr.AddNode(node)
		}
		s.logger.Info("session.node.added", logfields.NodeKey, string(node))
	}
}

// RemoveNode closes the node's pool and drops it from the default plan.
func (s *Session) RemoveNode(node Node) {
	s.mu.Lock()
	p, ok := s.pools[node]
	if ok {
		delete(s.pools, node)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.rr != nil {
		s.rr.RemoveNode(node)
	}
	p.Close()
	s.logger.Info("session.node.removed", logfields.NodeKey, string(node))
}

// Nodes returns the currently pooled nodes.
func (s *Session) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]Node, 0, len(s.pools))
	for n := range s.pools {
		nodes = append(nodes, n)
	}
	return nodes
}

// Close tears down every pool. Safe to call more than once; in-flight
// requests fail with channel-closed errors.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pools := make([]*NodePool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.pools = map[Node]*NodePool{}
	s.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	s.logger.Info("session.closed", "pools_closed", len(pools))
}

// addPool creates a pool for node unless one exists or the session is
// closed. Reports whether a pool was created.
func (s *Session) addPool(node Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pools[node]; ok {
		return false
	}
	s.pools[node] = newNodePool(s.cfg, node, s.dispatchEvent)
	if s.rr != nil {
		s.rr.AddNode(node)
	}
	return true
}

func (s *Session) poolFor(node Node) *NodePool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[node]
}

// dispatchEvent runs on a channel read loop: apply topology and status
// changes, then fan out to registered listeners.
func (s *Session) dispatchEvent(ev Event) {
	switch e := ev.(type) {
	case TopologyChangeEvent:
		node := eventNode(e.Addr, e.Port)
		switch e.Change {
		case "NEW_NODE":
			go s.AddNode(node)
		case "REMOVED_NODE":
			go s.RemoveNode(node)
		}
	case StatusChangeEvent:
		node := eventNode(e.Addr, e.Port)
		if s.rr != nil {
			switch e.Change {
			case "UP":
				s.rr.NodeUp(node)
			case "DOWN":
				s.rr.NodeDown(node)
			}
		}
	}

	s.mu.Lock()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// eventNode maps an event's address/port pair onto the node identity scheme
// used for pooling and planning.
func eventNode(addr net.IP, port int) Node {
	return Node(net.JoinHostPort(addr.String(), strconv.Itoa(port)))
}

// sessionNodeObserver feeds pool up/down transitions into the default
// planner before delegating to the user's observer.
type sessionNodeObserver struct {
	session *Session
	next    NodeStateObserver
}

func (o *sessionNodeObserver) NodeUp(node Node) {
	if o.session.rr != nil {
		o.session.rr.NodeUp(node)
	}
	o.next.NodeUp(node)
}

func (o *sessionNodeObserver) NodeDown(node Node) {
	if o.session.rr != nil {
		o.session.rr.NodeDown(node)
	}
	o.next.NodeDown(node)
}

// sessionChannelObserver watches for the control node losing channels and
// re-registers the event subscription elsewhere.
type sessionChannelObserver struct {
	session *Session
	next    ChannelObserver
}

func (o *sessionChannelObserver) ChannelOpened(node Node) {
	o.next.ChannelOpened(node)
}

func (o *sessionChannelObserver) ChannelClosed(node Node) {
	s := o.session
	s.mu.Lock()
	lost := s.control == node && s.control != ""
	if lost {
		s.control = ""
	}
	closed := s.closed
	s.mu.Unlock()
	if lost && !closed {
		go s.reregisterEvents()
	}
	o.next.ChannelClosed(node)
}

// reregisterEvents retries the event subscription until it sticks, giving
// pools time to reconnect between tries.
func (s *Session) reregisterEvents() {
	for {
		s.mu.Lock()
		done := s.closed || s.control != ""
		s.mu.Unlock()
		if done {
			return
		}
		err := s.registerEvents(context.Background())
		if err == nil {
			return
		}
		s.logger.Warn("session.events.reregister.failed", "error", err)
		time.Sleep(s.cfg.reconnectBase)
	}
}
