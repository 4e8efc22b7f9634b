package cqlwire

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/cqlwire/wire"
)

// writeServerFrame writes a response frame the way a server would, with the
// direction bit set on the version byte.
func writeServerFrame(conn net.Conn, version wire.ProtoVersion, stream int16, op wire.Opcode, body []byte) error {
	buf := wire.AppendHeader(nil, wire.Header{
		Version: version.Version() | 0x80,
		Stream:  stream,
		Op:      op,
		Length:  uint32(len(body)),
	})
	buf = append(buf, body...)
	_, err := conn.Write(buf)
	return err
}

func unavailableBody() []byte {
	body := wire.AppendInt(nil, int32(wire.ErrCodeUnavailable))
	body = wire.AppendString(body, "Cannot achieve consistency level QUORUM")
	body = wire.AppendShort(body, 4)
	body = wire.AppendInt(body, 2)
	body = wire.AppendInt(body, 1)
	return body
}

func writeTimeoutBody() []byte {
	body := wire.AppendInt(nil, int32(wire.ErrCodeWriteTimeout))
	body = wire.AppendString(body, "Operation timed out")
	body = wire.AppendShort(body, 4)
	body = wire.AppendInt(body, 1)
	body = wire.AppendInt(body, 2)
	body = wire.AppendString(body, "SIMPLE")
	return body
}

// frameHandler reacts to one non-handshake request frame.
type frameHandler func(conn net.Conn, f wire.Frame)

// respondResult answers every request with a RESULT carrying body.
func respondResult(body []byte) frameHandler {
	return func(conn net.Conn, f wire.Frame) {
		_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpResult, body)
	}
}

// respondError answers every request with an ERROR frame.
func respondError(body []byte) frameHandler {
	return func(conn net.Conn, f wire.Frame) {
		_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpError, body)
	}
}

// hangForever swallows requests without answering.
func hangForever(net.Conn, wire.Frame) {}

// dropConn closes the connection instead of answering.
func dropConn(conn net.Conn, _ wire.Frame) {
	_ = conn.Close()
}

// fakeNode is an in-memory server speaking just enough of the protocol:
// handshake frames are answered inline, everything else goes through the
// configurable handler.
type fakeNode struct {
	name string

	mu         sync.Mutex
	handler    frameHandler
	refuse     bool
	demandAuth bool
	conns      []net.Conn

	// received observes every non-handshake frame in arrival order.
	received chan wire.Frame
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:     name,
		handler:  respondResult(nil),
		received: make(chan wire.Frame, 64),
	}
}

func (n *fakeNode) setHandler(h frameHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *fakeNode) setRefuse(refuse bool) {
	n.mu.Lock()
	n.refuse = refuse
	n.mu.Unlock()
}

func (n *fakeNode) setDemandAuth(demand bool) {
	n.mu.Lock()
	n.demandAuth = demand
	n.mu.Unlock()
}

func (n *fakeNode) dial() (net.Conn, error) {
	n.mu.Lock()
	if n.refuse {
		n.mu.Unlock()
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	client, server := net.Pipe()
	n.conns = append(n.conns, server)
	n.mu.Unlock()
	go n.serve(server)
	return client, nil
}

// dropConns severs every live connection server-side.
func (n *fakeNode) dropConns() {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// lastConn returns the most recently accepted server-side connection.
func (n *fakeNode) lastConn() net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

func (n *fakeNode) serve(conn net.Conn) {
	scratch := make([]byte, wire.HeaderSize)
	for {
		f, err := wire.ReadFrame(conn, scratch, nil)
		if err != nil {
			_ = conn.Close()
			return
		}
		switch f.Header.Op {
		case wire.OpStartup:
			n.mu.Lock()
			demand := n.demandAuth
			n.mu.Unlock()
			if demand {
				_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpAuthenticate,
					wire.AppendString(nil, "org.apache.cassandra.auth.PasswordAuthenticator"))
				continue
			}
			_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpReady, nil)
		case wire.OpRegister:
			_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpReady, nil)
		case wire.OpOptions:
			body := wire.AppendShort(nil, 1)
			body = wire.AppendString(body, wire.StartupCompressionKey)
			body = wire.AppendStringList(body, []string{"snappy", "lz4"})
			_ = writeServerFrame(conn, f.Header.Version, f.Header.Stream, wire.OpSupported, body)
		default:
			select {
			case n.received <- f:
			default:
			}
			n.mu.Lock()
			h := n.handler
			n.mu.Unlock()
			h(conn, f)
		}
	}
}

// awaitFrame waits for the node to receive one request frame.
func (n *fakeNode) awaitFrame(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-n.received:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("node %s: no frame received within timeout", n.name)
		return wire.Frame{}
	}
}

// fakeCluster routes dials by address to fake nodes.
type fakeCluster struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
}

func newFakeCluster(names ...string) *fakeCluster {
	c := &fakeCluster{nodes: make(map[string]*fakeNode)}
	for _, name := range names {
		c.nodes[name] = newFakeNode(name)
	}
	return c
}

func (c *fakeCluster) node(name string) *fakeNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name]
}

func (c *fakeCluster) addNode(name string) *fakeNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := newFakeNode(name)
	c.nodes[name] = n
	return n
}

func (c *fakeCluster) dial(_ context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	n := c.nodes[addr]
	c.mu.Unlock()
	if n == nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route to host")}
	}
	return n.dial()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// recordingNodeObserver captures edge-triggered up/down transitions.
type recordingNodeObserver struct {
	mu    sync.Mutex
	ups   []Node
	downs []Node
}

func (o *recordingNodeObserver) NodeUp(node Node) {
	o.mu.Lock()
	o.ups = append(o.ups, node)
	o.mu.Unlock()
}

func (o *recordingNodeObserver) NodeDown(node Node) {
	o.mu.Lock()
	o.downs = append(o.downs, node)
	o.mu.Unlock()
}

func (o *recordingNodeObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ups), len(o.downs)
}

// recordingRequestObserver captures request lifecycle hooks.
type recordingRequestObserver struct {
	mu       sync.Mutex
	attempts []AttemptInfo
	requests []RequestInfo
}

func (o *recordingRequestObserver) AttemptStarted(AttemptInfo) {}

func (o *recordingRequestObserver) AttemptCompleted(info AttemptInfo) {
	o.mu.Lock()
	o.attempts = append(o.attempts, info)
	o.mu.Unlock()
}

func (o *recordingRequestObserver) RequestCompleted(info RequestInfo) {
	o.mu.Lock()
	o.requests = append(o.requests, info)
	o.mu.Unlock()
}

func (o *recordingRequestObserver) lastRequest() (RequestInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return RequestInfo{}, false
	}
	return o.requests[len(o.requests)-1], true
}
