package cqlwire

import (
	"sync"
	"time"
)

// QueryPlan is a lazily-produced, finite, non-restartable sequence of
// candidate nodes for one logical request. Next returns false once the plan
// is exhausted; a plan is consumed by exactly one request execution.
type QueryPlan interface {
	Next() (Node, bool)
}

// QueryPlanner yields a fresh plan per logical request. Implementations may
// rotate shared round-robin state across plans, but concurrent plans for
// different requests must each see a coherent candidate sequence.
type QueryPlanner interface {
	Plan(req *Request) QueryPlan
}

// RetryDecision is the action a RetryPolicy selects for a failed attempt.
type RetryDecision int

const (
	// Rethrow surfaces the error as the logical request's final outcome.
	Rethrow RetryDecision = iota
	// RetrySame re-sends on the same node as a new attempt. Only sound when
	// the failure kind guarantees the server never applied the request.
	RetrySame
	// RetryNext advances the plan and tries the next candidate.
	RetryNext
	// IgnoreError treats the failure as an empty success. Only valid where
	// partial results are acceptable to the caller.
	IgnoreError
)

func (d RetryDecision) String() string {
	switch d {
	case Rethrow:
		return "rethrow"
	case RetrySame:
		return "retry_same"
	case RetryNext:
		return "retry_next"
	case IgnoreError:
		return "ignore"
	default:
		return "unknown"
	}
}

// RetryContext carries everything a policy needs for a correct decision.
type RetryContext struct {
	Node       Node
	Kind       ErrorKind
	Err        error
	Attempt    int
	Idempotent bool
}

// RetryPolicy decides what to do after a failed attempt. Implementations
// must be pure decision functions safe for concurrent use.
type RetryPolicy interface {
	Decide(ctx RetryContext) RetryDecision
}

// SpeculativeContext describes the state of a logical request when the
// coordinator considers arming another parallel attempt.
type SpeculativeContext struct {
	Request  *Request
	Attempts int
}

// SpeculativeExecutionPolicy decides whether and when to race an additional
// attempt against the next plan candidate while prior attempts are still
// outstanding. Returning ok=false declines further speculation.
type SpeculativeExecutionPolicy interface {
	NextDelay(ctx SpeculativeContext) (delay time.Duration, ok bool)
}

// Authenticator produces the client side of the generic challenge/response
// exchange driven by AUTHENTICATE/AUTH_CHALLENGE frames. The token contents
// are mechanism-specific and opaque to this core.
type Authenticator interface {
	// InitialResponse produces the first token. The argument is the
	// authenticator class name announced by the server.
	InitialResponse(authenticator string) ([]byte, error)
	// EvaluateChallenge produces the next token for a server challenge.
	EvaluateChallenge(challenge []byte) ([]byte, error)
}

// PlainTextAuthenticator answers any server authenticator class with a SASL
// PLAIN token. Use it for password-style authentication.
func PlainTextAuthenticator(username, password string) Authenticator {
	return plainTextAuthenticator{username: username, password: password}
}

type plainTextAuthenticator struct {
	username string
	password string
}

func (a plainTextAuthenticator) InitialResponse(string) ([]byte, error) {
	token := make([]byte, 0, len(a.username)+len(a.password)+2)
	token = append(token, 0)
	token = append(token, a.username...)
	token = append(token, 0)
	token = append(token, a.password...)
	return token, nil
}

func (a plainTextAuthenticator) EvaluateChallenge([]byte) ([]byte, error) {
	return nil, nil
}

// PoolSizeFunc maps a node to its desired channel count, the distance/weight
// collaborator of the pool. Values below 1 are clamped to 1.
type PoolSizeFunc func(node Node) int

// SingleChannel sizes every pool at one channel.
func SingleChannel(Node) int {
	return 1
}

// defaultRetryPolicy is idempotence-aware and deliberately conservative:
// it never replays a request whose outcome on the server is ambiguous unless
// the request is declared idempotent, and even then it moves to the next
// node rather than hammering the same one.
type defaultRetryPolicy struct{}

// NewDefaultRetryPolicy returns the stock policy described above.
func NewDefaultRetryPolicy() RetryPolicy {
	return defaultRetryPolicy{}
}

func (defaultRetryPolicy) Decide(ctx RetryContext) RetryDecision {
	switch ctx.Kind {
	case KindNoChannel:
		// Never sent, nothing applied.
		return RetryNext
	case KindUnavailable, KindOverloaded:
		// Server declined before applying anything.
		return RetryNext
	case KindTransport:
		if ctx.Idempotent {
			return RetryNext
		}
		// Ambiguous whether the request was applied; surface it.
		return Rethrow
	case KindReadTimeout:
		// Reads apply nothing; one more try elsewhere.
		if ctx.Attempt < 1 {
			return RetryNext
		}
		return Rethrow
	case KindWriteTimeout:
		if ctx.Idempotent && ctx.Attempt < 1 {
			return RetryNext
		}
		return Rethrow
	default:
		return Rethrow
	}
}

// RoundRobinPlanner rotates a shared cursor across plans and skips nodes it
// has been told are down. It is the stock QueryPlanner; anything smarter
// (token awareness, latency tracking) plugs in through the same interface.
type RoundRobinPlanner struct {
	mu     sync.Mutex
	nodes  []Node
	down   map[Node]bool
	cursor uint64
}

// NewRoundRobinPlanner builds a planner over a fixed node set. It implements
// NodeStateObserver so pools can feed availability back into planning.
func NewRoundRobinPlanner(nodes ...Node) *RoundRobinPlanner {
	return &RoundRobinPlanner{
		nodes: append([]Node(nil), nodes...),
		down:  make(map[Node]bool),
	}
}

// AddNode appends a node to the rotation if not already present.
func (p *RoundRobinPlanner) AddNode(node Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n == node {
			return
		}
	}
	p.nodes = append(p.nodes, node)
}

// RemoveNode drops a node from the rotation.
func (p *RoundRobinPlanner) RemoveNode(node Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, n := range p.nodes {
		if n == node {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			break
		}
	}
	delete(p.down, node)
}

// NodeUp restores a node to candidate status.
func (p *RoundRobinPlanner) NodeUp(node Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.down, node)
}

// NodeDown demotes a node; plans place it after all live candidates rather
// than dropping it outright, so a cluster that is entirely marked down still
// gets probed instead of failing every request without any attempt.
func (p *RoundRobinPlanner) NodeDown(node Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[node] = true
}

// Plan returns the next rotation of the node list, live nodes first.
func (p *RoundRobinPlanner) Plan(*Request) QueryPlan {
	p.mu.Lock()
	total := len(p.nodes)
	if total == 0 {
		p.mu.Unlock()
		return &slicePlan{}
	}
	start := p.cursor
	p.cursor++
	live := make([]Node, 0, total)
	var down []Node
	for i := 0; i < total; i++ {
		n := p.nodes[(start+uint64(i))%uint64(total)]
		if p.down[n] {
			down = append(down, n)
		} else {
			live = append(live, n)
		}
	}
	p.mu.Unlock()
	return &slicePlan{nodes: append(live, down...)}
}

// slicePlan iterates a precomputed candidate list.
type slicePlan struct {
	nodes []Node
	next  int
}

func (p *slicePlan) Next() (Node, bool) {
	if p.next >= len(p.nodes) {
		return "", false
	}
	n := p.nodes[p.next]
	p.next++
	return n, true
}

// NewStaticPlanner returns each request the same fixed candidate order.
// Useful in tests and for single-node deployments.
func NewStaticPlanner(nodes ...Node) QueryPlanner {
	fixed := append([]Node(nil), nodes...)
	return plannerFunc(func(*Request) QueryPlan {
		return &slicePlan{nodes: fixed}
	})
}

type plannerFunc func(*Request) QueryPlan

func (f plannerFunc) Plan(req *Request) QueryPlan {
	return f(req)
}

// noSpeculation declines every speculative execution.
type noSpeculation struct{}

// NoSpeculativeExecution disables speculative attempts entirely.
func NoSpeculativeExecution() SpeculativeExecutionPolicy {
	return noSpeculation{}
}

func (noSpeculation) NextDelay(SpeculativeContext) (time.Duration, bool) {
	return 0, false
}

// ConstantSpeculativePolicy arms a new attempt every Delay until MaxAttempts
// total attempts are in flight. The coordinator only consults it for
// idempotent requests.
type ConstantSpeculativePolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p *ConstantSpeculativePolicy) NextDelay(ctx SpeculativeContext) (time.Duration, bool) {
	if p.Delay <= 0 {
		return 0, false
	}
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 2
	}
	if ctx.Attempts >= limit {
		return 0, false
	}
	return p.Delay, true
}
