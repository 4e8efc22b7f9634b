package cqlwire

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/cqlwire/internal/clock"
	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// Request is one logical request: an opaque, already-encoded body plus the
// execution knobs the coordinator needs. The statement/value codec that
// produced Body is an external collaborator.
type Request struct {
	// Op is the request opcode; zero defaults to QUERY.
	Op wire.Opcode
	// Body is the encoded request payload.
	Body []byte
	// Idempotent declares that applying the request twice is safe. It gates
	// both retries after ambiguous failures and speculative execution.
	Idempotent bool
	// Timeout overrides the session's request timeout when positive.
	Timeout time.Duration
	// RetryPolicy overrides the session's retry policy when non-nil.
	RetryPolicy RetryPolicy
	// Speculative overrides the session's speculative policy when non-nil.
	Speculative SpeculativeExecutionPolicy
	// CorrelationID tags logs and observer hooks; generated when empty.
	CorrelationID string
}

// Result is the successful outcome of a logical request.
type Result struct {
	// Frame is the server's response frame (normally RESULT).
	Frame wire.Frame
	// Node served the winning attempt.
	Node Node
	// Attempts is the total number of attempts started.
	Attempts int
}

// coordinator orchestrates query plan, pools, retry policy and speculative
// execution into a single logical-request outcome.
type coordinator struct {
	cfg     *config
	planner QueryPlanner
	poolFor func(Node) *NodePool
	logger  pslog.Logger
}

func newCoordinator(cfg *config, planner QueryPlanner, poolFor func(Node) *NodePool) *coordinator {
	return &coordinator{
		cfg:     cfg,
		planner: planner,
		poolFor: poolFor,
		logger:  logfields.WithSubsystem(cfg.logger, "exec"),
	}
}

// execution is the state of one logical request in flight:
// Planning -> Attempting (1..N concurrent attempts) -> terminal. The result
// cell is single-assignment; the first completion wins and every sibling is
// cancelled best-effort.
type execution struct {
	co     *coordinator
	req    *Request
	reqID  string
	plan   QueryPlan
	retry  RetryPolicy
	spec   SpeculativeExecutionPolicy
	start  time.Time
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	causes   []NodeError
	attempts int
	running  int
	timers   []clock.Timer

	once   sync.Once
	doneCh chan struct{}
	res    Result
	err    error
}

// execute runs req to its terminal outcome. It blocks until the first
// success, a terminal error, plan exhaustion, the request timeout, or ctx
// cancellation, whichever comes first.
func (co *coordinator) execute(ctx context.Context, req *Request) (Result, error) {
	if req.Op == 0 {
		req.Op = wire.OpQuery
	}
	reqID := req.CorrelationID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	retry := req.RetryPolicy
	if retry == nil {
		retry = co.cfg.retryPolicy
	}
	spec := req.Speculative
	if spec == nil {
		spec = co.cfg.speculative
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = co.cfg.requestTimeout
	}

	execCtx, cancel := context.WithCancel(ctx)
	e := &execution{
		co:     co,
		req:    req,
		reqID:  reqID,
		plan:   co.planner.Plan(req),
		retry:  retry,
		spec:   spec,
		start:  co.cfg.clock.Now(),
		ctx:    execCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	timer := co.cfg.clock.NewTimer(timeout)
	e.startAttempt(false)

	select {
	case <-e.doneCh:
	case <-timer.C():
		e.complete(Result{}, ErrRequestTimeout)
		<-e.doneCh
	case <-ctx.Done():
		e.complete(Result{}, ctx.Err())
		<-e.doneCh
	}
	timer.Stop()
	cancel()

	e.mu.Lock()
	attempts := e.attempts
	e.mu.Unlock()
	co.cfg.requestObs.RequestCompleted(RequestInfo{
		RequestID: reqID,
		Attempts:  attempts,
		Duration:  co.cfg.clock.Now().Sub(e.start),
		Err:       e.err,
	})
	return e.res, e.err
}

func (e *execution) completed() bool {
	select {
	case <-e.doneCh:
		return true
	default:
		return false
	}
}

// complete assigns the terminal outcome exactly once and cancels siblings.
func (e *execution) complete(res Result, err error) {
	e.once.Do(func() {
		e.mu.Lock()
		res.Attempts = e.attempts
		timers := e.timers
		e.timers = nil
		e.mu.Unlock()
		e.res = res
		e.err = err
		close(e.doneCh)
		e.cancel()
		for _, t := range timers {
			t.Stop()
		}
	})
}

func (e *execution) recordCause(node Node, err error) {
	e.mu.Lock()
	e.causes = append(e.causes, NodeError{Node: node, Err: err})
	e.mu.Unlock()
}

// startAttempt advances the plan until an attempt is actually on the wire.
// Candidates without a usable channel are recorded as causes and skipped
// without counting an attempt. When the plan runs out with nothing in
// flight, the aggregate failure becomes the terminal outcome.
func (e *execution) startAttempt(speculative bool) {
	e.advance(speculative, false)
}

// advance is startAttempt with an optional release of the caller's running
// slot. The release happens under the same critical section as the
// plan-exhaustion check so a concurrent sibling can never observe the
// execution as idle while a retry is still deciding its next move.
func (e *execution) advance(speculative, releaseRunning bool) {
	release := func() {
		if releaseRunning {
			e.mu.Lock()
			e.running--
			e.mu.Unlock()
			releaseRunning = false
		}
	}
	for {
		if e.completed() {
			release()
			return
		}
		e.mu.Lock()
		if releaseRunning {
			e.running--
			releaseRunning = false
		}
		node, ok := e.plan.Next()
		if !ok {
			idle := e.running == 0
			causes := append([]NodeError(nil), e.causes...)
			e.mu.Unlock()
			if idle {
				e.complete(Result{}, &PlanExhaustedError{Errors: causes})
			}
			return
		}
		e.mu.Unlock()
		pool := e.co.poolFor(node)
		if pool == nil {
			e.recordCause(node, ErrPoolExhausted)
			continue
		}
		ch, err := pool.Borrow()
		if err != nil {
			e.recordCause(node, err)
			continue
		}
		if e.launch(node, ch, speculative) {
			return
		}
	}
}

// launch sends on ch and registers the attempt. A send refused with
// backpressure or a dying channel does not count as an attempt; the caller
// advances the plan instead.
func (e *execution) launch(node Node, ch *Channel, speculative bool) bool {
	pending, err := ch.Send(e.req.Op, e.req.Body)
	if err != nil {
		e.recordCause(node, err)
		return false
	}

	e.mu.Lock()
	idx := e.attempts
	e.attempts++
	e.running++
	e.mu.Unlock()

	info := AttemptInfo{
		RequestID:   e.reqID,
		Node:        node,
		Attempt:     idx,
		Speculative: speculative,
		Start:       e.co.cfg.clock.Now(),
	}
	e.co.cfg.requestObs.AttemptStarted(info)
	e.co.logger.Debug("exec.attempt.start",
		"cid", e.reqID, "node", string(node), "attempt", idx,
		"speculative", speculative, "stream", pending.Stream())

	e.armSpeculative()
	go e.awaitAttempt(node, idx, pending, info)
	return true
}

// armSpeculative consults the policy and schedules the next parallel attempt.
// Only idempotent requests are raced: a speculative sibling re-sends the
// request while the original may already have been applied.
func (e *execution) armSpeculative() {
	if !e.req.Idempotent {
		return
	}
	e.mu.Lock()
	attempts := e.attempts
	e.mu.Unlock()
	delay, ok := e.spec.NextDelay(SpeculativeContext{Request: e.req, Attempts: attempts})
	if !ok || delay < 0 {
		return
	}
	t := e.co.cfg.clock.NewTimer(delay)
	e.mu.Lock()
	e.timers = append(e.timers, t)
	e.mu.Unlock()
	go func() {
		select {
		case <-t.C():
			if !e.completed() {
				e.co.logger.Debug("exec.speculative.fire", "cid", e.reqID)
				e.startAttempt(true)
			}
		case <-e.ctx.Done():
		}
	}()
}

// awaitAttempt waits for one attempt's outcome and applies the retry
// contract to failures.
func (e *execution) awaitAttempt(node Node, idx int, pending *Pending, info AttemptInfo) {
	frame, err := pending.Await(e.ctx)

	info.Duration = e.co.cfg.clock.Now().Sub(info.Start)
	info.Err = err
	e.co.cfg.requestObs.AttemptCompleted(info)

	if err == nil {
		e.co.logger.Debug("exec.attempt.success",
			"cid", e.reqID, "node", string(node), "attempt", idx)
		e.complete(Result{Frame: frame, Node: node}, nil)
		e.releaseRunning()
		return
	}
	if e.completed() {
		// Cancelled or raced out; the outcome is discarded.
		e.releaseRunning()
		return
	}

	kind := ClassifyError(err)
	decision := e.retry.Decide(RetryContext{
		Node:       node,
		Kind:       kind,
		Err:        err,
		Attempt:    idx,
		Idempotent: e.req.Idempotent,
	})
	if decision == RetrySame && !e.req.Idempotent && kind.AmbiguousOutcome() {
		// The policy asked to replay a request the server may already have
		// applied. Never silently; surface the original failure instead.
		e.co.logger.Warn("exec.retry.vetoed",
			"cid", e.reqID, "node", string(node), "kind", kind.String())
		decision = Rethrow
	}
	e.co.logger.Debug("exec.attempt.failed",
		"cid", e.reqID, "node", string(node), "attempt", idx,
		"kind", kind.String(), "decision", decision.String(), "error", err)

	switch decision {
	case RetrySame:
		e.retrySame(node)
	case RetryNext:
		e.recordCause(node, err)
		e.advance(false, true)
	case IgnoreError:
		e.complete(Result{Node: node}, nil)
		e.releaseRunning()
	default:
		e.complete(Result{}, err)
		e.releaseRunning()
	}
}

func (e *execution) releaseRunning() {
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
}

// retrySame re-sends on the same node as a new attempt. When the node has
// no usable channel anymore, it degrades into advancing the plan.
func (e *execution) retrySame(node Node) {
	pool := e.co.poolFor(node)
	if pool != nil {
		if ch, err := pool.Borrow(); err == nil {
			if e.launch(node, ch, false) {
				e.releaseRunning()
				return
			}
		}
	}
	e.recordCause(node, ErrPoolExhausted)
	e.advance(false, true)
}
