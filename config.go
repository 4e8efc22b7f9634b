package cqlwire

import (
	"context"
	"net"
	"time"

	"pkt.systems/cqlwire/internal/clock"
	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// Defaults applied when the corresponding option is not supplied.
const (
	// DefaultMaxStreams caps concurrently outstanding requests per channel.
	// The protocol allows up to wire.MaxStreams for v3+; the lower default
	// keeps one slow channel from absorbing unbounded work.
	DefaultMaxStreams = 2048
	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultInitTimeout bounds the full handshake on a new connection.
	DefaultInitTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds a logical request wall-clock from first
	// attempt start, independent of per-attempt outcomes.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultReconnectBase is the first reconnection delay after losing a
	// channel.
	DefaultReconnectBase = time.Second
	// DefaultReconnectMax caps reconnection delay growth.
	DefaultReconnectMax = time.Minute
)

// DialFunc opens the raw byte stream to a node. The default uses net.Dialer
// with the configured connect timeout; tests and unix-socket deployments
// substitute their own.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type config struct {
	logger         pslog.Logger
	version        wire.ProtoVersion
	compressor     wire.Compressor
	authenticator  Authenticator
	planner        QueryPlanner
	retryPolicy    RetryPolicy
	speculative    SpeculativeExecutionPolicy
	poolSize       PoolSizeFunc
	maxStreams     int
	connectTimeout time.Duration
	initTimeout    time.Duration
	requestTimeout time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	dial           DialFunc
	clock          clock.Clock
	requestObs     RequestObserver
	nodeObs        NodeStateObserver
	channelObs     ChannelObserver
}

func defaultConfig() *config {
	cfg := &config{
		logger:         pslog.NoopLogger(),
		version:        wire.ProtoVersion4,
		retryPolicy:    NewDefaultRetryPolicy(),
		speculative:    NoSpeculativeExecution(),
		poolSize:       SingleChannel,
		maxStreams:     DefaultMaxStreams,
		connectTimeout: DefaultConnectTimeout,
		initTimeout:    DefaultInitTimeout,
		requestTimeout: DefaultRequestTimeout,
		reconnectBase:  DefaultReconnectBase,
		reconnectMax:   DefaultReconnectMax,
		clock:          clock.Real{},
		requestObs:     NopObserver(),
		nodeObs:        NopObserver(),
		channelObs:     NopObserver(),
	}
	cfg.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.connectTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return cfg
}

// Option customises session construction.
type Option func(*config)

// WithLogger supplies a logger for driver diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(cfg *config) {
		if logger == nil {
			cfg.logger = pslog.NoopLogger()
			return
		}
		cfg.logger = logfields.WithSubsystem(logfields.Promote(logger), "cqlwire")
	}
}

// WithProtocolVersion pins the highest protocol version to negotiate from.
// The handshake still downgrades below it when the server rejects it.
func WithProtocolVersion(v wire.ProtoVersion) Option {
	return func(cfg *config) {
		if v.Supported() {
			cfg.version = v.Version()
		}
	}
}

// WithCompressor enables frame body compression. The handshake verifies the
// server advertises the algorithm before STARTUP commits to it.
func WithCompressor(c wire.Compressor) Option {
	return func(cfg *config) {
		cfg.compressor = c
	}
}

// WithAuthenticator supplies the challenge/response collaborator used when
// the server demands authentication. Without one, an AUTHENTICATE frame
// fails initialization.
func WithAuthenticator(a Authenticator) Option {
	return func(cfg *config) {
		cfg.authenticator = a
	}
}

// WithQueryPlanner replaces the default round-robin planner.
func WithQueryPlanner(p QueryPlanner) Option {
	return func(cfg *config) {
		if p != nil {
			cfg.planner = p
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *config) {
		if p != nil {
			cfg.retryPolicy = p
		}
	}
}

// WithSpeculativeExecution enables racing additional attempts per the policy.
func WithSpeculativeExecution(p SpeculativeExecutionPolicy) Option {
	return func(cfg *config) {
		if p != nil {
			cfg.speculative = p
		}
	}
}

// WithPoolSize supplies the node-distance/pool-size collaborator.
func WithPoolSize(f PoolSizeFunc) Option {
	return func(cfg *config) {
		if f != nil {
			cfg.poolSize = f
		}
	}
}

// WithMaxStreams caps concurrently in-flight requests per channel. Values
// above the protocol ceiling are clamped.
func WithMaxStreams(n int) Option {
	return func(cfg *config) {
		if n < 1 {
			return
		}
		if n > wire.MaxStreams {
			n = wire.MaxStreams
		}
		cfg.maxStreams = n
	}
}

// WithConnectTimeout bounds the TCP dial per connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.connectTimeout = d
		}
	}
}

// WithInitTimeout bounds the handshake on a freshly dialed connection.
func WithInitTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.initTimeout = d
		}
	}
}

// WithRequestTimeout sets the default logical-request wall-clock budget.
// Request.Timeout overrides it per request.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.requestTimeout = d
		}
	}
}

// WithReconnectDelays configures the exponential reconnection schedule.
func WithReconnectDelays(base, maxDelay time.Duration) Option {
	return func(cfg *config) {
		if base > 0 {
			cfg.reconnectBase = base
		}
		if maxDelay >= cfg.reconnectBase {
			cfg.reconnectMax = maxDelay
		}
	}
}

// WithDialer replaces the raw connection dialer.
func WithDialer(dial DialFunc) Option {
	return func(cfg *config) {
		if dial != nil {
			cfg.dial = dial
		}
	}
}

// withClock swaps the time source. Test-only; production always runs on the
// real clock.
func withClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithRequestObserver installs per-attempt and per-request hooks.
func WithRequestObserver(o RequestObserver) Option {
	return func(cfg *config) {
		if o != nil {
			cfg.requestObs = o
		}
	}
}

// WithNodeStateObserver installs node availability hooks.
func WithNodeStateObserver(o NodeStateObserver) Option {
	return func(cfg *config) {
		if o != nil {
			cfg.nodeObs = o
		}
	}
}

// WithChannelObserver installs channel lifecycle hooks.
func WithChannelObserver(o ChannelObserver) Option {
	return func(cfg *config) {
		if o != nil {
			cfg.channelObs = o
		}
	}
}
