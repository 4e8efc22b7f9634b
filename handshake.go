package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"pkt.systems/cqlwire/internal/logfields"
	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

// initializer drives one freshly dialed connection to ready. The exchange is
// fully sequential: exactly one request frame is outstanding at any point,
// always on stream 0, until the connection is handed to a Channel.
type initializer struct {
	cfg     *config
	node    Node
	conn    net.Conn
	logger  pslog.Logger
	scratch []byte
}

// initializeConn negotiates protocol version, compression and authentication
// on conn. On success it returns the negotiated version and leaves conn live
// with its deadline cleared; on failure conn is closed before the classified
// InitError is returned, so the caller never holds an ambiguous connection.
func initializeConn(ctx context.Context, cfg *config, node Node, conn net.Conn) (wire.ProtoVersion, error) {
	init := &initializer{
		cfg:     cfg,
		node:    node,
		conn:    conn,
		logger:  logfields.WithSubsystem(cfg.logger, "init").With(logfields.NodeKey, string(node)),
		scratch: make([]byte, wire.HeaderSize),
	}
	version, err := init.run(ctx)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return 0, init.fail(InitTransport, fmt.Errorf("clear deadline: %w", err))
	}
	return version, nil
}

func (i *initializer) run(ctx context.Context) (wire.ProtoVersion, error) {
	deadline := time.Now().Add(i.cfg.initTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := i.conn.SetDeadline(deadline); err != nil {
		return 0, i.fail(InitTransport, fmt.Errorf("set deadline: %w", err))
	}

	if i.cfg.compressor != nil {
		if err := i.checkSupported(); err != nil {
			return 0, err
		}
	}

	version := i.cfg.version
	for {
		if err := i.write(version, wire.OpStartup, i.startupBody()); err != nil {
			return 0, err
		}
		f, err := i.read()
		if err != nil {
			return 0, err
		}
		switch f.Header.Op {
		case wire.OpReady:
			i.logger.Debug("init.ready", "version", version.String())
			return version, nil
		case wire.OpAuthenticate:
			if err := i.authenticate(version, f.Body); err != nil {
				return 0, err
			}
			i.logger.Debug("init.ready", "version", version.String(), "authenticated", true)
			return version, nil
		case wire.OpError:
			srvErr, decodeErr := wire.DecodeError(f.Body)
			if decodeErr != nil {
				return 0, i.fail(InitProtocol, decodeErr)
			}
			if srvErr.UnsupportedVersion() {
				if version.Version() > wire.ProtoVersion3 {
					next := version.Version() - 1
					i.logger.Debug("init.version.downgrade",
						"rejected", version.String(), "next", next.String())
					version = next
					continue
				}
				return 0, i.fail(InitVersion,
					fmt.Errorf("no mutually supported protocol version: %w", srvErr))
			}
			if srvErr.Code == wire.ErrCodeCredentials {
				return 0, i.fail(InitAuth, srvErr)
			}
			return 0, i.fail(InitProtocol, srvErr)
		default:
			return 0, i.fail(InitProtocol,
				fmt.Errorf("unexpected startup response opcode %s", f.Header.Op))
		}
	}
}

// checkSupported sends OPTIONS and verifies the server advertises the
// configured compression algorithm, failing fast instead of sending a
// STARTUP doomed to be rejected.
func (i *initializer) checkSupported() error {
	if err := i.write(i.cfg.version, wire.OpOptions, nil); err != nil {
		return err
	}
	f, err := i.read()
	if err != nil {
		return err
	}
	if f.Header.Op != wire.OpSupported {
		return i.fail(InitProtocol,
			fmt.Errorf("unexpected OPTIONS response opcode %s", f.Header.Op))
	}
	r := wire.NewReader(f.Body)
	supported := r.StringMultiMap()
	if err := r.Err(); err != nil {
		return i.fail(InitProtocol, fmt.Errorf("decode SUPPORTED: %w", err))
	}
	want := i.cfg.compressor.Name()
	for _, algo := range supported[wire.StartupCompressionKey] {
		if strings.EqualFold(algo, want) {
			return nil
		}
	}
	return i.fail(InitUnsupported,
		fmt.Errorf("server does not support %q compression (offers %v)",
			want, supported[wire.StartupCompressionKey]))
}

func (i *initializer) startupBody() []byte {
	opts := map[string]string{
		wire.StartupCQLVersionKey: wire.StartupCQLVersion,
	}
	if i.cfg.compressor != nil {
		opts[wire.StartupCompressionKey] = i.cfg.compressor.Name()
	}
	return wire.AppendStringMap(nil, opts)
}

// authenticate runs the challenge/response loop after an AUTHENTICATE frame.
func (i *initializer) authenticate(version wire.ProtoVersion, body []byte) error {
	r := wire.NewReader(body)
	class := r.String()
	if err := r.Err(); err != nil {
		return i.fail(InitProtocol, fmt.Errorf("decode AUTHENTICATE: %w", err))
	}
	if i.cfg.authenticator == nil {
		return i.fail(InitAuth,
			fmt.Errorf("server requires authentication (%s) but no authenticator is configured", class))
	}
	token, err := i.cfg.authenticator.InitialResponse(class)
	if err != nil {
		return i.fail(InitAuth, fmt.Errorf("initial response: %w", err))
	}
	for {
		if err := i.write(version, wire.OpAuthResponse, wire.AppendBytes(nil, token)); err != nil {
			return err
		}
		f, err := i.read()
		if err != nil {
			return err
		}
		switch f.Header.Op {
		case wire.OpAuthSuccess, wire.OpReady:
			return nil
		case wire.OpAuthChallenge:
			cr := wire.NewReader(f.Body)
			challenge := cr.Bytes()
			if err := cr.Err(); err != nil {
				return i.fail(InitProtocol, fmt.Errorf("decode AUTH_CHALLENGE: %w", err))
			}
			token, err = i.cfg.authenticator.EvaluateChallenge(challenge)
			if err != nil {
				return i.fail(InitAuth, fmt.Errorf("evaluate challenge: %w", err))
			}
		case wire.OpError:
			srvErr, decodeErr := wire.DecodeError(f.Body)
			if decodeErr != nil {
				return i.fail(InitProtocol, decodeErr)
			}
			return i.fail(InitAuth, srvErr)
		default:
			return i.fail(InitProtocol,
				fmt.Errorf("unexpected auth response opcode %s", f.Header.Op))
		}
	}
}

func (i *initializer) write(version wire.ProtoVersion, op wire.Opcode, body []byte) error {
	if err := wire.WriteFrame(i.conn, version, 0, op, body, i.cfg.compressor); err != nil {
		return i.classifyIO(fmt.Errorf("write %s: %w", op, err))
	}
	return nil
}

func (i *initializer) read() (wire.Frame, error) {
	f, err := wire.ReadFrame(i.conn, i.scratch, i.cfg.compressor)
	if err != nil {
		return wire.Frame{}, i.classifyIO(fmt.Errorf("read handshake frame: %w", err))
	}
	return f, nil
}

func (i *initializer) classifyIO(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return i.fail(InitTimeout, err)
	}
	return i.fail(InitTransport, err)
}

func (i *initializer) fail(cause InitCause, err error) error {
	i.logger.Debug("init.failed", "cause", cause.String(), "error", err)
	return &InitError{Node: i.node, Cause: cause, Err: err}
}
