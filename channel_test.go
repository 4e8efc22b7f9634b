package cqlwire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/cqlwire/wire"
	"pkt.systems/pslog"
)

func newTestChannel(t *testing.T, maxStreams int, events EventListener, onClose func(*Channel, error)) (*Channel, net.Conn, <-chan wire.Frame) {
	t.Helper()
	client, server := net.Pipe()
	c := newChannel(client, "node-1:9042", wire.ProtoVersion4, nil, maxStreams,
		pslog.NoopLogger(), events, onClose)
	t.Cleanup(func() {
		c.Close()
		_ = server.Close()
	})
	// net.Pipe writes block until read, so the server side pumps frames
	// continuously for the tests to consume.
	frames := make(chan wire.Frame, 16)
	go func() {
		for {
			f, err := wire.ReadFrame(server, nil, nil)
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()
	return c, server, frames
}

func nextFrame(t *testing.T, frames <-chan wire.Frame) wire.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("server connection closed before frame arrived")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no request frame within timeout")
		return wire.Frame{}
	}
}

func TestChannelOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	c, server, frames := newTestChannel(t, 8, nil, nil)
	first, err := c.Send(wire.OpQuery, []byte("q1"))
	if err != nil {
		t.Fatalf("Send q1: %v", err)
	}
	f1 := nextFrame(t, frames)
	second, err := c.Send(wire.OpQuery, []byte("q2"))
	if err != nil {
		t.Fatalf("Send q2: %v", err)
	}
	f2 := nextFrame(t, frames)
	if f1.Header.Stream == f2.Header.Stream {
		t.Fatalf("both requests on stream %d", f1.Header.Stream)
	}

	// Answer the second request first.
	if err := writeServerFrame(server, wire.ProtoVersion4, f2.Header.Stream, wire.OpResult, []byte("r2")); err != nil {
		t.Fatalf("write r2: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r2, err := second.Await(ctx)
	if err != nil {
		t.Fatalf("Await q2: %v", err)
	}
	if string(r2.Body) != "r2" {
		t.Fatalf("q2 body = %q, want r2", r2.Body)
	}

	if err := writeServerFrame(server, wire.ProtoVersion4, f1.Header.Stream, wire.OpResult, []byte("r1")); err != nil {
		t.Fatalf("write r1: %v", err)
	}
	r1, err := first.Await(ctx)
	if err != nil {
		t.Fatalf("Await q1: %v", err)
	}
	if string(r1.Body) != "r1" {
		t.Fatalf("q1 body = %q, want r1", r1.Body)
	}
	if c.InFlight() != 0 {
		t.Fatalf("InFlight = %d after both completions", c.InFlight())
	}
}

func TestChannelBusyWhenStreamsExhausted(t *testing.T) {
	t.Parallel()

	c, _, frames := newTestChannel(t, 1, nil, nil)
	if _, err := c.Send(wire.OpQuery, []byte("q1")); err != nil {
		t.Fatalf("Send q1: %v", err)
	}
	nextFrame(t, frames)

	if _, err := c.Send(wire.OpQuery, []byte("q2")); !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("Send with exhausted streams = %v, want ErrChannelBusy", err)
	}
	if c.Available() {
		t.Fatal("channel with every stream outstanding must not report available")
	}
}

func TestChannelCloseFailsPendingOnce(t *testing.T) {
	t.Parallel()

	var closes atomic.Int64
	var cause atomic.Value
	c, server, frames := newTestChannel(t, 8, nil, func(_ *Channel, err error) {
		closes.Add(1)
		if err != nil {
			cause.Store(err)
		}
	})

	pending, err := c.Send(wire.OpQuery, []byte("q"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	nextFrame(t, frames)
	_ = server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pending.Await(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Await after peer close = %v, want ErrChannelClosed", err)
	}

	<-c.Done()
	if got := c.State(); got != ChannelClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	c.Close()
	c.Close()
	if n := closes.Load(); n != 1 {
		t.Fatalf("onClose ran %d times, want 1", n)
	}
	if cause.Load() == nil {
		t.Fatal("onClose cause missing for peer-initiated close")
	}
	if _, err := c.Send(wire.OpQuery, nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send on closed channel = %v, want ErrChannelClosed", err)
	}
}

func TestChannelCancelledStreamNotReused(t *testing.T) {
	t.Parallel()

	c, server, frames := newTestChannel(t, 1, nil, nil)
	pending, err := c.Send(wire.OpQuery, []byte("q"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := nextFrame(t, frames)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pending.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await with cancelled ctx = %v, want context.Canceled", err)
	}

	// The id stays reserved: the server may still answer on it.
	if _, err := c.Send(wire.OpQuery, []byte("q2")); !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("Send while id is orphaned = %v, want ErrChannelBusy", err)
	}

	// The late response reclaims the id without delivering to anyone.
	if err := writeServerFrame(server, wire.ProtoVersion4, req.Header.Stream, wire.OpResult, nil); err != nil {
		t.Fatalf("write late response: %v", err)
	}
	waitFor(t, 5*time.Second, c.Available, "stream id never reclaimed after late response")

	retry, err := c.Send(wire.OpQuery, []byte("q3"))
	if err != nil {
		t.Fatalf("Send after reclaim: %v", err)
	}
	if retry.Stream() != req.Header.Stream {
		t.Fatalf("reclaimed stream = %d, want %d", retry.Stream(), req.Header.Stream)
	}
}

func TestChannelDispatchesEvents(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	_, server, _ := newTestChannel(t, 8, func(ev Event) { events <- ev }, nil)

	body := wire.AppendString(nil, wire.EventStatusChange)
	body = wire.AppendString(body, "DOWN")
	body = append(body, 4, 10, 0, 0, 2)
	body = wire.AppendInt(body, 9042)
	if err := writeServerFrame(server, wire.ProtoVersion4, wire.EventStream, wire.OpEvent, body); err != nil {
		t.Fatalf("write event: %v", err)
	}

	select {
	case ev := <-events:
		sc, ok := ev.(StatusChangeEvent)
		if !ok {
			t.Fatalf("event type = %T", ev)
		}
		if sc.Change != "DOWN" || sc.Addr.String() != "10.0.0.2" || sc.Port != 9042 {
			t.Fatalf("event = %+v", sc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event dispatched")
	}
}

func TestChannelDeliversServerError(t *testing.T) {
	t.Parallel()

	c, server, frames := newTestChannel(t, 8, nil, nil)
	pending, err := c.Send(wire.OpQuery, []byte("q"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := nextFrame(t, frames)
	if err := writeServerFrame(server, wire.ProtoVersion4, req.Header.Stream, wire.OpError, unavailableBody()); err != nil {
		t.Fatalf("write error frame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = pending.Await(ctx)
	var srv *wire.ServerError
	if !errors.As(err, &srv) {
		t.Fatalf("Await = %v, want *wire.ServerError", err)
	}
	if srv.Code != wire.ErrCodeUnavailable {
		t.Fatalf("code = 0x%04x, want UNAVAILABLE", int32(srv.Code))
	}
	if _, ok := srv.Detail.(*wire.UnavailableDetail); !ok {
		t.Fatalf("detail type = %T", srv.Detail)
	}
	// The error frame still frees the stream for reuse.
	if c.InFlight() != 0 {
		t.Fatalf("InFlight = %d after error response", c.InFlight())
	}
}

func TestChannelIgnoresUnknownStream(t *testing.T) {
	t.Parallel()

	c, server, frames := newTestChannel(t, 8, nil, nil)
	if err := writeServerFrame(server, wire.ProtoVersion4, 17, wire.OpResult, nil); err != nil {
		t.Fatalf("write spurious frame: %v", err)
	}
	// Framing must survive: a real request still completes afterwards.
	pending, err := c.Send(wire.OpQuery, []byte("q"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := nextFrame(t, frames)
	if err := writeServerFrame(server, wire.ProtoVersion4, req.Header.Stream, wire.OpResult, []byte("ok")); err != nil {
		t.Fatalf("write response: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := pending.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("body = %q", res.Body)
	}
}

// zeroReader yields an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestChannelSurvivesOversizedResponse(t *testing.T) {
	t.Parallel()

	c, server, frames := newTestChannel(t, 8, nil, nil)
	pending, err := c.Send(wire.OpQuery, []byte("q1"))
	if err != nil {
		t.Fatalf("Send q1: %v", err)
	}
	req := nextFrame(t, frames)

	// Respond on the right stream but claim a body over the frame limit.
	// The channel must drain it, fail only that stream, and keep serving.
	const bodyLen = int64(wire.MaxFrameBody) + 1
	hdr := wire.AppendHeader(nil, wire.Header{
		Version: wire.ProtoVersion4.Version() | 0x80,
		Stream:  req.Header.Stream,
		Op:      wire.OpResult,
		Length:  uint32(bodyLen),
	})
	writeErr := make(chan error, 1)
	go func() {
		if _, err := server.Write(hdr); err != nil {
			writeErr <- err
			return
		}
		_, err := io.CopyN(server, zeroReader{}, bodyLen)
		writeErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := pending.Await(ctx); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Fatalf("Await = %v, want wire.ErrFrameTooLarge", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writing oversized body: %v", err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("InFlight = %d after failed stream", c.InFlight())
	}

	// The connection stays usable for the next request.
	second, err := c.Send(wire.OpQuery, []byte("q2"))
	if err != nil {
		t.Fatalf("Send q2: %v", err)
	}
	req2 := nextFrame(t, frames)
	if err := writeServerFrame(server, wire.ProtoVersion4, req2.Header.Stream, wire.OpResult, []byte("ok")); err != nil {
		t.Fatalf("write response: %v", err)
	}
	res, err := second.Await(ctx)
	if err != nil {
		t.Fatalf("Await q2: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("body = %q", res.Body)
	}
}
