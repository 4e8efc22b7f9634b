package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"pkt.systems/cqlwire/wire"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindOther},
		{"busy", ErrChannelBusy, KindNoChannel},
		{"pool exhausted", fmt.Errorf("borrow: %w", ErrPoolExhausted), KindNoChannel},
		{"unavailable", &wire.ServerError{Code: wire.ErrCodeUnavailable}, KindUnavailable},
		{"overloaded", &wire.ServerError{Code: wire.ErrCodeOverloaded}, KindOverloaded},
		{"bootstrapping", &wire.ServerError{Code: wire.ErrCodeBootstrapping}, KindOverloaded},
		{"read timeout", &wire.ServerError{Code: wire.ErrCodeReadTimeout}, KindReadTimeout},
		{"write timeout", &wire.ServerError{Code: wire.ErrCodeWriteTimeout}, KindWriteTimeout},
		{"syntax", &wire.ServerError{Code: wire.ErrCodeSyntax}, KindServerFatal},
		{"unauthorized", &wire.ServerError{Code: wire.ErrCodeUnauthorized}, KindServerFatal},
		{"truncate", &wire.ServerError{Code: wire.ErrCodeTruncate}, KindOther},
		{"channel closed", fmt.Errorf("%w: %w", ErrChannelClosed, io.EOF), KindTransport},
		{"eof", io.EOF, KindTransport},
		{"unexpected eof", io.ErrUnexpectedEOF, KindTransport},
		{"net error", &net.OpError{Op: "read", Err: errors.New("connection reset")}, KindTransport},
		{"cancelled", context.Canceled, KindOther},
		{"deadline", context.DeadlineExceeded, KindOther},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("%s: ClassifyError = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestAmbiguousOutcome(t *testing.T) {
	t.Parallel()

	ambiguous := map[ErrorKind]bool{
		KindTransport:    true,
		KindWriteTimeout: true,
		KindNoChannel:    false,
		KindUnavailable:  false,
		KindOverloaded:   false,
		KindReadTimeout:  false,
		KindServerFatal:  false,
		KindOther:        false,
	}
	for kind, want := range ambiguous {
		if got := kind.AmbiguousOutcome(); got != want {
			t.Errorf("%s: AmbiguousOutcome = %v, want %v", kind, got, want)
		}
	}
}

func TestInitErrorFatal(t *testing.T) {
	t.Parallel()

	fatal := map[InitCause]bool{
		InitTransport:   false,
		InitProtocol:    false,
		InitTimeout:     false,
		InitVersion:     true,
		InitAuth:        true,
		InitUnsupported: true,
	}
	for cause, want := range fatal {
		e := &InitError{Node: "n", Cause: cause, Err: errors.New("boom")}
		if got := e.Fatal(); got != want {
			t.Errorf("%s: Fatal = %v, want %v", cause, got, want)
		}
	}
}

func TestInitErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("refused")
	e := &InitError{Node: "n", Cause: InitTransport, Err: inner}
	if !errors.Is(e, inner) {
		t.Fatal("InitError must unwrap to its cause")
	}
	if msg := e.Error(); !strings.Contains(msg, "transport") || !strings.Contains(msg, "refused") {
		t.Fatalf("message = %q", msg)
	}
}

func TestPlanExhaustedErrorMessage(t *testing.T) {
	t.Parallel()

	empty := &PlanExhaustedError{}
	if msg := empty.Error(); !strings.Contains(msg, "no candidates") {
		t.Fatalf("empty plan message = %q", msg)
	}

	e := &PlanExhaustedError{Errors: []NodeError{
		{Node: "a", Err: ErrPoolExhausted},
		{Node: "b", Err: io.EOF},
	}}
	msg := e.Error()
	if !strings.Contains(msg, "2 plan candidates") {
		t.Fatalf("message = %q", msg)
	}
	if strings.Index(msg, "a:") > strings.Index(msg, "b:") {
		t.Fatalf("causes out of plan order: %q", msg)
	}
}
