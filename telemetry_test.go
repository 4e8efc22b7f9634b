package cqlwire

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/cqlwire/wire"
)

func TestTelemetryCountsAttemptsAndRequests(t *testing.T) {
	t.Parallel()
	tel := NewTelemetry(prometheus.NewPedanticRegistry())

	tel.AttemptStarted(AttemptInfo{Node: "n1:9042"})
	tel.AttemptCompleted(AttemptInfo{
		Node:     "n1:9042",
		Duration: 3 * time.Millisecond,
	})
	tel.AttemptCompleted(AttemptInfo{
		Node:        "n2:9042",
		Speculative: true,
		Duration:    time.Millisecond,
		Err: &wire.ServerError{
			Code:    wire.ErrCodeWriteTimeout,
			Message: "timed out",
		},
	})
	tel.RequestCompleted(RequestInfo{Duration: 5 * time.Millisecond})
	tel.RequestCompleted(RequestInfo{Err: errors.New("boom")})

	if got := testutil.ToFloat64(tel.attempts.WithLabelValues("n1:9042", "ok", "false")); got != 1 {
		t.Fatalf("ok attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.attempts.WithLabelValues("n2:9042", "write_timeout", "true")); got != 1 {
		t.Fatalf("speculative write_timeout attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.requests.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.requests.WithLabelValues("other")); got != 1 {
		t.Fatalf("other requests = %v, want 1", got)
	}
}

func TestTelemetryNodeAndChannelGauges(t *testing.T) {
	t.Parallel()
	tel := NewTelemetry(prometheus.NewPedanticRegistry())

	tel.NodeUp("n1:9042")
	if got := testutil.ToFloat64(tel.nodeUp.WithLabelValues("n1:9042")); got != 1 {
		t.Fatalf("node_up after NodeUp = %v, want 1", got)
	}
	tel.NodeDown("n1:9042")
	if got := testutil.ToFloat64(tel.nodeUp.WithLabelValues("n1:9042")); got != 0 {
		t.Fatalf("node_up after NodeDown = %v, want 0", got)
	}

	tel.ChannelOpened("n1:9042")
	tel.ChannelOpened("n1:9042")
	tel.ChannelClosed("n1:9042")
	if got := testutil.ToFloat64(tel.channels.WithLabelValues("n1:9042")); got != 1 {
		t.Fatalf("channels_open = %v, want 1", got)
	}
}

func TestTelemetryNilRegisterer(t *testing.T) {
	t.Parallel()
	tel := NewTelemetry(nil)
	tel.AttemptCompleted(AttemptInfo{Node: "n1:9042"})
	tel.RequestCompleted(RequestInfo{})
	tel.NodeUp("n1:9042")
	tel.ChannelOpened("n1:9042")
}

func TestTelemetryRegistersOnce(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	tel := NewTelemetry(reg)
	tel.AttemptCompleted(AttemptInfo{Node: "n1:9042", Duration: time.Millisecond})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected gathered metric families")
	}
}
