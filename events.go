package cqlwire

import (
	"fmt"
	"net"

	"pkt.systems/cqlwire/wire"
)

// Event is a server-initiated push notification delivered on the reserved
// event stream, outside request/response correlation.
type Event interface {
	EventType() string
}

// TopologyChangeEvent reports a node joining or leaving the cluster.
type TopologyChangeEvent struct {
	Change string // NEW_NODE, REMOVED_NODE
	Addr   net.IP
	Port   int
}

func (TopologyChangeEvent) EventType() string {
	return wire.EventTopologyChange
}

// StatusChangeEvent reports a node going up or down.
type StatusChangeEvent struct {
	Change string // UP, DOWN
	Addr   net.IP
	Port   int
}

func (StatusChangeEvent) EventType() string {
	return wire.EventStatusChange
}

// SchemaChangeEvent reports a schema mutation.
type SchemaChangeEvent struct {
	Change    string // CREATED, UPDATED, DROPPED
	Target    string // KEYSPACE, TABLE, TYPE, FUNCTION, AGGREGATE
	Keyspace  string
	Object    string
	Arguments []string
}

func (SchemaChangeEvent) EventType() string {
	return wire.EventSchemaChange
}

// EventListener consumes decoded server events. Listeners run on the
// receiving channel's read loop and must return quickly.
type EventListener func(Event)

// DecodeEvent decodes an EVENT frame body.
func DecodeEvent(body []byte) (Event, error) {
	r := wire.NewReader(body)
	kind := r.String()
	switch kind {
	case wire.EventTopologyChange:
		change := r.String()
		addr, port := r.Inet()
		if err := r.Err(); err != nil {
			return nil, err
		}
		return TopologyChangeEvent{Change: change, Addr: addr, Port: port}, nil
	case wire.EventStatusChange:
		change := r.String()
		addr, port := r.Inet()
		if err := r.Err(); err != nil {
			return nil, err
		}
		return StatusChangeEvent{Change: change, Addr: addr, Port: port}, nil
	case wire.EventSchemaChange:
		ev := SchemaChangeEvent{
			Change:   r.String(),
			Target:   r.String(),
			Keyspace: r.String(),
		}
		switch ev.Target {
		case "KEYSPACE":
		case "FUNCTION", "AGGREGATE":
			ev.Object = r.String()
			ev.Arguments = r.StringList()
		default:
			ev.Object = r.String()
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cqlwire: unknown event type %q", kind)
	}
}

// registerBody builds the REGISTER request body subscribing to every event
// type this core routes.
func registerBody() []byte {
	return wire.AppendStringList(nil, []string{
		wire.EventTopologyChange,
		wire.EventStatusChange,
		wire.EventSchemaChange,
	})
}
