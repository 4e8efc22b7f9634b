package cqlwire

// Node identifies one addressable cluster member as host:port. Pools, query
// plans and health signals are all keyed by this identity; the long-lived
// entity behind it is the node's connection pool, never an individual
// channel.
type Node string

func (n Node) String() string {
	return string(n)
}
