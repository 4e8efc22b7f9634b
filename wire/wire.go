// Package wire implements the frame envelope of the CQL binary protocol:
// header layout, opcodes, flag bits, body primitives, server error decoding
// and optional body compression. It deliberately stops at the envelope; the
// statement/value codecs that fill QUERY and RESULT bodies live elsewhere.
package wire

import "fmt"

// ProtoVersion identifies a protocol version byte. The high bit marks the
// frame direction (set for responses).
type ProtoVersion byte

const (
	ProtoVersion3 ProtoVersion = 0x03
	ProtoVersion4 ProtoVersion = 0x04
	ProtoVersion5 ProtoVersion = 0x05

	protoDirectionMask = 0x80
	protoVersionMask   = 0x7f
)

// Version strips the direction bit.
func (v ProtoVersion) Version() ProtoVersion {
	return v & protoVersionMask
}

// Response reports whether the direction bit marks a server response.
func (v ProtoVersion) Response() bool {
	return v&protoDirectionMask != 0
}

// Supported reports whether this library can speak the version.
func (v ProtoVersion) Supported() bool {
	ver := v.Version()
	return ver >= ProtoVersion3 && ver <= ProtoVersion5
}

func (v ProtoVersion) String() string {
	dir := "request"
	if v.Response() {
		dir = "response"
	}
	return fmt.Sprintf("v%d/%s", byte(v.Version()), dir)
}

// Flags is the header flag bitset.
type Flags byte

const (
	FlagCompressed    Flags = 0x01
	FlagTracing       Flags = 0x02
	FlagCustomPayload Flags = 0x04
	FlagWarning       Flags = 0x08
	FlagUseBeta       Flags = 0x10
)

// Opcode identifies the frame body kind.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpResult        Opcode = 0x08
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpEvent         Opcode = 0x0C
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

func (op Opcode) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("OP_0x%02X", byte(op))
	}
}

// EventStream is the reserved stream id carried by server-initiated EVENT
// frames. It never correlates to a pending request.
const EventStream int16 = -1

// MaxFrameBody caps the accepted body length. Larger frames are drained off
// the stream and rejected so that framing state stays intact.
const MaxFrameBody = 256 * 1024 * 1024

// MaxStreams is the protocol ceiling on concurrently outstanding stream ids
// for v3 and later (15-bit positive id space).
const MaxStreams = 32768

// Handshake body option keys.
const (
	StartupCQLVersionKey  = "CQL_VERSION"
	StartupCQLVersion     = "3.0.0"
	StartupCompressionKey = "COMPRESSION"
)

// Event type names delivered in EVENT bodies and subscribed via REGISTER.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"
)
