package wire

import (
	"fmt"
	"strings"
)

// ErrorCode is a server-reported error code from an ERROR frame body.
type ErrorCode int32

const (
	ErrCodeServer        ErrorCode = 0x0000
	ErrCodeProtocol      ErrorCode = 0x000A
	ErrCodeCredentials   ErrorCode = 0x0100
	ErrCodeUnavailable   ErrorCode = 0x1000
	ErrCodeOverloaded    ErrorCode = 0x1001
	ErrCodeBootstrapping ErrorCode = 0x1002
	ErrCodeTruncate      ErrorCode = 0x1003
	ErrCodeWriteTimeout  ErrorCode = 0x1100
	ErrCodeReadTimeout   ErrorCode = 0x1200
	ErrCodeSyntax        ErrorCode = 0x2000
	ErrCodeUnauthorized  ErrorCode = 0x2100
	ErrCodeInvalid       ErrorCode = 0x2200
	ErrCodeConfig        ErrorCode = 0x2300
	ErrCodeAlreadyExists ErrorCode = 0x2400
	ErrCodeUnprepared    ErrorCode = 0x2500
)

// ServerError is a decoded ERROR frame. Codes carrying extra payload decode
// it into the typed Detail variants below.
type ServerError struct {
	Code    ErrorCode
	Message string
	Detail  any
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("cqlwire: server error 0x%04x: %s", int32(e.Code), e.Message)
}

// UnavailableDetail carries the payload of an UNAVAILABLE error.
type UnavailableDetail struct {
	Consistency uint16
	Required    int32
	Alive       int32
}

// WriteTimeoutDetail carries the payload of a WRITE_TIMEOUT error. WriteType
// distinguishes outcomes the retry contract cares about: "BATCH_LOG" failures
// happened before the mutation was applied.
type WriteTimeoutDetail struct {
	Consistency uint16
	Received    int32
	BlockFor    int32
	WriteType   string
}

// ReadTimeoutDetail carries the payload of a READ_TIMEOUT error.
type ReadTimeoutDetail struct {
	Consistency uint16
	Received    int32
	BlockFor    int32
	DataPresent bool
}

// DecodeError decodes an ERROR frame body into a ServerError.
func DecodeError(body []byte) (*ServerError, error) {
	r := NewReader(body)
	e := &ServerError{
		Code:    ErrorCode(r.Int()),
		Message: r.String(),
	}
	switch e.Code {
	case ErrCodeUnavailable:
		e.Detail = &UnavailableDetail{
			Consistency: r.Short(),
			Required:    r.Int(),
			Alive:       r.Int(),
		}
	case ErrCodeWriteTimeout:
		e.Detail = &WriteTimeoutDetail{
			Consistency: r.Short(),
			Received:    r.Int(),
			BlockFor:    r.Int(),
			WriteType:   r.String(),
		}
	case ErrCodeReadTimeout:
		e.Detail = &ReadTimeoutDetail{
			Consistency: r.Short(),
			Received:    r.Int(),
			BlockFor:    r.Int(),
			DataPresent: r.Byte() != 0,
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cqlwire: decode error frame: %w", err)
	}
	return e, nil
}

// Fatal reports whether the server error can never succeed on any retry of
// the same request (syntax, authorization, schema-level failures).
func (e *ServerError) Fatal() bool {
	switch e.Code {
	case ErrCodeSyntax, ErrCodeInvalid, ErrCodeUnauthorized, ErrCodeConfig,
		ErrCodeAlreadyExists, ErrCodeCredentials:
		return true
	}
	return false
}

// UnsupportedVersion reports whether the error is the server rejecting the
// STARTUP protocol version, which drives the handshake downgrade loop.
func (e *ServerError) UnsupportedVersion() bool {
	if e.Code != ErrCodeProtocol {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "protocol version")
}
