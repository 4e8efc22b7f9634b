package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrShortBody reports a body that ended before a declared value.
var ErrShortBody = errors.New("cqlwire: frame body truncated")

// Reader decodes protocol primitives from a frame body. Errors are sticky:
// after the first failure every subsequent read returns a zero value and
// Err() reports the original cause, which keeps decode call sites linear.
type Reader struct {
	buf []byte
	err error
}

// NewReader wraps a frame body for primitive decoding.
func NewReader(body []byte) *Reader {
	return &Reader{buf: body}
}

// Err returns the first decode failure, if any.
func (r *Reader) Err() error {
	return r.err
}

// Rest returns the undecoded remainder of the body.
func (r *Reader) Rest() []byte {
	return r.buf
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortBody, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

// Byte decodes a single byte.
func (r *Reader) Byte() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Short decodes an unsigned 16-bit big-endian integer.
func (r *Reader) Short() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

// Int decodes a signed 32-bit big-endian integer.
func (r *Reader) Int() int32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

// String decodes a [string]: short length followed by UTF-8 bytes.
func (r *Reader) String() string {
	n := int(r.Short())
	p := r.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

// Bytes decodes a [bytes]: int length (negative means null) plus payload.
func (r *Reader) Bytes() []byte {
	n := r.Int()
	if r.err != nil || n < 0 {
		return nil
	}
	p := r.take(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// StringList decodes a [string list].
func (r *Reader) StringList() []string {
	n := int(r.Short())
	if r.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.String())
	}
	return out
}

// StringMultiMap decodes a [string multimap] as sent in SUPPORTED.
func (r *Reader) StringMultiMap() map[string][]string {
	n := int(r.Short())
	if r.err != nil {
		return nil
	}
	out := make(map[string][]string, n)
	for i := 0; i < n; i++ {
		key := r.String()
		out[key] = r.StringList()
	}
	return out
}

// Inet decodes an [inet]: one size byte, 4 or 16 address bytes, int port.
func (r *Reader) Inet() (net.IP, int) {
	size := int(r.Byte())
	if r.err != nil {
		return nil, 0
	}
	if size != 4 && size != 16 {
		r.err = fmt.Errorf("cqlwire: invalid inet address size %d", size)
		return nil, 0
	}
	p := r.take(size)
	if p == nil {
		return nil, 0
	}
	ip := make(net.IP, size)
	copy(ip, p)
	return ip, int(r.Int())
}

// AppendShort appends an unsigned 16-bit big-endian integer.
func AppendShort(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// AppendInt appends a signed 32-bit big-endian integer.
func AppendInt(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

// AppendString appends a [string].
func AppendString(dst []byte, s string) []byte {
	dst = AppendShort(dst, uint16(len(s)))
	return append(dst, s...)
}

// AppendBytes appends a [bytes]; nil encodes as null (length -1).
func AppendBytes(dst []byte, p []byte) []byte {
	if p == nil {
		return AppendInt(dst, -1)
	}
	dst = AppendInt(dst, int32(len(p)))
	return append(dst, p...)
}

// AppendStringList appends a [string list].
func AppendStringList(dst []byte, list []string) []byte {
	dst = AppendShort(dst, uint16(len(list)))
	for _, s := range list {
		dst = AppendString(dst, s)
	}
	return dst
}

// AppendStringMap appends a [string map] as sent in STARTUP.
func AppendStringMap(dst []byte, m map[string]string) []byte {
	dst = AppendShort(dst, uint16(len(m)))
	for k, v := range m {
		dst = AppendString(dst, k)
		dst = AppendString(dst, v)
	}
	return dst
}
