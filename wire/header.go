package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed v3+ frame header size in bytes.
const HeaderSize = 9

// ErrFrameTooLarge reports a frame body over MaxFrameBody. By the time the
// error is returned the oversized body has been drained from the stream, so
// framing state is intact and the connection remains usable.
var ErrFrameTooLarge = errors.New("cqlwire: frame body exceeds size limit")

// Header is the fixed-size frame header preceding every body.
type Header struct {
	Version ProtoVersion
	Flags   Flags
	Stream  int16
	Op      Opcode
	Length  uint32
}

func (h Header) String() string {
	return fmt.Sprintf("[header version=%s flags=0x%02x stream=%d op=%s length=%d]",
		h.Version, byte(h.Flags), h.Stream, h.Op, h.Length)
}

// AppendHeader serializes h onto dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, byte(h.Version), byte(h.Flags))
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Stream))
	dst = append(dst, byte(h.Op))
	return binary.BigEndian.AppendUint32(dst, h.Length)
}

// ReadHeader reads and validates one frame header from r. The scratch slice
// must hold at least HeaderSize bytes; it is reused across calls to avoid
// per-frame allocation.
func ReadHeader(r io.Reader, scratch []byte) (Header, error) {
	if len(scratch) < HeaderSize {
		scratch = make([]byte, HeaderSize)
	}
	p := scratch[:HeaderSize]
	if _, err := io.ReadFull(r, p); err != nil {
		return Header{}, err
	}
	h := Header{
		Version: ProtoVersion(p[0]),
		Flags:   Flags(p[1]),
		Stream:  int16(binary.BigEndian.Uint16(p[2:4])),
		Op:      Opcode(p[4]),
		Length:  binary.BigEndian.Uint32(p[5:9]),
	}
	if !h.Version.Supported() {
		return Header{}, fmt.Errorf("cqlwire: unsupported protocol version in frame header: 0x%02x", p[0])
	}
	if h.Length > MaxFrameBody {
		// Drain the oversized body so the next header starts clean. The
		// parsed header is returned with the error so callers can fail the
		// affected stream without giving up on the connection.
		if _, err := io.CopyN(io.Discard, r, int64(h.Length)); err != nil {
			return Header{}, fmt.Errorf("cqlwire: discard oversized frame body: %w", err)
		}
		return h, fmt.Errorf("%w: %d bytes over limit %d", ErrFrameTooLarge, h.Length, MaxFrameBody)
	}
	return h, nil
}

// Frame bundles a decoded header with its (decompressed) body.
type Frame struct {
	Header Header
	Body   []byte
	// Warnings holds decoded warning strings when the header carried the
	// warning flag; the strings have already been stripped from Body.
	Warnings []string
}

// ReadFrame reads one complete frame from r, decompressing the body with
// compr when the compressed flag is set and stripping warning strings.
func ReadFrame(r io.Reader, scratch []byte, compr Compressor) (Frame, error) {
	h, err := ReadHeader(r, scratch)
	if err != nil {
		return Frame{Header: h}, err
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("cqlwire: read frame body (%d bytes): %w", h.Length, err)
	}
	if h.Flags&FlagCompressed != 0 {
		if compr == nil {
			return Frame{}, fmt.Errorf("cqlwire: compressed frame received with no compressor negotiated")
		}
		body, err = compr.Decode(body)
		if err != nil {
			return Frame{}, fmt.Errorf("cqlwire: decompress frame body: %w", err)
		}
	}
	f := Frame{Header: h, Body: body}
	if h.Flags&FlagWarning != 0 {
		rd := NewReader(body)
		f.Warnings = rd.StringList()
		if err := rd.Err(); err != nil {
			return Frame{}, fmt.Errorf("cqlwire: decode frame warnings: %w", err)
		}
		f.Body = rd.Rest()
	}
	return f, nil
}

// WriteFrame serializes op/body as a request frame on stream and writes it to
// w in a single call. The body is compressed when compr is non-nil and the
// opcode allows it (STARTUP and OPTIONS are always sent uncompressed since
// compression is only in effect after it has been negotiated).
func WriteFrame(w io.Writer, version ProtoVersion, stream int16, op Opcode, body []byte, compr Compressor) error {
	flags := Flags(0)
	if version.Version() == ProtoVersion5 {
		flags |= FlagUseBeta
	}
	if compr != nil && op != OpStartup && op != OpOptions {
		encoded, err := compr.Encode(body)
		if err != nil {
			return fmt.Errorf("cqlwire: compress frame body: %w", err)
		}
		body = encoded
		flags |= FlagCompressed
	}
	if len(body) > MaxFrameBody {
		return fmt.Errorf("cqlwire: frame body length %d exceeds limit %d", len(body), MaxFrameBody)
	}
	buf := make([]byte, 0, HeaderSize+len(body))
	buf = AppendHeader(buf, Header{
		Version: version.Version(),
		Flags:   flags,
		Stream:  stream,
		Op:      op,
		Length:  uint32(len(body)),
	})
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
