package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compressor transforms frame bodies. Name() must match the algorithm name
// the server advertises in SUPPORTED and the client sends in STARTUP.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// SnappyCompressor implements the "snappy" STARTUP option.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string {
	return "snappy"
}

func (SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// LZ4Compressor implements the "lz4" STARTUP option. The protocol prefixes
// the compressed payload with the uncompressed length as a big-endian uint32.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string {
	return "lz4"
}

func (LZ4Compressor) Encode(data []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	return buf[:4+n], nil
}

func (LZ4Compressor) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("cqlwire: lz4 block too short: %d bytes", len(data))
	}
	size := binary.BigEndian.Uint32(data)
	if size == 0 {
		return nil, nil
	}
	// The prefix is peer-controlled; bound it before allocating.
	if size > MaxFrameBody {
		return nil, fmt.Errorf("cqlwire: lz4 uncompressed length %d exceeds limit %d", size, MaxFrameBody)
	}
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
