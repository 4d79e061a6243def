// Package codec compresses snapshot state for storage and caching.
//
// Encoded blobs carry a one-byte tag so incompressible input is stored as-is
// and older blobs stay readable if the algorithm changes.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

type Tag uint8

const (
	TagNone Tag = 0
	TagZstd Tag = 1
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

var ErrCorrupt = errors.New("codec: corrupt blob")

// Encoder and decoder are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns a tagged blob, zstd-compressed unless that does not
// shrink data.
func Compress(data []byte) []byte {
	out := make([]byte, 1, len(data)/2+1)
	out[0] = byte(TagZstd)
	out = encoder.EncodeAll(data, out)
	if len(out) >= len(data)+1 {
		out = make([]byte, 1, len(data)+1)
		out[0] = byte(TagNone)
		out = append(out, data...)
	}
	return out
}

func Decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrCorrupt
	}
	switch tag := Tag(blob[0]); tag {
	case TagNone:
		return append([]byte(nil), blob[1:]...), nil
	case TagZstd:
		out, err := decoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %s", ErrCorrupt, tag)
	}
}
