// Package codec packs compact workflow events into a self-describing archive
// envelope: a deterministic CBOR map carrying the concatenated 32-byte
// records, optionally compressed.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/veil/internal/event"
)

// Version is the envelope format version.
const Version = 1

var (
	ErrUnsupportedVersion = errors.New("codec: unsupported envelope version")
	ErrCorrupt            = errors.New("codec: archive corrupt")
)

// Compression names the payload compression.
type Compression string

const (
	None Compression = "none"
	LZ4  Compression = "lz4"
	Zstd Compression = "zstd"
)

// ParseCompression accepts "none", "lz4" or "zstd". Empty means zstd.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return Zstd, nil
	case None, LZ4, Zstd:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

// Envelope is the on-disk archive layout.
type Envelope struct {
	Version       uint8       `cbor:"1,keyasint"`
	FormatVersion uint8       `cbor:"2,keyasint"`
	Count         int         `cbor:"3,keyasint"`
	Compression   Compression `cbor:"4,keyasint"`
	RawSize       int         `cbor:"5,keyasint"`
	Digest        []byte      `cbor:"6,keyasint"`
	Payload       []byte      `cbor:"7,keyasint"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode packs events into an envelope. Payloads that do not shrink are
// stored uncompressed and the envelope records that.
func Encode(events []event.CompactWorkflowEvent, c Compression) ([]byte, error) {
	raw := make([]byte, len(events)*event.RecordSize)
	for i, e := range events {
		e.MarshalTo(raw[i*event.RecordSize:])
	}
	digest := blake3.Sum256(raw)

	env := Envelope{
		Version:       Version,
		FormatVersion: event.FormatVersion,
		Count:         len(events),
		Compression:   None,
		RawSize:       len(raw),
		Digest:        digest[:],
		Payload:       raw,
	}

	var compressed []byte
	switch c {
	case None:
	case LZ4:
		compressed = compressLZ4(raw)
	case Zstd:
		compressed = zstdEncoder.EncodeAll(raw, nil)
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	if compressed != nil && len(compressed) < len(raw) {
		env.Compression = c
		env.Payload = compressed
	}

	return encMode.Marshal(env)
}

// Decode unpacks an envelope produced by Encode and verifies its digest.
func Decode(data []byte) ([]event.CompactWorkflowEvent, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != Version || env.FormatVersion != event.FormatVersion {
		return nil, fmt.Errorf("%w: envelope %d, records %d", ErrUnsupportedVersion, env.Version, env.FormatVersion)
	}
	if env.RawSize != env.Count*event.RecordSize {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrCorrupt, env.Count, env.RawSize)
	}

	raw, err := decompress(env)
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(raw)
	if !bytes.Equal(digest[:], env.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	events := make([]event.CompactWorkflowEvent, env.Count)
	for i := range events {
		events[i], err = event.Unmarshal(raw[i*event.RecordSize : (i+1)*event.RecordSize])
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

func decompress(env Envelope) ([]byte, error) {
	switch env.Compression {
	case None:
		if len(env.Payload) != env.RawSize {
			return nil, fmt.Errorf("%w: payload is %d bytes, expected %d", ErrCorrupt, len(env.Payload), env.RawSize)
		}
		return env.Payload, nil
	case LZ4:
		out := make([]byte, env.RawSize)
		n, err := lz4.UncompressBlock(env.Payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if n != env.RawSize {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrCorrupt, n, env.RawSize)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(env.Payload, make([]byte, 0, env.RawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(out) != env.RawSize {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", ErrCorrupt, len(out), env.RawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrCorrupt, env.Compression)
	}
}

// compressLZ4 returns nil when the block does not compress.
func compressLZ4(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 {
		return nil
	}
	return dst[:n]
}
