// Package protocol implements the gateway's on-wire envelope: a
// self-describing, big-endian binary frame robust against partial reads and
// malformed input.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/SkynetNext/game-gateway/internal/buffer"
)

const (
	// Magic is the fixed 4-byte marker at offset 0 of every frame header.
	Magic uint32 = 0x12345678

	// HeaderSize is the fixed header length: magic(4) + type(4) + seq(8) +
	// ts(8) + flags(1) + body_length(4).
	HeaderSize = 4 + 4 + 8 + 8 + 1 + 4

	// MaxBodyBytes is the hard ceiling on a frame's body, before and after
	// decompression.
	MaxBodyBytes = 10 * 1024 * 1024

	// DefaultCompressThreshold is the body size above which Encode compresses.
	DefaultCompressThreshold = 1024

	flagCompressed = 1 << 0
)

var (
	// ErrMalformed covers a frame whose magic is not Magic.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrOversize covers a negative declared body length and a declared or
	// decompressed body over MaxBodyBytes.
	ErrOversize = errors.New("protocol: frame exceeds maximum body size")
	// ErrDecompressFailed covers a compressed body snappy could not decode.
	ErrDecompressFailed = errors.New("protocol: decompress failed")
)

// Frame is one application-layer message, decoded or pending encode.
type Frame struct {
	MessageType int32
	Sequence    int64
	TimestampMs int64
	Compressed  bool
	Body        []byte
}

// MessageClass is the numeric-range bucket a message type falls into.
type MessageClass int

const (
	ClassUnknown MessageClass = iota
	ClassSystemAuth
	ClassPlayer
	ClassChat
	ClassBag
	ClassBattle
	ClassGuild
	ClassActivity
	ClassError
)

// Reserved error message types, emitted in drop paths that opt into replies.
const (
	ErrorUnauthorized int32 = 9002
	ErrorServerBusy   int32 = 9003
	ErrorInternal     int32 = 9999
)

// HeartbeatMessageType is the system/auth-class keep-alive frame the
// connection manager's writer emits after write_idle with no outbound
// traffic.
const HeartbeatMessageType int32 = 1

// AuthMessageType is the system/auth frame carrying login credentials; its
// reply is AuthResponseMessageType.
const (
	AuthMessageType         int32 = 2
	AuthResponseMessageType int32 = 3
)

// Classify maps a message type to its MessageClass per the numeric ranges:
// system/auth 1-100, player 101-200, chat 201-300, bag 301-400,
// battle 401-500, guild 501-600, activity 601-700, error 9001-9999.
func Classify(messageType int32) MessageClass {
	switch {
	case messageType >= 1 && messageType <= 100:
		return ClassSystemAuth
	case messageType >= 101 && messageType <= 200:
		return ClassPlayer
	case messageType >= 201 && messageType <= 300:
		return ClassChat
	case messageType >= 301 && messageType <= 400:
		return ClassBag
	case messageType >= 401 && messageType <= 500:
		return ClassBattle
	case messageType >= 501 && messageType <= 600:
		return ClassGuild
	case messageType >= 601 && messageType <= 700:
		return ClassActivity
	case messageType >= 9001 && messageType <= 9999:
		return ClassError
	default:
		return ClassUnknown
	}
}

// RequiresAuth reports whether frames of this class must pass the auth gate.
func (c MessageClass) RequiresAuth() bool {
	return c != ClassSystemAuth
}

// Decode scans buf for complete frames, decoding as many as are present.
// It returns the decoded frames in order and the number of bytes consumed
// from the front of buf; the caller must retain buf[consumed:] (a partial
// tail) for the next call. Decode never blocks and never mutates buf.
//
// A bad magic is ErrMalformed; a negative declared body length or a
// declared or decompressed body over MaxBodyBytes is ErrOversize; a
// compressed body snappy rejects is ErrDecompressFailed. All three are
// connection-fatal — the caller must close.
func Decode(buf []byte, compressThreshold int) (frames []Frame, consumed int, err error) {
	for {
		remaining := buf[consumed:]
		if len(remaining) < HeaderSize {
			return frames, consumed, nil
		}

		magic := binary.BigEndian.Uint32(remaining[0:4])
		if magic != Magic {
			return frames, consumed, ErrMalformed
		}

		messageType := int32(binary.BigEndian.Uint32(remaining[4:8]))
		sequence := int64(binary.BigEndian.Uint64(remaining[8:16]))
		timestampMs := int64(binary.BigEndian.Uint64(remaining[16:24]))
		flags := remaining[24]
		bodyLength := int32(binary.BigEndian.Uint32(remaining[25:29]))

		if bodyLength < 0 || int(bodyLength) > MaxBodyBytes {
			return frames, consumed, ErrOversize
		}

		if len(remaining) < HeaderSize+int(bodyLength) {
			return frames, consumed, nil
		}

		rawBody := remaining[HeaderSize : HeaderSize+int(bodyLength)]
		compressed := flags&flagCompressed != 0

		var body []byte
		if compressed {
			n, dErr := snappy.DecodedLen(rawBody)
			if dErr != nil {
				return frames, consumed, fmt.Errorf("%w: %v", ErrDecompressFailed, dErr)
			}
			if n > MaxBodyBytes {
				return frames, consumed, ErrOversize
			}
			dst := make([]byte, n)
			decoded, dErr := snappy.Decode(dst, rawBody)
			if dErr != nil {
				return frames, consumed, fmt.Errorf("%w: %v", ErrDecompressFailed, dErr)
			}
			body = decoded
		} else {
			body = make([]byte, len(rawBody))
			copy(body, rawBody)
		}

		frames = append(frames, Frame{
			MessageType: messageType,
			Sequence:    sequence,
			TimestampMs: timestampMs,
			Compressed:  compressed,
			Body:        body,
		})
		consumed += HeaderSize + int(bodyLength)
	}
}

// Encode writes f to w. Bodies larger than compressThreshold are Snappy
// compressed; f itself is never mutated. compressThreshold <= 0 disables
// compression.
func Encode(w io.Writer, f Frame, compressThreshold int) error {
	body := f.Body
	compressed := false
	var pooled []byte
	if compressThreshold > 0 && len(body) > compressThreshold {
		pooled = buffer.Get()
		dst := pooled
		if cap(dst) < snappy.MaxEncodedLen(len(body)) {
			dst = make([]byte, snappy.MaxEncodedLen(len(body)))
		}
		encoded := snappy.Encode(dst, body)
		// Only adopt the compressed form if it actually shrank the frame;
		// snappy can expand incompressible input.
		if len(encoded) < len(body) {
			body = encoded
			compressed = true
		}
	}
	// pooled stays live until body (which may alias it) has been written
	// out; returning it to the pool any earlier lets another goroutine's
	// Get() overwrite it before w.Write(body) below copies it onto the wire.
	if pooled != nil {
		defer buffer.Put(pooled)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], Magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(f.MessageType))
	binary.BigEndian.PutUint64(header[8:16], uint64(f.Sequence))
	binary.BigEndian.PutUint64(header[16:24], uint64(f.TimestampMs))
	var flags byte
	if compressed {
		flags |= flagCompressed
	}
	header[24] = flags
	binary.BigEndian.PutUint32(header[25:29], uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// WriteLengthPrefixed emits the outer 4-byte big-endian length prefix (over
// header+body) that the transport stage uses to reassemble a frame before
// the codec ever sees it, then the frame itself.
func WriteLengthPrefixed(w io.Writer, f Frame, compressThreshold int) error {
	var buf countingBuffer
	if err := Encode(&buf, f, compressThreshold); err != nil {
		return err
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(buf.data)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(buf.data)
	return err
}

type countingBuffer struct{ data []byte }

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
