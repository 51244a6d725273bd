// Package ipc implements the length-prefixed msgpack framing used between
// the producer process and the sync daemon.
//
// Each frame is a 4-byte big-endian payload length followed by a msgpack
// payload. The producer writes Record frames; the daemon answers with
// Result frames on the reverse stream.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/runsync/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorEncode indicates a msgpack encoding error.
	FrameErrorEncode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorEncode:
		return "encode"
	}
	return "unknown"
}

// FrameError represents a framing or codec error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot continue after this error.
// Partial and oversized frames desynchronize the stream; there is no resync.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed frames from a stream.
type FrameDecoder struct {
	reader *bufio.Reader
}

// NewFrameDecoder creates a new frame decoder.
// The reader is buffered, so small pipe reads are batched.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame reads a single frame from the stream and returns its payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}
	return payload, nil
}

// FrameEncoder writes length-prefixed frames. Safe for concurrent use;
// each frame is written atomically with respect to other WriteFrame calls.
type FrameEncoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{w: w}
}

// WriteFrame writes payload with its length prefix.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteResult encodes and writes a Result frame.
func (e *FrameEncoder) WriteResult(result *types.Result) error {
	payload, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// WriteRecord encodes and writes a Record frame.
func (e *FrameEncoder) WriteRecord(rec *types.Record) error {
	payload, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// DecodeRecord decodes a payload as a Record.
func DecodeRecord(payload []byte) (*types.Record, error) {
	var rec types.Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode record",
			Err:  err,
		}
	}
	return &rec, nil
}

// EncodeRecord encodes a Record payload.
func EncodeRecord(rec *types.Record) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode record", Err: err}
	}
	return payload, nil
}

// DecodeResult decodes a payload as a Result.
func DecodeResult(payload []byte) (*types.Result, error) {
	var result types.Result
	if err := msgpack.Unmarshal(payload, &result); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode result",
			Err:  err,
		}
	}
	return &result, nil
}

// EncodeResult encodes a Result payload.
func EncodeResult(result *types.Result) ([]byte, error) {
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode result", Err: err}
	}
	return payload, nil
}
