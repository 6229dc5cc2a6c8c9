// Package protocol defines the measurement wire format: length-prefixed TCP
// frames for throughput sessions and fixed-size UDP echo packets for latency
// probes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const Version = 1

type FrameType uint8

const (
	FrameHello        FrameType = 0x01
	FrameHelloAck     FrameType = 0x02
	FrameData         FrameType = 0x03
	FrameProgress     FrameType = 0x04
	FrameStop         FrameType = 0x05
	FrameDownloadDone FrameType = 0x06
	FrameUploadAck    FrameType = 0x07
	FrameUploadDone   FrameType = 0x08
	FrameSummary      FrameType = 0x09
	FrameError        FrameType = 0x0A
)

const (
	FrameHeaderSize = 1 + 4
	MaxControlSize  = 64 * 1024
	MaxDataSize     = 1 << 20
)

var (
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrUnknownFrame    = errors.New("unknown frame type")
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameHelloAck:
		return "hello_ack"
	case FrameData:
		return "data"
	case FrameProgress:
		return "progress"
	case FrameStop:
		return "stop"
	case FrameDownloadDone:
		return "download_done"
	case FrameUploadAck:
		return "upload_ack"
	case FrameUploadDone:
		return "upload_done"
	case FrameSummary:
		return "summary"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("frame(0x%02x)", uint8(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameHello && t <= FrameError
}

// Reject codes carried in HelloAck and Error frames.
const (
	CodeBusy               = "busy"
	CodeInvalidDuration    = "invalid_duration"
	CodeInvalidChunkSize   = "invalid_chunk_size"
	CodeMalformed          = "malformed"
	CodeUnsupportedVersion = "unsupported_version"
	CodeTimeout            = "timeout"
	CodeProtocol           = "protocol"
	CodeInternal           = "internal"
)

type Hello struct {
	Version    int   `json:"version"`
	DurationS  int   `json:"duration_s"`
	ChunkSize  int64 `json:"chunk_size"`
	UploadOnly bool  `json:"upload_only,omitempty"`
}

type HelloAck struct {
	Accepted           bool   `json:"accepted"`
	SessionID          string `json:"session_id,omitempty"`
	ProgressIntervalMs int64  `json:"progress_interval_ms,omitempty"`
	Code               string `json:"code,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

type Progress struct {
	Bytes     int64   `json:"bytes"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Mbps      float64 `json:"mbps"`
	TCPRTTMs  float64 `json:"tcp_rtt_ms,omitempty"`
}

type UploadAck struct {
	Bytes     int64 `json:"bytes"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

type Summary struct {
	DownloadBytes int64   `json:"download_bytes"`
	UploadBytes   int64   `json:"upload_bytes"`
	DownloadMbps  float64 `json:"download_mbps"`
}

// Mbps converts a payload byte count over elapsed wall time into megabits
// per second. Frame headers are never counted.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds() / 1e6
}

// RejectError is a protocol-level refusal reported by the peer.
type RejectError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return "rejected: " + e.Code
	}
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Reason)
}

func NewRejectError(code, reason string) *RejectError {
	return &RejectError{Code: code, Reason: reason}
}

// Frame is a decoded frame. Payload aliases the reader's buffer and is only
// valid until the next ReadFrame call.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Decode unmarshals a control payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// Writer encodes frames onto an io.Writer. It is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	header [FrameHeaderSize]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (fw *Writer) WriteFrame(t FrameType, payload []byte) error {
	limit := MaxControlSize
	if t == FrameData {
		limit = MaxDataSize
	}
	if len(payload) > limit {
		return ErrFrameTooLarge
	}
	fw.header[0] = byte(t)
	binary.BigEndian.PutUint32(fw.header[1:], uint32(len(payload)))
	if len(payload) == 0 {
		_, err := fw.w.Write(fw.header[:])
		return err
	}
	// Header and payload go out in one writev on a net.Conn.
	bufs := net.Buffers{fw.header[:], payload}
	_, err := bufs.WriteTo(fw.w)
	return err
}

// WriteJSON marshals v as the payload of a control frame.
func (fw *Writer) WriteJSON(t FrameType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	return fw.WriteFrame(t, payload)
}

// Reader decodes frames from an io.Reader, enforcing size caps before any
// payload is read.
type Reader struct {
	r       io.Reader
	maxData int
	header  [FrameHeaderSize]byte
	buf     []byte
}

// NewReader returns a Reader accepting data payloads up to maxData bytes.
func NewReader(r io.Reader, maxData int) *Reader {
	if maxData <= 0 || maxData > MaxDataSize {
		maxData = MaxDataSize
	}
	return &Reader{r: r, maxData: maxData}
}

// SetMaxData narrows the data payload cap once a chunk size is negotiated.
func (fr *Reader) SetMaxData(n int) {
	if n > 0 && n <= MaxDataSize {
		fr.maxData = n
	}
}

func (fr *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return Frame{}, err
	}
	t := FrameType(fr.header[0])
	if !t.valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, fr.header[0])
	}
	length := int(binary.BigEndian.Uint32(fr.header[1:]))
	limit := MaxControlSize
	if t == FrameData {
		limit = fr.maxData
	}
	if length > limit {
		return Frame{}, fmt.Errorf("%w: %s %d > %d", ErrFrameTooLarge, t, length, limit)
	}
	if cap(fr.buf) < length {
		fr.buf = make([]byte, length)
	}
	payload := fr.buf[:length]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Type: t, Payload: payload}, nil
}

// Expect reads one frame and fails with ErrUnexpectedFrame unless it has
// type t. An Error frame from the peer is returned as *RejectError.
func (fr *Reader) Expect(t FrameType) (Frame, error) {
	f, err := fr.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	if f.Type == t {
		return f, nil
	}
	if f.Type == FrameError {
		return Frame{}, DecodeError(f)
	}
	return Frame{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFrame, f.Type, t)
}

// DecodeError converts an Error frame to a *RejectError.
func DecodeError(f Frame) error {
	var rej RejectError
	if err := f.Decode(&rej); err != nil {
		return err
	}
	return &rej
}
