package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/NodePath81/homenet/internal/protocol"
)

const controlTimeout = 5 * time.Second

var (
	ErrPhaseTimeout = errors.New("phase deadline exceeded")
	ErrUploadOnly   = errors.New("session negotiated upload only")
)

// Client drives one throughput session from the measuring side.
type Client struct {
	conn  net.Conn
	r     *protocol.Reader
	w     *protocol.Writer
	hello protocol.Hello
	ack   protocol.HelloAck
	grace time.Duration

	payload []byte
	release func() bool

	wmu      sync.Mutex
	stopSent bool
}

type UploadResult struct {
	Bytes   int64
	Elapsed time.Duration
	Mbps    float64
	Summary protocol.Summary
}

// Dial connects to a measurement server and completes the handshake. The
// connection is closed as soon as ctx is done, unblocking any phase in
// progress.
func Dial(ctx context.Context, addr string, hello protocol.Hello, grace time.Duration) (*Client, error) {
	if hello.Version == 0 {
		hello.Version = protocol.Version
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	c := &Client{
		conn:  conn,
		r:     protocol.NewReader(conn, int(hello.ChunkSize)),
		w:     protocol.NewWriter(conn),
		hello: hello,
		grace: grace,
	}
	c.release = context.AfterFunc(ctx, func() { _ = conn.Close() })

	_ = conn.SetDeadline(time.Now().Add(controlTimeout))
	if err := c.w.WriteJSON(protocol.FrameHello, hello); err != nil {
		c.Close()
		return nil, c.wrap(ctx, "handshake", err)
	}
	f, err := c.r.Expect(protocol.FrameHelloAck)
	if err != nil {
		c.Close()
		return nil, c.wrap(ctx, "handshake", err)
	}
	if err := f.Decode(&c.ack); err != nil {
		c.Close()
		return nil, err
	}
	if !c.ack.Accepted {
		c.Close()
		return nil, protocol.NewRejectError(c.ack.Code, c.ack.Reason)
	}
	_ = conn.SetDeadline(time.Time{})

	var seed [32]byte
	copy(seed[:], c.ack.SessionID)
	c.payload = make([]byte, hello.ChunkSize)
	_, _ = rand.NewChaCha8(seed).Read(c.payload)
	return c, nil
}

func (c *Client) SessionID() string {
	return c.ack.SessionID
}

func (c *Client) duration() time.Duration {
	return time.Duration(c.hello.DurationS) * time.Second
}

// Download receives server payload until DownloadDone and answers it with
// Stop. The returned progress is the server's final, authoritative count.
func (c *Client) Download(ctx context.Context, onProgress func(protocol.Progress)) (protocol.Progress, error) {
	if c.hello.UploadOnly {
		return protocol.Progress{}, ErrUploadOnly
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.duration() + c.grace))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return protocol.Progress{}, c.wrap(ctx, "download", err)
		}
		switch f.Type {
		case protocol.FrameData:
		case protocol.FrameProgress:
			var p protocol.Progress
			if err := f.Decode(&p); err != nil {
				return protocol.Progress{}, err
			}
			if onProgress != nil {
				onProgress(p)
			}
		case protocol.FrameDownloadDone:
			var p protocol.Progress
			if err := f.Decode(&p); err != nil {
				return protocol.Progress{}, err
			}
			if err := c.Stop(); err != nil {
				return p, c.wrap(ctx, "download", err)
			}
			return p, nil
		case protocol.FrameError:
			return protocol.Progress{}, protocol.DecodeError(f)
		default:
			return protocol.Progress{}, fmt.Errorf("%w: %s during download", protocol.ErrUnexpectedFrame, f.Type)
		}
	}
}

// Stop asks the server to end the download early. Only the first call
// writes a frame.
func (c *Client) Stop() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.stopSent {
		return nil
	}
	c.stopSent = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(controlTimeout))
	return c.w.WriteFrame(protocol.FrameStop, nil)
}

type ackState struct {
	bytes   int64
	elapsed time.Duration
	summary protocol.Summary
	err     error
}

// Upload sends payload for the negotiated duration, then UploadDone, and
// waits for the server's Summary. onAck runs on a separate goroutine for
// every acknowledgement; it has returned for the last time when Upload does.
func (c *Client) Upload(ctx context.Context, onAck func(bytes int64, elapsed time.Duration)) (UploadResult, error) {
	start := time.Now()
	_ = c.conn.SetDeadline(start.Add(c.duration() + c.grace))

	done := make(chan ackState, 1)
	go c.readAcks(start, onAck, done)

	var werr error
	for time.Since(start) < c.duration() {
		select {
		case st := <-done:
			if st.err == nil {
				st.err = fmt.Errorf("%w: summary before upload done", protocol.ErrUnexpectedFrame)
			}
			return UploadResult{}, c.wrap(ctx, "upload", st.err)
		default:
		}
		c.wmu.Lock()
		werr = c.w.WriteFrame(protocol.FrameData, c.payload)
		c.wmu.Unlock()
		if werr != nil {
			break
		}
	}
	if werr == nil {
		c.wmu.Lock()
		werr = c.w.WriteFrame(protocol.FrameUploadDone, nil)
		c.wmu.Unlock()
	}
	if werr != nil {
		// The reader may still be waiting on a server that has stopped
		// listening. An Error frame already in flight is preferred.
		_ = c.conn.SetReadDeadline(time.Now().Add(controlTimeout))
	}
	st := <-done
	var rej *protocol.RejectError
	switch {
	case werr != nil && !errors.As(st.err, &rej):
		return UploadResult{}, c.wrap(ctx, "upload", werr)
	case st.err != nil:
		return UploadResult{}, c.wrap(ctx, "upload", st.err)
	}
	return UploadResult{
		Bytes:   st.bytes,
		Elapsed: st.elapsed,
		Mbps:    protocol.Mbps(st.bytes, st.elapsed),
		Summary: st.summary,
	}, nil
}

func (c *Client) readAcks(start time.Time, onAck func(int64, time.Duration), done chan<- ackState) {
	var st ackState
	defer func() { done <- st }()
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			st.err = err
			return
		}
		switch f.Type {
		case protocol.FrameUploadAck:
			var ack protocol.UploadAck
			if st.err = f.Decode(&ack); st.err != nil {
				return
			}
			st.bytes = ack.Bytes
			st.elapsed = time.Since(start)
			if onAck != nil {
				onAck(st.bytes, st.elapsed)
			}
		case protocol.FrameSummary:
			st.err = f.Decode(&st.summary)
			return
		case protocol.FrameError:
			st.err = protocol.DecodeError(f)
			return
		default:
			st.err = fmt.Errorf("%w: %s during upload", protocol.ErrUnexpectedFrame, f.Type)
			return
		}
	}
}

func (c *Client) Close() error {
	if c.release != nil {
		c.release()
	}
	return c.conn.Close()
}

func (c *Client) wrap(ctx context.Context, phase string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", phase, ErrPhaseTimeout)
	}
	return fmt.Errorf("%s: %w", phase, err)
}
