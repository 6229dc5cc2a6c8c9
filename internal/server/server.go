package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/protocol"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/google/uuid"
)

const (
	errorWriteTimeout = 1 * time.Second
	echoBufferSize    = 64
)

var ErrServerBusy = errors.New("server busy")

type Stats struct {
	Uptime        time.Duration     `json:"uptime"`
	Active        int               `json:"active"`
	MaxSessions   int               `json:"max_sessions"`
	TotalSessions uint64            `json:"total_sessions"`
	Rejected      uint64            `json:"rejected"`
	LastSessionAt time.Time         `json:"last_session_at"`
	Sessions      []SessionSnapshot `json:"sessions"`
}

// Server accepts throughput sessions on TCP and answers latency probes on
// UDP, both on the same port number.
type Server struct {
	cfg     config.ServerConfig
	metrics *metrics.Metrics
	logger  util.Logger

	mu          sync.Mutex
	active      map[string]*Session
	conns       map[net.Conn]struct{}
	total       uint64
	rejected    uint64
	lastSession time.Time
	started     time.Time

	listener  net.Listener
	echo      *net.UDPConn
	handlers  sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg config.ServerConfig, m *metrics.Metrics, logger util.Logger) *Server {
	if cfg.MinChunkBytes == 0 {
		cfg.MinChunkBytes = config.MinChunkSize
	}
	if cfg.MaxChunkBytes == 0 {
		cfg.MaxChunkBytes = config.MaxChunkSize
	}
	if cfg.Limits.MinDuration == 0 {
		cfg.Limits.MinDuration = config.Duration(config.MinDuration)
	}
	if cfg.Limits.MaxDuration == 0 {
		cfg.Limits.MaxDuration = config.Duration(config.MaxDuration)
	}
	return &Server{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		active:  make(map[string]*Session),
		conns:   make(map[net.Conn]struct{}),
	}
}

func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	addr := net.JoinHostPort(s.cfg.BindAddr, util.FormatPort(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.BindAddr), Port: port})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("echo listener: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.echo = echo
	s.started = time.Now()
	s.mu.Unlock()
	s.logger.Info("measurement server started", "addr", ln.Addr().String(), "max_sessions", s.cfg.MaxSessions)

	context.AfterFunc(ctx, func() { _ = s.Close() })

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	go func() {
		defer wg.Done()
		s.echoLoop(echo)
	}()
	return nil
}

// Addr returns the TCP listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops both listeners, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		ln, echo := s.listener, s.echo
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.conns = nil
		s.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		}
		if echo != nil {
			_ = echo.Close()
		}
		s.handlers.Wait()
		s.logger.Info("measurement server stopped")
	})
	return err
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Active:        len(s.active),
		MaxSessions:   s.cfg.MaxSessions,
		TotalSessions: s.total,
		Rejected:      s.rejected,
		LastSessionAt: s.lastSession,
		Sessions:      make([]SessionSnapshot, 0, len(s.active)),
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started)
	}
	for _, sess := range s.active {
		st.Sessions = append(st.Sessions, sess.Snapshot())
	}
	return st
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("tcp accept error", "error", err)
				continue
			}
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// admit applies the session ceiling. It is the only state shared between
// sessions.
func (s *Server) admit(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) >= s.cfg.MaxSessions {
		s.rejected++
		return false
	}
	s.active[sess.ID] = sess
	s.total++
	s.lastSession = time.Now()
	return true
}

func (s *Server) release(sess *Session) {
	s.mu.Lock()
	delete(s.active, sess.ID)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		applyTCPOptions(tcpConn)
	}
	id := uuid.New()
	sess := NewSession(id.String(), conn.RemoteAddr().String(), time.Now())
	r := protocol.NewReader(conn, protocol.MaxDataSize)
	w := protocol.NewWriter(conn)

	hello, rej := s.handshake(conn, r)
	if rej != nil {
		s.reject(conn, w, sess, rej)
		return
	}
	if hello == nil {
		return
	}
	duration := time.Duration(hello.DurationS) * time.Second
	chunk := int(hello.ChunkSize)
	sess.negotiate(duration, chunk)

	if !s.admit(sess) {
		s.metrics.SessionRejected(protocol.CodeBusy)
		s.writeAck(conn, w, protocol.HelloAck{Accepted: false, Code: protocol.CodeBusy, Reason: ErrServerBusy.Error()})
		sess.Fail(&SessionError{Phase: PhaseHandshake, Kind: KindProtocol, Err: ErrServerBusy})
		s.logger.Info("handshake rejected", "client", sess.Remote, "code", protocol.CodeBusy)
		return
	}
	defer s.release(sess)
	s.metrics.SessionStarted()

	ack := protocol.HelloAck{
		Accepted:           true,
		SessionID:          sess.ID,
		ProgressIntervalMs: s.cfg.ProgressInterval.Duration().Milliseconds(),
	}
	if err := s.writeAck(conn, w, ack); err != nil {
		sess.Fail(classify(PhaseHandshake, err))
		s.finish(sess, nil)
		return
	}
	s.logger.Debug("session started", "session", sess.ID, "client", sess.Remote,
		"duration", duration, "chunk_size", chunk, "upload_only", hello.UploadOnly)

	var summary protocol.Summary
	err := s.runSession(conn, r, w, sess, hello.UploadOnly, duration, newPayload(id, chunk), &summary)
	if err == nil {
		err = sess.Advance(PhaseClosed, time.Now())
	}
	if err != nil {
		sess.Fail(err)
		s.sendError(conn, w, err)
	}
	s.finish(sess, err)
}

// handshake reads and validates the hello frame. Both results are nil when
// the client went away without sending anything.
func (s *Server) handshake(conn net.Conn, r *protocol.Reader) (*protocol.Hello, *protocol.RejectError) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout.Duration()))
	f, err := r.Expect(protocol.FrameHello)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, protocol.NewRejectError(protocol.CodeMalformed, err.Error())
	}
	var hello protocol.Hello
	if err := f.Decode(&hello); err != nil {
		return nil, protocol.NewRejectError(protocol.CodeMalformed, err.Error())
	}
	if rej := s.validateHello(hello); rej != nil {
		return nil, rej
	}
	return &hello, nil
}

func (s *Server) validateHello(h protocol.Hello) *protocol.RejectError {
	if h.Version != protocol.Version {
		return protocol.NewRejectError(protocol.CodeUnsupportedVersion,
			fmt.Sprintf("version %d not supported", h.Version))
	}
	minDur, maxDur := s.cfg.Limits.MinDuration.Duration(), s.cfg.Limits.MaxDuration.Duration()
	d := time.Duration(h.DurationS) * time.Second
	if h.DurationS <= 0 || d < minDur || d > maxDur {
		return protocol.NewRejectError(protocol.CodeInvalidDuration,
			fmt.Sprintf("duration must be in %s..%s", minDur, maxDur))
	}
	if h.ChunkSize < s.cfg.MinChunkBytes || h.ChunkSize > s.cfg.MaxChunkBytes {
		return protocol.NewRejectError(protocol.CodeInvalidChunkSize,
			fmt.Sprintf("chunk_size must be in %d..%d", s.cfg.MinChunkBytes, s.cfg.MaxChunkBytes))
	}
	return nil
}

func (s *Server) reject(conn net.Conn, w *protocol.Writer, sess *Session, rej *protocol.RejectError) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.metrics.SessionRejected(rej.Code)
	sess.Fail(&SessionError{Phase: PhaseHandshake, Kind: KindProtocol, Err: rej})
	s.writeAck(conn, w, protocol.HelloAck{Accepted: false, Code: rej.Code, Reason: rej.Reason})
	s.logger.Info("handshake rejected", "client", sess.Remote, "code", rej.Code, "reason", rej.Reason)
}

func (s *Server) writeAck(conn net.Conn, w *protocol.Writer, ack protocol.HelloAck) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout.Duration()))
	return w.WriteJSON(protocol.FrameHelloAck, ack)
}

func (s *Server) runSession(conn net.Conn, r *protocol.Reader, w *protocol.Writer, sess *Session, uploadOnly bool, duration time.Duration, payload []byte, summary *protocol.Summary) error {
	if !uploadOnly {
		sent, elapsed, err := s.runDownload(conn, r, w, sess, duration, payload)
		if err != nil {
			return err
		}
		summary.DownloadBytes = sent
		summary.DownloadMbps = protocol.Mbps(sent, elapsed)
	}
	received, err := s.runUpload(conn, r, w, sess, duration, len(payload))
	if err != nil {
		return err
	}
	summary.UploadBytes = received
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout.Duration()))
	if err := w.WriteJSON(protocol.FrameSummary, summary); err != nil {
		return classify(PhaseUpload, err)
	}
	return nil
}

// runDownload streams payload until the negotiated duration elapses or the
// client sends Stop. The client always answers DownloadDone with Stop, so
// exactly one Stop frame is consumed here.
func (s *Server) runDownload(conn net.Conn, r *protocol.Reader, w *protocol.Writer, sess *Session, duration time.Duration, payload []byte) (int64, time.Duration, error) {
	start := time.Now()
	if err := sess.Advance(PhaseDownload, start); err != nil {
		return 0, 0, &SessionError{Phase: PhaseDownload, Kind: KindProtocol, Err: err}
	}
	deadline := start.Add(duration + s.cfg.PhaseGrace.Duration())
	_ = conn.SetReadDeadline(deadline)

	stopCh := make(chan error, 1)
	go func() {
		_, err := r.Expect(protocol.FrameStop)
		stopCh <- err
	}()

	idle := s.cfg.IdleTimeout.Duration()
	interval := s.cfg.ProgressInterval.Duration()
	var sent int64
	lastProgress := start
	stopped := false
	for !stopped && time.Since(start) < duration {
		select {
		case err := <-stopCh:
			if err != nil {
				return sent, time.Since(start), classify(PhaseDownload, err)
			}
			stopped = true
			continue
		default:
		}
		now := time.Now()
		_ = conn.SetWriteDeadline(earliest(now.Add(idle), deadline))
		if err := w.WriteFrame(protocol.FrameData, payload); err != nil {
			return sent, time.Since(start), classify(PhaseDownload, err)
		}
		sent += int64(len(payload))
		now = time.Now()
		sess.Record(sent, now)
		if now.Sub(lastProgress) >= interval {
			if err := w.WriteJSON(protocol.FrameProgress, progressOf(conn, sent, now.Sub(start))); err != nil {
				return sent, now.Sub(start), classify(PhaseDownload, err)
			}
			lastProgress = now
		}
	}

	elapsed := time.Since(start)
	sess.Record(sent, start.Add(elapsed))
	_ = conn.SetWriteDeadline(earliest(time.Now().Add(idle), deadline))
	if err := w.WriteJSON(protocol.FrameDownloadDone, progressOf(conn, sent, elapsed)); err != nil {
		return sent, elapsed, classify(PhaseDownload, err)
	}
	if !stopped {
		if err := <-stopCh; err != nil {
			return sent, elapsed, classify(PhaseDownload, err)
		}
	}
	return sent, elapsed, nil
}

// runUpload counts client payload and acknowledges the cumulative total at
// the progress cadence. Upload rate is computed by the client.
func (s *Server) runUpload(conn net.Conn, r *protocol.Reader, w *protocol.Writer, sess *Session, duration time.Duration, chunk int) (int64, error) {
	start := time.Now()
	if err := sess.Advance(PhaseUpload, start); err != nil {
		return 0, &SessionError{Phase: PhaseUpload, Kind: KindProtocol, Err: err}
	}
	deadline := start.Add(duration + s.cfg.PhaseGrace.Duration())
	r.SetMaxData(chunk)

	idle := s.cfg.IdleTimeout.Duration()
	interval := s.cfg.ProgressInterval.Duration()
	var received int64
	lastAck := start
	for {
		_ = conn.SetReadDeadline(earliest(time.Now().Add(idle), deadline))
		f, err := r.ReadFrame()
		if err != nil {
			return received, classify(PhaseUpload, err)
		}
		now := time.Now()
		switch f.Type {
		case protocol.FrameData:
			received += int64(len(f.Payload))
			sess.Record(received, now)
		case protocol.FrameUploadDone:
			sess.Record(received, now)
			_ = conn.SetWriteDeadline(now.Add(idle))
			ack := protocol.UploadAck{Bytes: received, ElapsedMs: now.Sub(start).Milliseconds()}
			if err := w.WriteJSON(protocol.FrameUploadAck, ack); err != nil {
				return received, classify(PhaseUpload, err)
			}
			return received, nil
		default:
			return received, &SessionError{Phase: PhaseUpload, Kind: KindProtocol,
				Err: fmt.Errorf("%w: %s during upload", protocol.ErrUnexpectedFrame, f.Type)}
		}
		if now.Sub(lastAck) >= interval {
			_ = conn.SetWriteDeadline(earliest(now.Add(idle), deadline))
			ack := protocol.UploadAck{Bytes: received, ElapsedMs: now.Sub(start).Milliseconds()}
			if err := w.WriteJSON(protocol.FrameUploadAck, ack); err != nil {
				return received, classify(PhaseUpload, err)
			}
			lastAck = now
		}
	}
}

func (s *Server) sendError(conn net.Conn, w *protocol.Writer, err error) {
	code := protocol.CodeInternal
	var se *SessionError
	if errors.As(err, &se) {
		switch se.Kind {
		case KindTimeout:
			code = protocol.CodeTimeout
		case KindProtocol:
			code = protocol.CodeProtocol
		case KindIO:
			// Peer is gone or the stream is broken.
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	_ = w.WriteJSON(protocol.FrameError, protocol.RejectError{Code: code, Reason: err.Error()})
}

func (s *Server) finish(sess *Session, err error) {
	snap := sess.Snapshot()
	outcome := "closed"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.SessionFinished(outcome, snap.DownloadBytes, snap.UploadBytes)
	downMbps := util.Round2(protocol.Mbps(snap.DownloadBytes, snap.DownloadElapsed))
	if err != nil {
		s.logger.Warn("session failed", "session", sess.ID, "client", sess.Remote,
			"download_bytes", snap.DownloadBytes, "upload_bytes", snap.UploadBytes, "error", err)
		return
	}
	s.logger.Info("session closed", "session", sess.ID, "client", sess.Remote,
		"download_bytes", snap.DownloadBytes, "download_mbps", downMbps, "upload_bytes", snap.UploadBytes)
}

func (s *Server) echoLoop(conn *net.UDPConn) {
	buf := make([]byte, echoBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("echo read error", "error", err)
			continue
		}
		pkt, err := protocol.ParseEcho(buf[:n])
		if err != nil || pkt.Type != protocol.EchoPing {
			continue
		}
		pkt.Type = protocol.EchoPong
		if _, err := conn.WriteToUDP(pkt.MarshalTo(buf), addr); err != nil {
			s.logger.Debug("echo write error", "client", addr.String(), "error", err)
			continue
		}
		s.metrics.EchoHandled()
	}
}

func classify(phase Phase, err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	kind := KindIO
	var rej *protocol.RejectError
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, protocol.ErrUnexpectedFrame),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrUnknownFrame),
		errors.As(err, &rej):
		kind = KindProtocol
	}
	return &SessionError{Phase: phase, Kind: kind, Err: err}
}

func progressOf(conn net.Conn, bytes int64, elapsed time.Duration) protocol.Progress {
	p := protocol.Progress{
		Bytes:     bytes,
		ElapsedMs: elapsed.Milliseconds(),
		Mbps:      protocol.Mbps(bytes, elapsed),
	}
	if rtt, ok := kernelRTT(conn); ok {
		p.TCPRTTMs = util.Millis(rtt)
	}
	return p
}

// newPayload fills one chunk from a PRNG seeded by the session ID.
func newPayload(id uuid.UUID, size int) []byte {
	var seed [32]byte
	copy(seed[:16], id[:])
	copy(seed[16:], id[:])
	buf := make([]byte, size)
	_, _ = rand.NewChaCha8(seed).Read(buf)
	return buf
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func applyTCPOptions(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(30 * time.Second)
}
