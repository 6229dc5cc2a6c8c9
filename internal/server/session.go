package server

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseDownload
	PhaseUpload
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

var ErrInvalidTransition = errors.New("invalid phase transition")

// Handshake may skip straight to Upload for upload-only sessions; every other
// move is one step forward.
var transitions = map[Phase][]Phase{
	PhaseHandshake: {PhaseDownload, PhaseUpload},
	PhaseDownload:  {PhaseUpload},
	PhaseUpload:    {PhaseClosed},
}

type ErrorKind string

const (
	KindProtocol ErrorKind = "protocol"
	KindTimeout  ErrorKind = "timeout"
	KindIO       ErrorKind = "io"
)

// SessionError records the phase a session failed in and why.
type SessionError struct {
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Phase, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Session is the server-side state of one throughput exchange. It is owned
// by a single connection goroutine; the mutex only guards readers calling
// Snapshot.
type Session struct {
	ID     string
	Remote string

	mu         sync.Mutex
	phase      Phase
	started    time.Time
	phaseStart time.Time
	duration   time.Duration
	chunkSize  int
	download   phaseCounter
	upload     phaseCounter
	err        error
}

type phaseCounter struct {
	bytes   int64
	elapsed time.Duration
}

type SessionSnapshot struct {
	ID              string        `json:"id"`
	Remote          string        `json:"remote"`
	Phase           string        `json:"phase"`
	Started         time.Time     `json:"started"`
	PhaseStart      time.Time     `json:"phase_start"`
	Duration        time.Duration `json:"duration"`
	ChunkSize       int           `json:"chunk_size"`
	DownloadBytes   int64         `json:"download_bytes"`
	DownloadElapsed time.Duration `json:"download_elapsed"`
	UploadBytes     int64         `json:"upload_bytes"`
	UploadElapsed   time.Duration `json:"upload_elapsed"`
	Error           string        `json:"error,omitempty"`
}

func NewSession(id, remote string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Remote:     remote,
		phase:      PhaseHandshake,
		started:    now,
		phaseStart: now,
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) negotiate(duration time.Duration, chunkSize int) {
	s.mu.Lock()
	s.duration = duration
	s.chunkSize = chunkSize
	s.mu.Unlock()
}

// Advance moves the session to the next phase and restarts the phase clock.
func (s *Session) Advance(to Phase, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range transitions[s.phase] {
		if next == to {
			s.phase = to
			s.phaseStart = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, to)
}

// Fail moves a live session to Failed. It reports false if the session had
// already terminated.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.phase = PhaseFailed
	s.err = err
	return true
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Record updates the counter of the current transfer phase with the
// cumulative byte count and the time elapsed since the phase started.
func (s *Session) Record(bytes int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c *phaseCounter
	switch s.phase {
	case PhaseDownload:
		c = &s.download
	case PhaseUpload:
		c = &s.upload
	default:
		return
	}
	c.bytes = bytes
	c.elapsed = now.Sub(s.phaseStart)
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:              s.ID,
		Remote:          s.Remote,
		Phase:           s.phase.String(),
		Started:         s.started,
		PhaseStart:      s.phaseStart,
		Duration:        s.duration,
		ChunkSize:       s.chunkSize,
		DownloadBytes:   s.download.bytes,
		DownloadElapsed: s.download.elapsed,
		UploadBytes:     s.upload.bytes,
		UploadElapsed:   s.upload.elapsed,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
