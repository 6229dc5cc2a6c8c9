package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionForwardTransitions(t *testing.T) {
	now := time.Now()
	sess := NewSession("s1", "127.0.0.1:1", now)
	require.Equal(t, PhaseHandshake, sess.Phase())

	require.NoError(t, sess.Advance(PhaseDownload, now))
	sess.Record(1000, now.Add(time.Second))
	require.NoError(t, sess.Advance(PhaseUpload, now.Add(time.Second)))
	sess.Record(500, now.Add(2*time.Second))
	require.NoError(t, sess.Advance(PhaseClosed, now.Add(2*time.Second)))

	snap := sess.Snapshot()
	assert.Equal(t, "closed", snap.Phase)
	assert.Equal(t, int64(1000), snap.DownloadBytes)
	assert.Equal(t, time.Second, snap.DownloadElapsed)
	assert.Equal(t, int64(500), snap.UploadBytes)
	assert.Equal(t, time.Second, snap.UploadElapsed)
}

func TestSessionRejectsBackwardAndRepeatedTransitions(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		path []Phase
		bad  Phase
	}{
		{"download again", []Phase{PhaseDownload}, PhaseDownload},
		{"back to download", []Phase{PhaseDownload, PhaseUpload}, PhaseDownload},
		{"skip upload", []Phase{PhaseDownload}, PhaseClosed},
		{"handshake to closed", nil, PhaseClosed},
		{"leave closed", []Phase{PhaseUpload, PhaseClosed}, PhaseUpload},
		{"enter failed directly", nil, PhaseFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := NewSession("s", "", now)
			for _, p := range tc.path {
				require.NoError(t, sess.Advance(p, now))
			}
			err := sess.Advance(tc.bad, now)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestSessionUploadOnlySkipsDownload(t *testing.T) {
	sess := NewSession("s", "", time.Now())
	assert.NoError(t, sess.Advance(PhaseUpload, time.Now()))
}

func TestSessionFailIsTerminal(t *testing.T) {
	sess := NewSession("s", "", time.Now())
	require.NoError(t, sess.Advance(PhaseDownload, time.Now()))

	cause := &SessionError{Phase: PhaseDownload, Kind: KindTimeout, Err: errors.New("stall")}
	assert.True(t, sess.Fail(cause))
	assert.False(t, sess.Fail(errors.New("again")))
	assert.Equal(t, PhaseFailed, sess.Phase())
	assert.ErrorIs(t, sess.Advance(PhaseUpload, time.Now()), ErrInvalidTransition)

	var se *SessionError
	require.True(t, errors.As(sess.Err(), &se))
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Equal(t, "download timeout error: stall", se.Error())
}

func TestRecordIgnoredOutsideTransferPhases(t *testing.T) {
	sess := NewSession("s", "", time.Now())
	sess.Record(42, time.Now())
	snap := sess.Snapshot()
	assert.Zero(t, snap.DownloadBytes)
	assert.Zero(t, snap.UploadBytes)
}
