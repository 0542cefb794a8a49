package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/protocol"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
		MaxConcurrent:   3,
		ConcurrencyMax:  2,
	}
}

func TestOpen_ValidToken(t *testing.T) {
	m := NewManager(testSessionConfig(), "secret-token")

	s, err := m.Open("secret-token", "cli/1.0")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, m.Count())
}

func TestOpen_InvalidTokenFails(t *testing.T) {
	m := NewManager(testSessionConfig(), "secret-token")

	_, err := m.Open("wrong", "cli/1.0")
	require.Error(t, err)
	assert.Equal(t, protocol.KindAuthFailed, protocol.KindOf(err))
	assert.Zero(t, m.Count())
}

func TestOpen_NoTokenConfiguredAcceptsAnyone(t *testing.T) {
	m := NewManager(testSessionConfig(), "")

	_, err := m.Open("", "cli/1.0")
	assert.NoError(t, err)
}

func TestOpen_SessionLimit(t *testing.T) {
	m := NewManager(testSessionConfig(), "")

	for i := 0; i < 3; i++ {
		_, err := m.Open("", "cli/1.0")
		require.NoError(t, err)
	}
	_, err := m.Open("", "cli/1.0")
	require.Error(t, err)
	assert.Equal(t, protocol.KindBusy, protocol.KindOf(err))
}

func TestAcquire_ConcurrencyCapFailsFast(t *testing.T) {
	m := NewManager(testSessionConfig(), "")
	s, err := m.Open("", "cli/1.0")
	require.NoError(t, err)

	require.NoError(t, s.Acquire())
	require.NoError(t, s.Acquire())

	err = s.Acquire()
	require.Error(t, err, "third concurrent call exceeds the cap of 2")
	assert.Equal(t, protocol.KindBusy, protocol.KindOf(err))

	s.Release()
	assert.NoError(t, s.Acquire(), "released slots become available again")
}

func TestClose_RemovesSession(t *testing.T) {
	m := NewManager(testSessionConfig(), "")
	s, err := m.Open("", "cli/1.0")
	require.NoError(t, err)

	m.Close(s.ID)
	assert.Zero(t, m.Count())
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestSweep_RemovesIdleSessions(t *testing.T) {
	cfg := testSessionConfig()
	cfg.TTL = 10 * time.Millisecond
	m := NewManager(cfg, "")

	idle, err := m.Open("", "cli/1.0")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	fresh, err := m.Open("", "cli/1.0")
	require.NoError(t, err)

	removed := m.Sweep(time.Now().UTC())
	assert.Equal(t, 1, removed)
	_, ok := m.Get(idle.ID)
	assert.False(t, ok)
	_, ok = m.Get(fresh.ID)
	assert.True(t, ok)
}

func TestSweep_KeepsIdleSessionWithInflightCalls(t *testing.T) {
	cfg := testSessionConfig()
	cfg.TTL = 10 * time.Millisecond
	m := NewManager(cfg, "")

	s, err := m.Open("", "cli/1.0")
	require.NoError(t, err)
	require.NoError(t, s.Acquire())
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, m.Sweep(time.Now().UTC()), "in-flight calls pin the session")
	_, ok := m.Get(s.ID)
	require.True(t, ok)

	s.Release()
	// Get refreshed LastSeen above; wait out the TTL again.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.Sweep(time.Now().UTC()))
}

func TestTouch_KeepsSessionAlive(t *testing.T) {
	cfg := testSessionConfig()
	cfg.TTL = 40 * time.Millisecond
	m := NewManager(cfg, "")

	s, err := m.Open("", "cli/1.0")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Touch(s.ID)
	}
	assert.Zero(t, m.Sweep(time.Now().UTC()))
}
