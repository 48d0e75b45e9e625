package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunnelboard/internal/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sub", "audit.db"), 30, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteAndRecent(t *testing.T) {
	s := newTestStore(t)

	s.Record(Event{Action: ActionLogin, Status: StatusFailure, IP: "10.0.0.1"})
	s.Record(Event{Action: ActionLogin, Status: StatusSuccess, IP: "10.0.0.1", Session: "sid-1"})
	s.Record(Event{
		Action:   EntryAction("server", "create"),
		Resource: "servers/0",
		Status:   StatusSuccess,
		Details:  map[string]any{"port": 8080},
	})

	events, err := s.Recent("", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "server.create", events[0].Action)
	assert.Equal(t, "servers/0", events[0].Resource)
	assert.Equal(t, float64(8080), events[0].Details["port"])
	assert.Equal(t, "sid-1", events[1].Session)
	assert.False(t, events[2].Timestamp.IsZero())

	logins, err := s.Recent(ActionLogin, 1)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, StatusSuccess, logins[0].Status)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_Prune(t *testing.T) {
	s := newTestStore(t)
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.SetClock(clk)

	require.NoError(t, s.Write(Event{Action: ActionLogout, Status: StatusSuccess}))
	clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, s.Write(Event{Action: ActionRefresh, Status: StatusSuccess}))

	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := s.Recent("", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionRefresh, events[0].Action)
}

func TestDiff_RedactsKeys(t *testing.T) {
	type spec struct {
		Host string `json:"host"`
		Port int    `json:"port"`
		Key  string `json:"key"`
	}
	secretA := strings.Repeat("a", 64)
	secretB := strings.Repeat("b", 64)

	d := Diff(spec{"h", 80, secretA}, spec{"h", 81, secretB})
	assert.Contains(t, d, "--- before")
	assert.Contains(t, d, "+++ after")
	assert.Contains(t, d, `-  "port": 80`)
	assert.Contains(t, d, `+  "port": 81`)
	assert.Contains(t, d, redacted)
	assert.NotContains(t, d, secretA)
	assert.NotContains(t, d, secretB)

	assert.Empty(t, Diff(spec{"h", 80, secretA}, spec{"h", 80, secretA}))
}
