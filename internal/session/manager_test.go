package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlink/gateway/internal/metrics"
)

func TestManager_AddReplacesPrevious(t *testing.T) {
	m := metrics.NewCollector("gw")
	mgr := NewManager(m)

	first := newSession(t, Config{Device: "resp-1", Protocol: "resp", ConnID: "a"})
	go first.Run(context.Background())
	mgr.Add(first)

	second := newSession(t, Config{Device: "resp-1", Protocol: "resp", ConnID: "b"})
	start(t, second)
	mgr.Add(second)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session still running")
	}

	got, ok := mgr.Get("resp-1")
	require.True(t, ok)
	assert.Equal(t, "b", got.ConnID())

	// The old connection's cleanup must not drop the new session.
	mgr.Remove(first)
	assert.Equal(t, 1, mgr.Len())
	mgr.Remove(second)
	assert.Zero(t, mgr.Len())

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.SessionsOpened)
	assert.EqualValues(t, 1, snap.SessionsReplaced)
}

func TestManager_Send(t *testing.T) {
	m := metrics.NewCollector("gw")
	mgr := NewManager(m)

	err := mgr.Send("nobody", []byte{1})
	assert.ErrorIs(t, err, ErrNotConnected)

	s := newSession(t, Config{Device: "tr-1", Protocol: "trainer"})
	mgr.Add(s)
	require.NoError(t, mgr.Send("tr-1", []byte{0x5A}))
	assert.Equal(t, []byte{0x5A}, <-s.Outbound())
	assert.EqualValues(t, 1, m.Snapshot().CommandsSent)
}

func TestManager_ListAndCloseAll(t *testing.T) {
	mgr := NewManager(nil)
	for _, d := range []string{"resp-b", "ecg-a", "bp-c"} {
		proto := map[byte]string{'r': "resp", 'e': "ecg", 'b': "bp"}[d[0]]
		s := newSession(t, Config{Device: d, Protocol: proto})
		start(t, s)
		mgr.Add(s)
	}

	list := mgr.List()
	require.Len(t, list, 3)
	assert.Equal(t, "bp-c", list[0].Device)
	assert.Equal(t, "ecg-a", list[1].Device)
	assert.Equal(t, "resp-b", list[2].Device)
	assert.Equal(t, "idle", list[0].State)

	mgr.CloseAll()
	assert.Zero(t, mgr.Len())
}
