package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlink/gateway/internal/adapter"
	"medlink/gateway/internal/metrics"
	"medlink/gateway/internal/protocol"
	"medlink/gateway/internal/sink"
)

type fakePublisher struct {
	mu      sync.Mutex
	packets []*protocol.Packet
	frames  []sink.FrameMessage
	losses  []protocol.LossEvent
	alerts  []sink.Alert
}

func (f *fakePublisher) PublishPacket(p *protocol.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakePublisher) PublishFrame(m sink.FrameMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakePublisher) PublishLoss(ev protocol.LossEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.losses = append(f.losses, ev)
	return nil
}

func (f *fakePublisher) PublishAlert(a sink.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakePublisher) lossStates() []protocol.LossState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.LossState
	for _, ev := range f.losses {
		out = append(out, ev.State)
	}
	return out
}

func (f *fakePublisher) counts() (packets, frames, alerts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets), len(f.frames), len(f.alerts)
}

func ecgFrames(sns ...uint16) []byte {
	var b []byte
	for _, sn := range sns {
		samples := make([][2]uint16, 5)
		for k := range samples {
			samples[k] = [2]uint16{2048, 2148}
		}
		b = append(b, adapter.EncodeECG(adapter.ECGCmdData, sn, samples)...)
	}
	return b
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Spec == nil {
		spec, err := adapter.Lookup(cfg.Protocol, adapter.Options{})
		require.NoError(t, err)
		cfg.Spec = spec
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no outbound write")
		return nil
	}
}

func TestSession_PacketsLossAndRetry(t *testing.T) {
	pub := &fakePublisher{}
	s := newSession(t, Config{Device: "ecg-1", Protocol: "ecg", ConnID: "c1", Publisher: pub})
	start(t, s)
	ctx := context.Background()

	require.NoError(t, s.Feed(ctx, ecgFrames(1, 2, 4, 5, 6)))
	assert.Equal(t, adapter.ECGRetry(3, 0), recv(t, s.Outbound()))

	require.NoError(t, s.Feed(ctx, ecgFrames(3)))
	require.Eventually(t, func() bool {
		return len(pub.lossStates()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.LossState{protocol.LossOpen, protocol.LossRecovered}, pub.lossStates())

	packets, frames, _ := pub.counts()
	assert.Equal(t, 1, packets)
	assert.Zero(t, frames)

	require.Eventually(t, func() bool {
		return s.Info().State == "streaming" && s.Info().OpenLosses == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSession_RetryTimerAbandons(t *testing.T) {
	spec, err := adapter.Lookup("ecg", adapter.Options{})
	require.NoError(t, err)
	spec.Retry.Spacing = 10 * time.Millisecond

	pub := &fakePublisher{}
	s := newSession(t, Config{Device: "ecg-2", Protocol: "ecg", Spec: spec, Publisher: pub})
	start(t, s)

	require.NoError(t, s.Feed(context.Background(), ecgFrames(1, 2, 4)))
	recv(t, s.Outbound())

	require.Eventually(t, func() bool {
		st := pub.lossStates()
		return len(st) == 2 && st[1] == protocol.LossAbandoned
	}, time.Second, 5*time.Millisecond)
}

func TestSession_FrameOnlyProtocolPublishesFrames(t *testing.T) {
	pub := &fakePublisher{}
	s := newSession(t, Config{Device: "bp-1", Protocol: "bp", Publisher: pub})
	start(t, s)

	want := adapter.BPResult{Systolic: 121, Diastolic: 79, Pulse: 66}
	require.NoError(t, s.Feed(context.Background(), adapter.EncodeBPResult(want)))

	require.Eventually(t, func() bool {
		_, frames, _ := pub.counts()
		return frames == 1
	}, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "bp-1", pub.frames[0].Device)
	assert.Equal(t, want, pub.frames[0].Decoded)
}

func TestSession_OverflowRaisesAlert(t *testing.T) {
	pub := &fakePublisher{}
	s := newSession(t, Config{Device: "tr-1", Protocol: "trainer", MaxBuffer: 64, Publisher: pub})
	start(t, s)

	// Header with a 300-byte payload length that never completes.
	chunk := append([]byte{0x5A, 0xA5, 0x2C, 0x01}, make([]byte, 80)...)
	require.NoError(t, s.Feed(context.Background(), chunk))

	require.Eventually(t, func() bool {
		_, _, alerts := pub.counts()
		return alerts == 1
	}, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, protocol.KindOverflow, pub.alerts[0].Event.Kind)
}

func TestSession_RegistryLifecycle(t *testing.T) {
	mr, rdb := newRedis(t)
	reg := NewRegistry(rdb, "gw-1", time.Minute)
	m := metrics.NewCollector("gw-1")

	s := newSession(t, Config{Device: "ecg-9", Protocol: "ecg", ConnID: "gw-1-7", Registry: reg, Metrics: m})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.Feed(ctx, ecgFrames(1, 2, 4, 5, 6)))
	recv(t, s.Outbound())
	require.Eventually(t, func() bool {
		return mr.Exists(SessionKey("ecg-9")) && mr.HGet(ShadowKey("ecg-9"), "last_packet_sn") == "1"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "gw-1-7", mr.HGet(SessionKey("ecg-9"), "conn_id"))
	assert.Equal(t, "1", mr.HGet(ShadowKey("ecg-9"), "loss_open"))

	s.Close()

	assert.False(t, mr.Exists(SessionKey("ecg-9")))
	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.SessionsClosed)
	assert.EqualValues(t, 5, snap.Frames)
	assert.EqualValues(t, 1, snap.LossOpened)
	assert.EqualValues(t, 1, snap.RetriesSent)
	assert.Equal(t, "idle", s.Info().State)
}

func TestSession_SendQueueFull(t *testing.T) {
	m := metrics.NewCollector("gw")
	s := newSession(t, Config{Device: "resp-1", Protocol: "resp", QueueSize: 1, Metrics: m})

	require.NoError(t, s.Send([]byte{1}))
	assert.ErrorIs(t, s.Send([]byte{2}), ErrQueueFull)
	assert.EqualValues(t, 1, m.Snapshot().OutboundDropped)

	s.Close()
	assert.ErrorIs(t, s.Send([]byte{3}), ErrClosed)
	assert.ErrorIs(t, s.Feed(context.Background(), []byte{0xA5}), ErrClosed)
}

func TestSession_ContextCancelFinishes(t *testing.T) {
	s := newSession(t, Config{Device: "resp-2", Protocol: "resp"})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
	s.Close()
}
