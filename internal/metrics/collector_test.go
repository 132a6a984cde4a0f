package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("gw-1")

	c.IncSessionOpened()
	c.IncSessionOpened()
	c.IncSessionClosed()
	c.IncSessionReplaced()
	c.IncHelloRejected()
	c.IncPublishSuccess()
	c.IncPublishFailure()
	c.IncCommandSent()
	c.IncOutboundDropped()
	c.IncShadowDropped()

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.SessionsOpened)
	assert.Equal(t, int64(1), s.SessionsClosed)
	assert.Equal(t, int64(1), s.SessionsReplaced)
	assert.Equal(t, int64(1), s.HelloRejected)
	assert.Equal(t, int64(1), s.PublishSuccess)
	assert.Equal(t, int64(1), s.PublishFailure)
	assert.Equal(t, int64(1), s.CommandsSent)
	assert.Equal(t, int64(1), s.OutboundDropped)
	assert.Equal(t, int64(1), s.ShadowDropped)
	assert.Equal(t, "gw-1", s.GatewayID)
}

func TestCollector_AbsorbPipeline(t *testing.T) {
	c := NewCollector("gw")

	c.AbsorbPipeline(PipelineTotals{Protocol: "ecg", BytesIn: 100, Frames: 4, Packets: 1, LossOpened: 1, RetriesSent: 1})
	c.AbsorbPipeline(PipelineTotals{Protocol: "ecg", BytesIn: 50, Frames: 2, ResyncBytes: 3})
	c.AbsorbPipeline(PipelineTotals{Protocol: "bp", Frames: 1, Overflows: 1})
	c.AbsorbPipeline(PipelineTotals{Protocol: "resp"})

	s := c.Snapshot()
	assert.Equal(t, int64(150), s.BytesIn)
	assert.Equal(t, int64(7), s.Frames)
	assert.Equal(t, int64(1), s.Packets)
	assert.Equal(t, int64(3), s.ResyncBytes)
	assert.Equal(t, int64(1), s.Overflows)
	assert.Equal(t, int64(1), s.LossOpened)
	assert.Equal(t, map[string]int64{"ecg": 6, "bp": 1}, s.FramesByProtocol)
}

func TestCollector_SnapshotIsIsolated(t *testing.T) {
	c := NewCollector("gw")
	c.AbsorbPipeline(PipelineTotals{Protocol: "ecg", Frames: 1})

	s := c.Snapshot()
	s.FramesByProtocol["ecg"] = 99

	assert.Equal(t, int64(1), c.Snapshot().FramesByProtocol["ecg"])
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.IncSessionOpened()
		c.IncPublishFailure()
		c.AbsorbPipeline(PipelineTotals{Frames: 1})
	})
	assert.Equal(t, int64(0), c.Snapshot().Frames)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("gw")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncPublishSuccess()
			c.AbsorbPipeline(PipelineTotals{Protocol: "resp", Frames: 2})
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(50), s.PublishSuccess)
	assert.Equal(t, int64(100), s.FramesByProtocol["resp"])
}
