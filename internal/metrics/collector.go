// Package metrics provides gateway-wide counters.
//
// The Collector is a leaf package with no internal dependencies. Streaming
// counters of a device pipeline are absorbed once when its session ends
// rather than recorded live, avoiding double-counting with the per-session
// view.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters. Safe to read
// concurrently after creation.
type Snapshot struct {
	// Sessions
	SessionsOpened   int64 `json:"sessions_opened"`
	SessionsClosed   int64 `json:"sessions_closed"`
	SessionsReplaced int64 `json:"sessions_replaced"`
	HelloRejected    int64 `json:"hello_rejected"`

	// Streaming (absorbed from closed sessions)
	BytesIn          int64            `json:"bytes_in"`
	Frames           int64            `json:"frames"`
	Packets          int64            `json:"packets"`
	ResyncBytes      int64            `json:"resync_bytes"`
	ChecksumFailures int64            `json:"checksum_failures"`
	LengthFailures   int64            `json:"length_failures"`
	Overflows        int64            `json:"overflows"`
	FramesByProtocol map[string]int64 `json:"frames_by_protocol"`

	// Loss
	LossOpened     int64 `json:"loss_opened"`
	LossRecovered  int64 `json:"loss_recovered"`
	LossAbandoned  int64 `json:"loss_abandoned"`
	RetriesSent    int64 `json:"retries_sent"`
	RetryFailures  int64 `json:"retry_failures"`
	SequenceResets int64 `json:"sequence_resets"`

	// Outbound
	PublishSuccess  int64 `json:"publish_success"`
	PublishFailure  int64 `json:"publish_failure"`
	CommandsSent    int64 `json:"commands_sent"`
	OutboundDropped int64 `json:"outbound_dropped"`
	ShadowDropped   int64 `json:"shadow_dropped"`

	GatewayID string `json:"gateway_id"`
}

// PipelineTotals are the final counters of one device pipeline.
type PipelineTotals struct {
	Protocol         string
	BytesIn          int64
	Frames           int64
	Packets          int64
	ResyncBytes      int64
	ChecksumFailures int64
	LengthFailures   int64
	Overflows        int64
	LossOpened       int64
	LossRecovered    int64
	LossAbandoned    int64
	RetriesSent      int64
	RetryFailures    int64
	SequenceResets   int64
}

// Collector accumulates gateway metrics.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector labelled with the gateway id.
func NewCollector(gatewayID string) *Collector {
	return &Collector{s: Snapshot{
		FramesByProtocol: make(map[string]int64),
		GatewayID:        gatewayID,
	}}
}

func (c *Collector) inc(f func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(&c.s)
	c.mu.Unlock()
}

// --- Sessions ---

// IncSessionOpened records an accepted device connection.
func (c *Collector) IncSessionOpened() { c.inc(func(s *Snapshot) { s.SessionsOpened++ }) }

// IncSessionClosed records a finished device session.
func (c *Collector) IncSessionClosed() { c.inc(func(s *Snapshot) { s.SessionsClosed++ }) }

// IncSessionReplaced records a session closed because its device reconnected.
func (c *Collector) IncSessionReplaced() { c.inc(func(s *Snapshot) { s.SessionsReplaced++ }) }

// IncHelloRejected records a connection dropped for a bad hello line.
func (c *Collector) IncHelloRejected() { c.inc(func(s *Snapshot) { s.HelloRejected++ }) }

// --- Outbound ---

// IncPublishSuccess records a message handed to the broker.
func (c *Collector) IncPublishSuccess() { c.inc(func(s *Snapshot) { s.PublishSuccess++ }) }

// IncPublishFailure records a message the broker refused.
func (c *Collector) IncPublishFailure() { c.inc(func(s *Snapshot) { s.PublishFailure++ }) }

// IncCommandSent records a downlink command queued for a device.
func (c *Collector) IncCommandSent() { c.inc(func(s *Snapshot) { s.CommandsSent++ }) }

// IncOutboundDropped records a write refused because the device queue was full.
func (c *Collector) IncOutboundDropped() { c.inc(func(s *Snapshot) { s.OutboundDropped++ }) }

// IncShadowDropped records a device shadow update skipped because the
// writer fell behind.
func (c *Collector) IncShadowDropped() { c.inc(func(s *Snapshot) { s.ShadowDropped++ }) }

// AbsorbPipeline adds the final counters of one pipeline. Call once per
// session.
func (c *Collector) AbsorbPipeline(t PipelineTotals) {
	c.inc(func(s *Snapshot) {
		s.BytesIn += t.BytesIn
		s.Frames += t.Frames
		s.Packets += t.Packets
		s.ResyncBytes += t.ResyncBytes
		s.ChecksumFailures += t.ChecksumFailures
		s.LengthFailures += t.LengthFailures
		s.Overflows += t.Overflows
		s.LossOpened += t.LossOpened
		s.LossRecovered += t.LossRecovered
		s.LossAbandoned += t.LossAbandoned
		s.RetriesSent += t.RetriesSent
		s.RetryFailures += t.RetryFailures
		s.SequenceResets += t.SequenceResets
		if t.Frames > 0 {
			s.FramesByProtocol[t.Protocol] += t.Frames
		}
	})
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{FramesByProtocol: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.FramesByProtocol = make(map[string]int64, len(c.s.FramesByProtocol))
	for k, v := range c.s.FramesByProtocol {
		out.FramesByProtocol[k] = v
	}
	return out
}
