// Package loss detects sequence gaps of each device on a link and drives
// the bounded retransmission protocol that tries to fill them.
package loss

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"medlink/gateway/internal/protocol"
)

// Outcome classifies one observed sequence number.
type Outcome int

const (
	// OutcomeUntracked means the frame carried no sequence number.
	OutcomeUntracked Outcome = iota
	OutcomeFirst
	OutcomeInOrder
	// OutcomeGap means the frame skipped ahead and loss events were opened.
	OutcomeGap
	// OutcomeRecovered means a late frame closed an open loss event.
	OutcomeRecovered
	OutcomeDuplicate
	// OutcomeReset means the jump was too large to recover and accounting
	// restarted at the observed number.
	OutcomeReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUntracked:
		return "untracked"
	case OutcomeFirst:
		return "first"
	case OutcomeInOrder:
		return "in_order"
	case OutcomeGap:
		return "gap"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Hooks connect a coordinator to its device. Every field is optional; a
// missing Write still consumes retry attempts so the attempt count stays bounded.
type Hooks struct {
	Write   func([]byte) error
	OnLoss  func(protocol.LossEvent)
	OnError func(protocol.ErrorEvent)
}

type entry struct {
	ev   protocol.LossEvent
	next time.Time
}

// stream is the sequence space of one device on the link. Specs without a
// device id field have a single stream keyed 0.
type stream struct {
	id      uint32
	highest uint32
	open    map[uint32]*entry
}

// Coordinator owns the loss accounting of one connection. Frames that carry
// a device id are accounted per id, so trainers sharing a bridge never see
// each other's sequence numbers. It is not safe for concurrent use; the
// owning session serializes Observe and Advance.
type Coordinator struct {
	name    string
	device  string
	rule    protocol.RetryRule
	hooks   Hooks
	mask    uint32
	half    uint32
	streams map[uint32]*stream
}

// New creates a coordinator for a validated spec that has both a sequence
// field and a retry rule.
func New(spec *protocol.FrameSpec, device string, hooks Hooks) *Coordinator {
	width := spec.Sequence.Width
	mask := uint32(0xFFFFFFFF)
	if width < 4 {
		mask = 1<<(8*width) - 1
	}
	return &Coordinator{
		name:    spec.Name,
		device:  device,
		rule:    spec.Retry.WithDefaults(),
		hooks:   hooks,
		mask:    mask,
		half:    mask/2 + 1,
		streams: make(map[uint32]*stream),
	}
}

// sub returns a-b in the sequence number space.
func (c *Coordinator) sub(a, b uint32) uint32 {
	return (a - b) & c.mask
}

// Observe accounts for one frame. The frame itself is always passed on by
// the caller whatever the outcome.
func (c *Coordinator) Observe(f protocol.Frame, now time.Time) Outcome {
	if !f.HasSeq {
		return OutcomeUntracked
	}
	var id uint32
	if f.HasDeviceID {
		id = f.DeviceID
	}
	sn := f.Seq & c.mask

	st, ok := c.streams[id]
	if !ok {
		c.streams[id] = &stream{id: id, highest: sn, open: make(map[uint32]*entry)}
		return OutcomeFirst
	}

	ahead := c.sub(sn, st.highest)
	switch {
	case ahead == 0:
		return OutcomeDuplicate
	case ahead == 1:
		st.highest = sn
		return OutcomeInOrder
	case ahead < c.half:
		missing := int(ahead - 1)
		if missing > c.rule.MaxGap {
			c.restart(st, sn, fmt.Sprintf("jump of %d from %d to %d", missing, st.highest, sn))
			return OutcomeReset
		}
		for i := uint32(1); i < ahead; i++ {
			c.detect(st, (st.highest+i)&c.mask, now)
		}
		st.highest = sn
		return OutcomeGap
	}

	if e, ok := st.open[sn]; ok {
		delete(st.open, sn)
		e.ev.State = protocol.LossRecovered
		c.loss(e.ev)
		return OutcomeRecovered
	}
	if back := c.sub(st.highest, sn); int(back) > c.rule.MaxGap {
		c.restart(st, sn, fmt.Sprintf("sequence went back %d from %d to %d", back, st.highest, sn))
		return OutcomeReset
	}
	return OutcomeDuplicate
}

// Advance fires every retry or abandonment due at now.
func (c *Coordinator) Advance(now time.Time) {
	for _, st := range c.ordered() {
		for _, sn := range c.pending(st) {
			e := st.open[sn]
			if now.Before(e.next) {
				continue
			}
			if e.ev.Retries < c.rule.MaxRetries {
				c.retry(e, now)
				continue
			}
			delete(st.open, sn)
			e.ev.State = protocol.LossAbandoned
			c.loss(e.ev)
		}
	}
}

// NextDeadline reports when Advance next has work to do.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, st := range c.streams {
		for _, e := range st.open {
			if next.IsZero() || e.next.Before(next) {
				next = e.next
			}
		}
	}
	return next, !next.IsZero()
}

// Open returns the outstanding loss events ordered by device id, oldest
// first within each device.
func (c *Coordinator) Open() []protocol.LossEvent {
	var out []protocol.LossEvent
	for _, st := range c.ordered() {
		for _, sn := range c.pending(st) {
			out = append(out, st.open[sn].ev)
		}
	}
	return out
}

// LastAccepted returns the highest sequence number of deviceID below which
// nothing is still outstanding. Specs without a device id use 0.
func (c *Coordinator) LastAccepted(deviceID uint32) uint32 {
	st, ok := c.streams[deviceID]
	if !ok {
		return 0
	}
	if len(st.open) == 0 {
		return st.highest
	}
	return c.sub(c.pending(st)[0], 1)
}

// Reset forgets all accounting without reporting the open events.
func (c *Coordinator) Reset() {
	c.streams = make(map[uint32]*stream)
}

func (c *Coordinator) detect(st *stream, sn uint32, now time.Time) {
	e := &entry{ev: protocol.LossEvent{
		Device:        c.device,
		Protocol:      c.name,
		DeviceID:      st.id,
		Seq:           sn,
		FirstDetected: now,
		State:         protocol.LossOpen,
	}}
	st.open[sn] = e
	c.loss(e.ev)
	c.retry(e, now)
}

func (c *Coordinator) retry(e *entry, now time.Time) {
	e.ev.Retries++
	e.ev.LastRetry = now
	e.ev.State = protocol.LossRetried
	e.next = now.Add(c.rule.Spacing)

	if c.hooks.Write == nil {
		return
	}
	if err := c.hooks.Write(c.rule.Encode(e.ev.Seq, e.ev.DeviceID)); err != nil {
		c.report(protocol.ErrorEvent{
			Kind:     protocol.KindRetryWrite,
			Severity: protocol.SeverityWarning,
			Protocol: c.name,
			Detail:   fmt.Sprintf("retry %d for seq %d of id %d: %v", e.ev.Retries, e.ev.Seq, e.ev.DeviceID, err),
		})
	}
}

func (c *Coordinator) restart(st *stream, sn uint32, detail string) {
	for _, old := range c.pending(st) {
		e := st.open[old]
		e.ev.State = protocol.LossAbandoned
		c.loss(e.ev)
	}
	st.open = make(map[uint32]*entry)
	st.highest = sn
	c.report(protocol.ErrorEvent{
		Kind:     protocol.KindSequenceReset,
		Severity: protocol.SeverityWarning,
		Protocol: c.name,
		Detail:   fmt.Sprintf("id %d: %s", st.id, detail),
	})
}

// ordered returns the streams by ascending device id.
func (c *Coordinator) ordered() []*stream {
	out := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *stream) int { return cmp.Compare(a.id, b.id) })
	return out
}

// pending returns the open sequence numbers of st, oldest first relative to
// the highest number seen.
func (c *Coordinator) pending(st *stream) []uint32 {
	keys := make([]uint32, 0, len(st.open))
	for sn := range st.open {
		keys = append(keys, sn)
	}
	slices.SortFunc(keys, func(a, b uint32) int {
		return cmp.Compare(c.sub(st.highest, b), c.sub(st.highest, a))
	})
	return keys
}

func (c *Coordinator) loss(ev protocol.LossEvent) {
	if c.hooks.OnLoss != nil {
		c.hooks.OnLoss(ev)
	}
}

func (c *Coordinator) report(ev protocol.ErrorEvent) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(ev)
	}
}
