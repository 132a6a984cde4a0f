// Package reassembly folds fixed-size segments decoded from frame payloads
// into timestamped multi-channel packets.
package reassembly

import (
	"fmt"
	"time"

	"medlink/gateway/internal/protocol"
)

// Reassembler owns the in-progress packet of one device.
type Reassembler struct {
	spec   *protocol.FrameSpec
	layout *protocol.SegmentLayout
	device string
	now    func() time.Time
	report func(protocol.ErrorEvent)

	channels [][]float64
	frames   int
	seq      uint64
}

// New creates a reassembler for a spec with a segment layout. now and report
// may be nil.
func New(spec *protocol.FrameSpec, device string, now func() time.Time, report func(protocol.ErrorEvent)) *Reassembler {
	if now == nil {
		now = time.Now
	}
	if report == nil {
		report = func(protocol.ErrorEvent) {}
	}
	r := &Reassembler{
		spec:   spec,
		layout: spec.Segments,
		device: device,
		now:    now,
		report: report,
	}
	r.reset()
	return r
}

// Push decodes the segments of f in order and calls emit for every packet
// that reaches the sample threshold. Samples beyond the threshold carry
// over into the next packet.
func (r *Reassembler) Push(f protocol.Frame, emit func(*protocol.Packet)) {
	l := r.layout
	if l.Accept != nil && !l.Accept(f) {
		return
	}
	need := l.Count * l.Size
	if len(f.Payload) < need {
		r.report(protocol.ErrorEvent{
			Kind:     protocol.KindDecode,
			Severity: protocol.SeverityWarning,
			Protocol: r.spec.Name,
			Detail:   fmt.Sprintf("payload %d bytes, want %d for %d segments", len(f.Payload), need, l.Count),
		})
		return
	}

	contributed := false
	for i := 0; i < l.Count; i++ {
		seg := f.Payload[i*l.Size : (i+1)*l.Size]
		values := l.Decode(seg)
		if len(values) != len(l.Channels) {
			r.report(protocol.ErrorEvent{
				Kind:     protocol.KindDecode,
				Severity: protocol.SeverityWarning,
				Protocol: r.spec.Name,
				Detail:   fmt.Sprintf("segment %d decoded %d values for %d channels", i, len(values), len(l.Channels)),
			})
			continue
		}
		if !contributed {
			r.frames++
			contributed = true
		}
		full := false
		for c, v := range values {
			r.channels[c] = append(r.channels[c], v)
			if len(r.channels[c]) >= l.Threshold {
				full = true
			}
		}
		if full {
			emit(r.finish())
			contributed = false
		}
	}
}

// Pending returns the number of samples buffered in the longest channel.
func (r *Reassembler) Pending() int {
	n := 0
	for _, c := range r.channels {
		if len(c) > n {
			n = len(c)
		}
	}
	return n
}

// Reset drops the in-progress packet and restarts packet numbering.
func (r *Reassembler) Reset() {
	r.reset()
	r.seq = 0
}

func (r *Reassembler) reset() {
	r.channels = make([][]float64, len(r.layout.Channels))
	for i := range r.channels {
		r.channels[i] = make([]float64, 0, r.layout.Threshold)
	}
	r.frames = 0
}

func (r *Reassembler) finish() *protocol.Packet {
	r.seq++
	p := &protocol.Packet{
		Protocol:  r.spec.Name,
		Device:    r.device,
		Seq:       r.seq,
		Timestamp: r.now(),
		Frames:    r.frames,
		Channels:  make([]protocol.Channel, 0, len(r.layout.Channels)),
	}
	for i, name := range r.layout.Channels {
		p.Channels = append(p.Channels, protocol.Channel{Name: name, Samples: r.channels[i]})
	}
	if r.layout.Derive != nil {
		r.layout.Derive(p)
	}
	r.reset()
	return p
}
