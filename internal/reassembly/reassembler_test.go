package reassembly

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlink/gateway/internal/protocol"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// twoChannel decodes a 4-byte segment into two big-endian samples scaled by 0.5.
func twoChannel(seg []byte) []float64 {
	return []float64{
		float64(binary.BigEndian.Uint16(seg[0:2])) * 0.5,
		float64(binary.BigEndian.Uint16(seg[2:4])) * 0.5,
	}
}

func layoutSpec(count, threshold int) *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:          "seg-test",
		Header:        []byte{0x7E},
		PayloadOffset: 1,
		Segments: &protocol.SegmentLayout{
			Count:     count,
			Size:      4,
			Channels:  []string{"a", "b"},
			Threshold: threshold,
			Decode:    twoChannel,
		},
	}
}

// frameWith builds a frame whose segment k carries (base+k, 1000+base+k).
func frameWith(count, base int) protocol.Frame {
	payload := make([]byte, 0, count*4)
	for k := 0; k < count; k++ {
		payload = binary.BigEndian.AppendUint16(payload, uint16(base+k))
		payload = binary.BigEndian.AppendUint16(payload, uint16(1000+base+k))
	}
	return protocol.Frame{Protocol: "seg-test", Payload: payload}
}

func collect(r *Reassembler, frames ...protocol.Frame) []*protocol.Packet {
	var out []*protocol.Packet
	for _, f := range frames {
		r.Push(f, func(p *protocol.Packet) { out = append(out, p) })
	}
	return out
}

func TestPush_ExactThreshold(t *testing.T) {
	const segmentsPerFrame, threshold = 5, 25
	r := New(layoutSpec(segmentsPerFrame, threshold), "dev-1", func() time.Time { return fixedNow }, nil)

	var frames []protocol.Frame
	for i := 0; i < threshold/segmentsPerFrame; i++ {
		frames = append(frames, frameWith(segmentsPerFrame, i*segmentsPerFrame))
	}
	packets := collect(r, frames...)

	require.Len(t, packets, 1)
	p := packets[0]
	assert.Equal(t, "seg-test", p.Protocol)
	assert.Equal(t, "dev-1", p.Device)
	assert.Equal(t, uint64(1), p.Seq)
	assert.Equal(t, fixedNow, p.Timestamp)
	assert.Equal(t, 5, p.Frames)

	a, b := p.Channel("a"), p.Channel("b")
	require.Len(t, a, threshold)
	require.Len(t, b, threshold)
	for k := 0; k < threshold; k++ {
		assert.InDelta(t, float64(k)*0.5, a[k], 1e-9)
		assert.InDelta(t, float64(1000+k)*0.5, b[k], 1e-9)
	}
	assert.Equal(t, 0, r.Pending())
}

func TestPush_CarriesRemainder(t *testing.T) {
	r := New(layoutSpec(4, 10), "dev", nil, nil)

	packets := collect(r, frameWith(4, 0), frameWith(4, 4), frameWith(4, 8))

	require.Len(t, packets, 1)
	a := packets[0].Channel("a")
	require.Len(t, a, 10)
	assert.InDelta(t, 4.5, a[9], 1e-9)
	assert.Equal(t, 3, packets[0].Frames)
	assert.Equal(t, 2, r.Pending(), "samples 10 and 11 carry over")

	more := collect(r, frameWith(4, 12), frameWith(4, 16))
	require.Len(t, more, 1)
	next := more[0].Channel("a")
	require.Len(t, next, 10)
	assert.InDelta(t, 5.0, next[0], 1e-9, "no sample dropped or duplicated")
	assert.InDelta(t, 9.5, next[9], 1e-9)
	assert.Equal(t, 3, more[0].Frames)
	assert.Equal(t, uint64(2), more[0].Seq)
	assert.Equal(t, 0, r.Pending())
}

func TestPush_MultiplePacketsFromOneFrame(t *testing.T) {
	r := New(layoutSpec(6, 2), "dev", nil, nil)

	packets := collect(r, frameWith(6, 0))

	require.Len(t, packets, 3)
	for i, p := range packets {
		assert.Equal(t, uint64(i+1), p.Seq)
		assert.Equal(t, 1, p.Frames)
		assert.Len(t, p.Channel("a"), 2)
	}
}

func TestPush_DeriveRunsOnFinish(t *testing.T) {
	spec := layoutSpec(2, 2)
	spec.Segments.Derive = func(p *protocol.Packet) {
		a, b := p.Channel("a"), p.Channel("b")
		sum := make([]float64, len(a))
		for i := range a {
			sum[i] = a[i] + b[i]
		}
		p.SetChannel("sum", sum)
	}
	r := New(spec, "dev", nil, nil)

	packets := collect(r, frameWith(2, 0))

	require.Len(t, packets, 1)
	assert.Equal(t, []float64{500, 501}, packets[0].Channel("sum"))
}

func TestPush_ShortPayloadIsReported(t *testing.T) {
	var events []protocol.ErrorEvent
	r := New(layoutSpec(4, 8), "dev", nil, func(ev protocol.ErrorEvent) { events = append(events, ev) })

	packets := collect(r, frameWith(3, 0))

	assert.Empty(t, packets)
	assert.Equal(t, 0, r.Pending())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindDecode, events[0].Kind)
}

func TestPush_BadDecoderOutputSkipsSegment(t *testing.T) {
	var events []protocol.ErrorEvent
	spec := layoutSpec(2, 4)
	spec.Segments.Decode = func(seg []byte) []float64 {
		if seg[1] == 1 {
			return []float64{1}
		}
		return twoChannel(seg)
	}
	r := New(spec, "dev", nil, func(ev protocol.ErrorEvent) { events = append(events, ev) })

	collect(r, frameWith(2, 0))

	assert.Equal(t, 1, r.Pending())
	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindDecode, events[0].Kind)
}

func TestPush_RejectedFramesAreSkipped(t *testing.T) {
	spec := layoutSpec(5, 10)
	spec.Segments.Accept = func(f protocol.Frame) bool { return f.Payload[0] == 0 }
	var reported []protocol.ErrorEvent
	r := New(spec, "dev", func() time.Time { return fixedNow }, func(ev protocol.ErrorEvent) {
		reported = append(reported, ev)
	})

	packets := collect(r, frameWith(5, 0), frameWith(5, 300), frameWith(1, 300), frameWith(5, 5))

	require.Len(t, packets, 1)
	assert.Equal(t, []float64{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5}, packets[0].Channel("a"))
	assert.Empty(t, reported, "rejected frames are not decoded at all")
	assert.Equal(t, 0, r.Pending())
}

func TestReset(t *testing.T) {
	r := New(layoutSpec(2, 4), "dev", nil, nil)
	collect(r, frameWith(2, 0))
	require.Equal(t, 2, r.Pending())

	r.Reset()
	assert.Equal(t, 0, r.Pending())

	packets := collect(r, frameWith(2, 10), frameWith(2, 12))
	require.Len(t, packets, 1)
	assert.Equal(t, uint64(1), packets[0].Seq)
	assert.InDelta(t, 5.0, packets[0].Channel("a")[0], 1e-9)
}
