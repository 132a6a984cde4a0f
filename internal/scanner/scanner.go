// Package scanner cuts validated frames out of an accumulator according to
// a protocol.FrameSpec.
package scanner

import (
	"fmt"

	"medlink/gateway/internal/accumulator"
	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

// Stats counts scanner activity since creation.
type Stats struct {
	Frames           int64
	ResyncBytes      int64
	ChecksumFailures int64
	LengthFailures   int64
}

// Scanner is the framing state machine of one connection. The only state it
// keeps between calls is the accumulator content itself plus counters.
type Scanner struct {
	spec   *protocol.FrameSpec
	report func(protocol.ErrorEvent)
	stats  Stats
}

// New creates a scanner for a validated spec. report may be nil.
func New(spec *protocol.FrameSpec, report func(protocol.ErrorEvent)) *Scanner {
	if report == nil {
		report = func(protocol.ErrorEvent) {}
	}
	return &Scanner{spec: spec, report: report}
}

// Stats returns a copy of the counters.
func (s *Scanner) Stats() Stats {
	return s.stats
}

// Scan drains every complete frame from acc, calling emit for each in
// stream order, and returns the number emitted. It returns as soon as more
// bytes are needed.
func (s *Scanner) Scan(acc *accumulator.Accumulator, emit func(protocol.Frame)) int {
	spec := s.spec
	emitted := 0

	for acc.Size() > 0 {
		// Locate header.
		idx := acc.Find(spec.Header, 0)
		if idx == accumulator.NotFound {
			s.dropUnmatched(acc)
			return emitted
		}

		// Discard leading garbage.
		if idx > 0 {
			acc.DiscardFront(idx)
			s.stats.ResyncBytes += int64(idx)
			s.report(protocol.ErrorEvent{
				Kind:     protocol.KindDesync,
				Severity: protocol.SeverityWarning,
				Protocol: spec.Name,
				Detail:   "garbage before header",
				Bytes:    idx,
			})
		}

		// Resolve frame length.
		n, ok := s.frameLength(acc.Peek())
		if !ok {
			return emitted
		}
		if n < spec.MinSize() || n > spec.MaxFrame {
			s.stats.LengthFailures++
			s.reject(acc, protocol.KindLength, fmt.Sprintf("declared length %d outside [%d, %d]", n, spec.MinSize(), spec.MaxFrame))
			continue
		}

		// Wait for the full frame.
		if acc.Size() < n {
			return emitted
		}

		// Validate.
		if !s.checksumValid(acc.Peek()[:n]) {
			s.stats.ChecksumFailures++
			s.reject(acc, protocol.KindChecksum, spec.Checksum.Kind.String()+" mismatch")
			continue
		}

		// Emit.
		raw, err := acc.Read(0, n, true)
		if err != nil {
			// Size was checked above; an error here means the accumulator
			// changed underneath us. Start over from a clean buffer.
			acc.Clear()
			return emitted
		}
		s.stats.Frames++
		emitted++
		emit(s.frame(raw))
	}
	return emitted
}

// frameLength resolves the total size of the candidate at the buffer start.
// ok is false when more bytes are needed to read the length field.
func (s *Scanner) frameLength(buf []byte) (int, bool) {
	spec := s.spec
	if n, fixed := spec.FixedSize(); fixed {
		return n, true
	}
	field := spec.Length.Field
	if len(buf) < field.End() {
		return 0, false
	}
	return int(field.Read(buf)) + spec.Length.Adjust, true
}

func (s *Scanner) checksumValid(frame []byte) bool {
	c := s.spec.Checksum
	if c.Kind == protocol.ChecksumNone {
		return true
	}
	n := len(frame)
	pos := c.Position(n)
	end := n - c.Tail
	if pos < 0 || pos+c.Width() > n || end < c.Start {
		return false
	}

	switch c.Kind {
	case protocol.ChecksumCRC16:
		want := checksum.CRC16(frame, c.Start, end-c.Start, c.Order == protocol.BigEndian)
		return frame[pos] == want[0] && frame[pos+1] == want[1]
	case protocol.ChecksumXOR:
		return frame[pos] == checksum.XORRolling(frame, c.Start, end-c.Start, c.Seed)
	default:
		return false
	}
}

// reject drops exactly one byte so a genuine header inside the corrupt
// candidate can still be found.
func (s *Scanner) reject(acc *accumulator.Accumulator, kind protocol.ErrorKind, detail string) {
	acc.DiscardFront(1)
	s.stats.ResyncBytes++
	s.report(protocol.ErrorEvent{
		Kind:     kind,
		Severity: protocol.SeverityWarning,
		Protocol: s.spec.Name,
		Detail:   detail,
		Bytes:    1,
	})
}

// dropUnmatched applies the resync policy to a buffer without a header.
func (s *Scanner) dropUnmatched(acc *accumulator.Accumulator) {
	keep := 0
	if s.spec.Resync == protocol.ResyncScan {
		keep = acc.TailPrefixLen(s.spec.Header)
	}
	dropped := acc.DiscardFront(acc.Size() - keep)
	if dropped == 0 {
		return
	}
	s.stats.ResyncBytes += int64(dropped)
	s.report(protocol.ErrorEvent{
		Kind:     protocol.KindDesync,
		Severity: protocol.SeverityWarning,
		Protocol: s.spec.Name,
		Detail:   "no header in buffer (" + s.spec.Resync.String() + ")",
		Bytes:    dropped,
	})
}

func (s *Scanner) frame(raw []byte) protocol.Frame {
	spec := s.spec
	f := protocol.Frame{
		Protocol:      spec.Name,
		Raw:           raw,
		Payload:       raw[spec.PayloadOffset : len(raw)-spec.Trailer],
		Length:        len(raw),
		ChecksumValid: true,
	}
	if spec.Sequence != nil {
		f.Seq = spec.Sequence.Read(raw)
		f.HasSeq = true
	}
	if spec.DeviceID != nil {
		f.DeviceID = spec.DeviceID.Read(raw)
		f.HasDeviceID = true
	}
	return f
}
