// Package protocol defines the declarative frame specs and the values that
// flow out of a device pipeline.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownProtocol is wrapped by every setup-time configuration failure.
var ErrUnknownProtocol = errors.New("unknown protocol configuration")

// ByteOrder selects the endianness of a multi-byte field.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

func (o ByteOrder) String() string {
	if o == LittleEndian {
		return "little"
	}
	return "big"
}

// LengthKind selects how a frame's total size is resolved.
type LengthKind int

const (
	// LengthFixed frames are always Size bytes.
	LengthFixed LengthKind = iota
	// LengthField frames carry their size in a header field (value + Adjust).
	LengthField
	// LengthSegments frames are sized by the segment layout.
	LengthSegments
)

// ChecksumKind selects the trailer checksum algorithm.
type ChecksumKind int

const (
	ChecksumNone ChecksumKind = iota
	ChecksumCRC16
	ChecksumXOR
)

func (k ChecksumKind) String() string {
	switch k {
	case ChecksumNone:
		return "none"
	case ChecksumCRC16:
		return "crc16"
	case ChecksumXOR:
		return "xor"
	default:
		return "unknown"
	}
}

// ResyncPolicy decides what happens to a buffer that holds no header.
type ResyncPolicy int

const (
	// ResyncScan keeps a trailing partial header and waits for more bytes.
	ResyncScan ResyncPolicy = iota
	// ResyncClear drops the whole buffer. Suited to devices whose
	// notifications always start on a frame boundary.
	ResyncClear
)

func (p ResyncPolicy) String() string {
	if p == ResyncClear {
		return "clear"
	}
	return "scan"
}

// ParseResyncPolicy maps a config string to a policy.
func ParseResyncPolicy(s string) (ResyncPolicy, error) {
	switch s {
	case "scan", "lenient":
		return ResyncScan, nil
	case "clear", "aggressive":
		return ResyncClear, nil
	default:
		return ResyncScan, fmt.Errorf("%w: resync policy %q", ErrUnknownProtocol, s)
	}
}

// FieldRule locates an unsigned integer field inside a frame.
type FieldRule struct {
	Offset int
	Width  int // 1, 2 or 4
	Order  ByteOrder
}

// End returns the first offset past the field.
func (r FieldRule) End() int {
	return r.Offset + r.Width
}

// Read extracts the field from frame bytes. The caller guarantees len(b) >= End().
func (r FieldRule) Read(b []byte) uint32 {
	f := b[r.Offset:r.End()]
	switch r.Width {
	case 1:
		return uint32(f[0])
	case 2:
		if r.Order == LittleEndian {
			return uint32(binary.LittleEndian.Uint16(f))
		}
		return uint32(binary.BigEndian.Uint16(f))
	default:
		if r.Order == LittleEndian {
			return binary.LittleEndian.Uint32(f)
		}
		return binary.BigEndian.Uint32(f)
	}
}

func (r FieldRule) validate(what string) error {
	if r.Offset < 0 {
		return fmt.Errorf("%w: %s offset %d", ErrUnknownProtocol, what, r.Offset)
	}
	switch r.Width {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("%w: %s width %d", ErrUnknownProtocol, what, r.Width)
	}
}

// LengthRule resolves a frame's total size.
type LengthRule struct {
	Kind   LengthKind
	Size   int // LengthFixed
	Field  FieldRule
	Adjust int // added to the field value to obtain the total size
}

// ChecksumRule describes the trailer checksum. The covered range is
// [Start, len-Tail); the checksum itself sits at Offset, which counts from
// the frame end when negative.
type ChecksumRule struct {
	Kind   ChecksumKind
	Start  int
	Tail   int
	Offset int
	Order  ByteOrder
	Seed   byte
}

// Width returns the number of checksum bytes on the wire.
func (c ChecksumRule) Width() int {
	switch c.Kind {
	case ChecksumCRC16:
		return 2
	case ChecksumXOR:
		return 1
	default:
		return 0
	}
}

// Position resolves Offset against a frame of length n.
func (c ChecksumRule) Position(n int) int {
	if c.Offset < 0 {
		return n + c.Offset
	}
	return c.Offset
}

// SegmentDecoder turns one fixed-size segment into one value per channel,
// in SegmentLayout.Channels order.
type SegmentDecoder func(seg []byte) []float64

// DeriveFunc computes derived channels of a finished packet in place.
type DeriveFunc func(p *Packet)

// RetryEncoder builds the device command requesting retransmission of sn.
type RetryEncoder func(sn uint32, deviceID uint32) []byte

// SegmentLayout describes the repeating sample groups inside a payload.
type SegmentLayout struct {
	Count     int
	Size      int
	Channels  []string
	Threshold int
	Decode    SegmentDecoder
	Derive    DeriveFunc
	// Accept selects the frames that carry samples. Rejected frames still
	// reach OnFrame and loss accounting. Nil accepts every frame.
	Accept func(Frame) bool
}

// RetryRule bounds the retransmission protocol of a sequenced device.
type RetryRule struct {
	MaxRetries int
	Spacing    time.Duration
	// MaxGap is the largest gap that is still worth recovering. Larger
	// jumps restart sequence accounting.
	MaxGap int
	Encode RetryEncoder
}

// Defaults applied by WithDefaults.
const (
	DefaultMaxRetries = 1
	DefaultSpacing    = 200 * time.Millisecond
	DefaultMaxGap     = 32
	DefaultMaxFrame   = 1024
)

// WithDefaults fills zero fields.
func (r RetryRule) WithDefaults() RetryRule {
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.Spacing <= 0 {
		r.Spacing = DefaultSpacing
	}
	if r.MaxGap <= 0 {
		r.MaxGap = DefaultMaxGap
	}
	return r
}

// FrameSpec is the declarative framing convention of one device protocol.
// Treat it as immutable once validated.
type FrameSpec struct {
	Name   string
	Header []byte
	Length LengthRule

	PayloadOffset int
	Trailer       int

	MinFrame int
	MaxFrame int

	Checksum ChecksumRule
	Sequence *FieldRule
	DeviceID *FieldRule
	Segments *SegmentLayout
	Resync   ResyncPolicy
	Retry    *RetryRule
}

// FixedSize returns the total frame size when it does not depend on frame
// contents.
func (s *FrameSpec) FixedSize() (int, bool) {
	switch s.Length.Kind {
	case LengthFixed:
		return s.Length.Size, true
	case LengthSegments:
		return s.PayloadOffset + s.Segments.Count*s.Segments.Size + s.Trailer, true
	default:
		return 0, false
	}
}

// MinSize is the smallest frame the spec can describe.
func (s *FrameSpec) MinSize() int {
	n := s.PayloadOffset + s.Trailer
	if n < len(s.Header) {
		n = len(s.Header)
	}
	if s.MinFrame > n {
		n = s.MinFrame
	}
	return n
}

// Validate rejects malformed specs. Every error wraps ErrUnknownProtocol.
func (s *FrameSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrUnknownProtocol)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrUnknownProtocol)
	}
	if len(s.Header) == 0 {
		return fmt.Errorf("%w: %s: empty header", ErrUnknownProtocol, s.Name)
	}
	if s.PayloadOffset < len(s.Header) || s.Trailer < 0 {
		return fmt.Errorf("%w: %s: payload offset %d overlaps header", ErrUnknownProtocol, s.Name, s.PayloadOffset)
	}
	if s.MaxFrame <= 0 {
		return fmt.Errorf("%w: %s: max frame must be positive", ErrUnknownProtocol, s.Name)
	}

	switch s.Length.Kind {
	case LengthFixed:
		if s.Length.Size < s.MinSize() || s.Length.Size > s.MaxFrame {
			return fmt.Errorf("%w: %s: fixed size %d out of bounds", ErrUnknownProtocol, s.Name, s.Length.Size)
		}
	case LengthField:
		if err := s.Length.Field.validate(s.Name + " length field"); err != nil {
			return err
		}
		if s.Length.Field.End() > s.PayloadOffset {
			return fmt.Errorf("%w: %s: length field must precede the payload", ErrUnknownProtocol, s.Name)
		}
	case LengthSegments:
		if s.Segments == nil {
			return fmt.Errorf("%w: %s: segment length without a segment layout", ErrUnknownProtocol, s.Name)
		}
		if n, _ := s.FixedSize(); n > s.MaxFrame {
			return fmt.Errorf("%w: %s: segment frame size %d exceeds max frame %d", ErrUnknownProtocol, s.Name, n, s.MaxFrame)
		}
	default:
		return fmt.Errorf("%w: %s: length kind %d", ErrUnknownProtocol, s.Name, s.Length.Kind)
	}

	if err := s.validateChecksum(); err != nil {
		return err
	}

	fields := []struct {
		what string
		rule *FieldRule
	}{{"sequence", s.Sequence}, {"device id", s.DeviceID}}
	for _, f := range fields {
		if f.rule == nil {
			continue
		}
		if err := f.rule.validate(s.Name + " " + f.what); err != nil {
			return err
		}
		if f.rule.End() > s.PayloadOffset {
			return fmt.Errorf("%w: %s: %s field must precede the payload", ErrUnknownProtocol, s.Name, f.what)
		}
	}

	if seg := s.Segments; seg != nil {
		if seg.Count <= 0 || seg.Size <= 0 || seg.Threshold <= 0 {
			return fmt.Errorf("%w: %s: segment layout needs positive count, size and threshold", ErrUnknownProtocol, s.Name)
		}
		if seg.Decode == nil || len(seg.Channels) == 0 {
			return fmt.Errorf("%w: %s: segment layout needs a decoder and channels", ErrUnknownProtocol, s.Name)
		}
	}

	if s.Sequence != nil && s.Retry == nil {
		return fmt.Errorf("%w: %s: sequence field without a retry rule", ErrUnknownProtocol, s.Name)
	}
	if s.Retry != nil {
		if s.Sequence == nil {
			return fmt.Errorf("%w: %s: retry rule without a sequence field", ErrUnknownProtocol, s.Name)
		}
		if s.Retry.Encode == nil {
			return fmt.Errorf("%w: %s: retry rule without an encoder", ErrUnknownProtocol, s.Name)
		}
	}

	switch s.Resync {
	case ResyncScan, ResyncClear:
	default:
		return fmt.Errorf("%w: %s: resync policy %d", ErrUnknownProtocol, s.Name, s.Resync)
	}
	return nil
}

func (s *FrameSpec) validateChecksum() error {
	c := s.Checksum
	switch c.Kind {
	case ChecksumNone:
		return nil
	case ChecksumCRC16, ChecksumXOR:
	default:
		return fmt.Errorf("%w: %s: checksum kind %d", ErrUnknownProtocol, s.Name, c.Kind)
	}
	if c.Start < 0 || c.Tail < 0 {
		return fmt.Errorf("%w: %s: negative checksum range", ErrUnknownProtocol, s.Name)
	}
	if c.Offset < 0 && -c.Offset < c.Width() {
		return fmt.Errorf("%w: %s: checksum offset %d leaves no room for %d bytes", ErrUnknownProtocol, s.Name, c.Offset, c.Width())
	}
	return nil
}

// Clone returns a shallow copy with its own header, so per-device tuning
// never leaks into the catalog entry.
func (s *FrameSpec) Clone() *FrameSpec {
	c := *s
	c.Header = append([]byte(nil), s.Header...)
	if s.Segments != nil {
		seg := *s.Segments
		seg.Channels = append([]string(nil), s.Segments.Channels...)
		c.Segments = &seg
	}
	if s.Retry != nil {
		r := *s.Retry
		c.Retry = &r
	}
	return &c
}
