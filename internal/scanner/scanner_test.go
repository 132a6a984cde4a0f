package scanner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlink/gateway/internal/accumulator"
	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

func retryCmd(sn, id uint32) []byte { return []byte{0x52, byte(sn), byte(id)} }

// crcSpec: AA 55 | len | sn(2, BE) | id | payload | crc16 LE over [2, n-2).
func crcSpec(maxFrame int) *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:          "crc-test",
		Header:        []byte{0xAA, 0x55},
		Length:        protocol.LengthRule{Kind: protocol.LengthField, Field: protocol.FieldRule{Offset: 2, Width: 1}, Adjust: 8},
		PayloadOffset: 6,
		Trailer:       2,
		MaxFrame:      maxFrame,
		Checksum:      protocol.ChecksumRule{Kind: protocol.ChecksumCRC16, Start: 2, Tail: 2, Offset: -2, Order: protocol.LittleEndian},
		Sequence:      &protocol.FieldRule{Offset: 3, Width: 2},
		DeviceID:      &protocol.FieldRule{Offset: 5, Width: 1},
		Resync:        protocol.ResyncScan,
		Retry:         &protocol.RetryRule{Encode: retryCmd},
	}
}

func encodeCRC(sn uint16, id byte, payload []byte) []byte {
	b := []byte{0xAA, 0x55, byte(len(payload)), byte(sn >> 8), byte(sn), id}
	b = append(b, payload...)
	crc := checksum.CRC16(b, 2, len(b)-2, false)
	return append(b, crc[0], crc[1])
}

// xorSpec: A5 | sn | 4 data bytes | xor over [1, n-1). Fixed 7 bytes.
func xorSpec(policy protocol.ResyncPolicy) *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:          "xor-test",
		Header:        []byte{0xA5},
		Length:        protocol.LengthRule{Kind: protocol.LengthFixed, Size: 7},
		PayloadOffset: 2,
		Trailer:       1,
		MaxFrame:      7,
		Checksum:      protocol.ChecksumRule{Kind: protocol.ChecksumXOR, Start: 1, Tail: 1, Offset: -1},
		Sequence:      &protocol.FieldRule{Offset: 1, Width: 1},
		Resync:        policy,
		Retry:         &protocol.RetryRule{Encode: retryCmd},
	}
}

func encodeXOR(sn byte, data [4]byte) []byte {
	b := append([]byte{0xA5, sn}, data[:]...)
	return append(b, checksum.XORRolling(b, 1, len(b)-1, 0))
}

type harness struct {
	acc    *accumulator.Accumulator
	sc     *Scanner
	frames []protocol.Frame
	events []protocol.ErrorEvent
}

func newHarness(t *testing.T, spec *protocol.FrameSpec) *harness {
	t.Helper()
	require.NoError(t, spec.Validate())
	h := &harness{acc: accumulator.New(0)}
	h.sc = New(spec, func(ev protocol.ErrorEvent) { h.events = append(h.events, ev) })
	return h
}

func (h *harness) feed(t *testing.T, chunks ...[]byte) {
	t.Helper()
	for _, c := range chunks {
		_, err := h.acc.Append(c)
		require.NoError(t, err)
		h.sc.Scan(h.acc, func(f protocol.Frame) { h.frames = append(h.frames, f) })
	}
}

func (h *harness) kinds() map[protocol.ErrorKind]int {
	out := make(map[protocol.ErrorKind]int)
	for _, ev := range h.events {
		out[ev.Kind]++
	}
	return out
}

var samplePayload = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}

func TestScan_SingleFrame(t *testing.T) {
	h := newHarness(t, crcSpec(64))
	raw := encodeCRC(0x0102, 7, samplePayload)

	h.feed(t, raw)

	require.Len(t, h.frames, 1)
	f := h.frames[0]
	assert.Equal(t, raw, f.Raw)
	assert.Equal(t, samplePayload, f.Payload)
	assert.Equal(t, len(raw), f.Length)
	assert.True(t, f.ChecksumValid)
	assert.True(t, f.HasSeq)
	assert.Equal(t, uint32(0x0102), f.Seq)
	assert.True(t, f.HasDeviceID)
	assert.Equal(t, uint32(7), f.DeviceID)
	assert.Equal(t, 0, h.acc.Size())
	assert.Empty(t, h.events)
}

func TestScan_ChunkBoundaryIndependence(t *testing.T) {
	raw := encodeCRC(42, 1, samplePayload)

	for i := 0; i <= len(raw); i++ {
		for j := i; j <= len(raw); j++ {
			h := newHarness(t, crcSpec(64))
			h.feed(t, raw[:i], raw[i:j], raw[j:])

			require.Len(t, h.frames, 1, "split at %d/%d", i, j)
			assert.Equal(t, samplePayload, h.frames[0].Payload)
			assert.Empty(t, h.events, "split at %d/%d", i, j)
		}
	}
}

func TestScan_OneByteAtATime(t *testing.T) {
	for _, spec := range []*protocol.FrameSpec{crcSpec(64), xorSpec(protocol.ResyncClear)} {
		t.Run(spec.Name, func(t *testing.T) {
			var stream []byte
			if spec.Name == "crc-test" {
				stream = append(encodeCRC(1, 1, samplePayload), encodeCRC(2, 1, samplePayload[:3])...)
			} else {
				stream = append(encodeXOR(1, [4]byte{1, 2, 3, 4}), encodeXOR(2, [4]byte{5, 6, 7, 8})...)
			}

			h := newHarness(t, spec)
			for _, b := range stream {
				h.feed(t, []byte{b})
			}

			require.Len(t, h.frames, 2)
			assert.Equal(t, uint32(1), h.frames[0].Seq)
			assert.Equal(t, uint32(2), h.frames[1].Seq)
			assert.Empty(t, h.events)
		})
	}
}

func TestScan_DrainsAllBufferedFramesInOrder(t *testing.T) {
	h := newHarness(t, crcSpec(64))
	var stream []byte
	for sn := uint16(1); sn <= 5; sn++ {
		stream = append(stream, encodeCRC(sn, 3, samplePayload[:sn])...)
	}

	h.feed(t, stream)

	require.Len(t, h.frames, 5)
	for i, f := range h.frames {
		assert.Equal(t, uint32(i+1), f.Seq)
		assert.Len(t, f.Payload, i+1)
	}
	assert.Equal(t, int64(5), h.sc.Stats().Frames)
}

func TestScan_ResyncDiscardsRandomPrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	raw := encodeCRC(9, 2, samplePayload)

	for trial := 0; trial < 50; trial++ {
		prefix := make([]byte, 1+rng.Intn(40))
		for i := range prefix {
			// Keep the prefix free of header anchors so it cannot open a
			// spurious candidate.
			for prefix[i] = byte(rng.Intn(256)); prefix[i] == 0xAA; prefix[i] = byte(rng.Intn(256)) {
			}
		}

		h := newHarness(t, crcSpec(64))
		h.feed(t, append(prefix, raw...))

		require.Len(t, h.frames, 1, "trial %d", trial)
		assert.Equal(t, raw, h.frames[0].Raw)

		dropped := 0
		for _, ev := range h.events {
			assert.Equal(t, protocol.KindDesync, ev.Kind)
			dropped += ev.Bytes
		}
		assert.Equal(t, len(prefix), dropped)
		assert.Equal(t, int64(len(prefix)), h.sc.Stats().ResyncBytes)
	}
}

func TestScan_ChecksumRejectionAndRecovery(t *testing.T) {
	bad := encodeCRC(1, 1, samplePayload)
	good := encodeCRC(2, 1, samplePayload)
	headerLen := 2

	for byteIdx := headerLen; byteIdx < len(bad); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), bad...)
			corrupt[byteIdx] ^= 1 << bit

			// A tight max frame keeps a corrupted length field from
			// stalling the scanner past the following frame.
			h := newHarness(t, crcSpec(len(bad)+3))
			h.feed(t, append(corrupt, good...))

			require.Len(t, h.frames, 1, "byte %d bit %d", byteIdx, bit)
			assert.Equal(t, uint32(2), h.frames[0].Seq, "byte %d bit %d", byteIdx, bit)
			assert.Equal(t, 0, h.acc.Size())

			k := h.kinds()
			assert.Positive(t, k[protocol.KindChecksum]+k[protocol.KindLength], "byte %d bit %d", byteIdx, bit)
		}
	}
}

func TestScan_LengthOutOfBoundsDropsOneByte(t *testing.T) {
	h := newHarness(t, crcSpec(32))
	huge := []byte{0xAA, 0x55, 0xF0, 0x00}

	h.feed(t, huge)

	assert.Empty(t, h.frames)
	assert.Equal(t, 1, h.kinds()[protocol.KindLength])
	assert.Equal(t, int64(1), h.sc.Stats().LengthFailures)
	// The remaining bytes hold no header and are dropped as desync.
	assert.Equal(t, 0, h.acc.Size())
}

func TestScan_WaitsForLengthField(t *testing.T) {
	h := newHarness(t, crcSpec(64))

	h.feed(t, []byte{0xAA, 0x55})
	assert.Equal(t, 2, h.acc.Size())
	assert.Empty(t, h.frames)
	assert.Empty(t, h.events)
}

func TestScan_ResyncPolicies(t *testing.T) {
	t.Run("scan keeps split header", func(t *testing.T) {
		h := newHarness(t, crcSpec(64))
		raw := encodeCRC(5, 1, samplePayload)

		h.feed(t, []byte{0x10, 0x20, raw[0]})
		assert.Equal(t, 1, h.acc.Size())
		h.feed(t, raw[1:])

		require.Len(t, h.frames, 1)
		assert.Equal(t, 2, h.events[0].Bytes)
	})

	t.Run("clear drops the whole buffer", func(t *testing.T) {
		h := newHarness(t, xorSpec(protocol.ResyncClear))

		h.feed(t, []byte{0x01, 0x02, 0x03})
		assert.Equal(t, 0, h.acc.Size())
		require.Len(t, h.events, 1)
		assert.Equal(t, protocol.KindDesync, h.events[0].Kind)
		assert.Equal(t, 3, h.events[0].Bytes)

		h.feed(t, encodeXOR(3, [4]byte{9, 9, 9, 9}))
		require.Len(t, h.frames, 1)
		assert.Equal(t, uint32(3), h.frames[0].Seq)
	})

	t.Run("clear still drops garbage before a header", func(t *testing.T) {
		h := newHarness(t, xorSpec(protocol.ResyncClear))

		h.feed(t, append([]byte{0x00, 0x11}, encodeXOR(4, [4]byte{1, 1, 1, 1})...))
		require.Len(t, h.frames, 1)
		assert.Equal(t, 2, h.events[0].Bytes)
	})
}

func TestScan_FindsHeaderInsideCorruptCandidate(t *testing.T) {
	h := newHarness(t, xorSpec(protocol.ResyncScan))
	good := encodeXOR(8, [4]byte{1, 2, 3, 4})

	// A truncated frame whose tail is immediately followed by a good frame:
	// the first candidate swallows part of the good one and fails its
	// checksum, the one-byte resync then finds the real header.
	stream := append([]byte{0xA5, 0x07, 0x01}, good...)
	h.feed(t, stream)

	require.Len(t, h.frames, 1)
	assert.Equal(t, good, h.frames[0].Raw)
	assert.GreaterOrEqual(t, h.kinds()[protocol.KindChecksum], 1)
}

func TestScan_NoChecksumSpec(t *testing.T) {
	spec := xorSpec(protocol.ResyncScan)
	spec.Checksum = protocol.ChecksumRule{}
	h := newHarness(t, spec)

	h.feed(t, []byte{0xA5, 1, 2, 3, 4, 5, 0xFF})

	require.Len(t, h.frames, 1)
	assert.Equal(t, []byte{2, 3, 4, 5}, h.frames[0].Payload)
}
