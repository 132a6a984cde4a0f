// 呼吸绑带协议
// A5 | sn(1) | 4 x int16 LE (0.1mm) | xor(1), 固定 11 字节

package adapter

import (
	"encoding/binary"

	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

const (
	ProtocolResp = "resp"

	respSegments    = 4
	respSegmentSize = 2
	respThreshold   = 20
	respScale       = 0.1

	// ChannelChest is the chest excursion series in millimetres.
	ChannelChest = "chest_mm"

	respRetryCmd byte = 0x52
)

const respHeader byte = 0xA5

// Resp returns the spec of the respiration belt. Its notifications always
// start on a frame boundary, so a buffer without a header is dropped whole.
func Resp() *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:          ProtocolResp,
		Header:        []byte{respHeader},
		Length:        protocol.LengthRule{Kind: protocol.LengthSegments},
		PayloadOffset: 2,
		Trailer:       1,
		MaxFrame:      2 + respSegments*respSegmentSize + 1,
		Checksum: protocol.ChecksumRule{
			Kind:   protocol.ChecksumXOR,
			Start:  1,
			Tail:   1,
			Offset: -1,
		},
		Sequence: &protocol.FieldRule{Offset: 1, Width: 1},
		Segments: &protocol.SegmentLayout{
			Count:     respSegments,
			Size:      respSegmentSize,
			Channels:  []string{ChannelChest},
			Threshold: respThreshold,
			Decode: func(seg []byte) []float64 {
				return []float64{float64(int16(binary.LittleEndian.Uint16(seg))) * respScale}
			},
		},
		Resync: protocol.ResyncClear,
		Retry:  &protocol.RetryRule{Encode: RespRetry},
	}
}

// EncodeResp builds a respiration frame from four raw samples.
func EncodeResp(sn byte, samples [respSegments]int16) []byte {
	b := make([]byte, 0, 2+respSegments*respSegmentSize+1)
	b = append(b, respHeader, sn)
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return append(b, checksum.XORRolling(b, 1, len(b)-1, 0))
}

// RespRetry asks the belt to resend sn.
func RespRetry(sn uint32, _ uint32) []byte {
	b := []byte{respHeader, respRetryCmd, byte(sn)}
	return append(b, checksum.XORRolling(b, 1, len(b)-1, 0))
}
