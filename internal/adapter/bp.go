// 血压计协议
// FA | len(1, 整帧长度) | type(1) | payload | xor(1, seed 0xFA)
// 测量结果: 收缩压(2, BE) 舒张压(2, BE) 脉率(1) 错误码(1)

package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

const (
	ProtocolBP = "bp"

	bpHeader      byte = 0xFA
	bpSeed        byte = 0xFA
	bpPayloadOff       = 3
	bpResultLen        = 6
	bpMaxFrame         = 32

	// BPTypeResult carries a finished measurement; other types are status.
	BPTypeResult byte = 0x01
)

// ErrNotMeasurement is returned when a BP frame carries no result.
var ErrNotMeasurement = errors.New("frame is not a measurement result")

// BPResult is one cuff measurement. A non-zero ErrorCode means the device
// aborted the measurement; its clinical meaning is vendor-defined.
type BPResult struct {
	Systolic  int  `json:"systolic" msgpack:"systolic"`
	Diastolic int  `json:"diastolic" msgpack:"diastolic"`
	Pulse     int  `json:"pulse" msgpack:"pulse"`
	ErrorCode byte `json:"error_code" msgpack:"error_code"`
}

// Valid reports whether the device finished the measurement.
func (r BPResult) Valid() bool {
	return r.ErrorCode == 0
}

// BloodPressure returns the spec of the blood pressure cuff. Every frame is
// one self-contained message, so there is no segment layout.
func BloodPressure() *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:   ProtocolBP,
		Header: []byte{bpHeader},
		Length: protocol.LengthRule{
			Kind:  protocol.LengthField,
			Field: protocol.FieldRule{Offset: 1, Width: 1},
		},
		PayloadOffset: bpPayloadOff,
		Trailer:       1,
		MaxFrame:      bpMaxFrame,
		Checksum: protocol.ChecksumRule{
			Kind:   protocol.ChecksumXOR,
			Start:  1,
			Tail:   1,
			Offset: -1,
			Seed:   bpSeed,
		},
		Resync: protocol.ResyncClear,
	}
}

// DecodeBloodPressure reads the measurement carried by a BP frame.
func DecodeBloodPressure(f protocol.Frame) (BPResult, error) {
	if len(f.Raw) <= 2 || f.Raw[2] != BPTypeResult {
		return BPResult{}, ErrNotMeasurement
	}
	p := f.Payload
	if len(p) < bpResultLen {
		return BPResult{}, fmt.Errorf("bp result payload %d bytes, want %d", len(p), bpResultLen)
	}
	return BPResult{
		Systolic:  int(binary.BigEndian.Uint16(p[0:2])),
		Diastolic: int(binary.BigEndian.Uint16(p[2:4])),
		Pulse:     int(p[4]),
		ErrorCode: p[5],
	}, nil
}

// EncodeBP builds a BP frame of the given type.
func EncodeBP(typ byte, payload []byte) []byte {
	n := bpPayloadOff + len(payload) + 1
	b := make([]byte, 0, n)
	b = append(b, bpHeader, byte(n), typ)
	b = append(b, payload...)
	return append(b, checksum.XORRolling(b, 1, len(b)-1, bpSeed))
}

// EncodeBPResult builds a measurement frame.
func EncodeBPResult(r BPResult) []byte {
	p := make([]byte, 0, bpResultLen)
	p = binary.BigEndian.AppendUint16(p, uint16(r.Systolic))
	p = binary.BigEndian.AppendUint16(p, uint16(r.Diastolic))
	p = append(p, byte(r.Pulse), r.ErrorCode)
	return EncodeBP(BPTypeResult, p)
}
