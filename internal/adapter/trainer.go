// 康复训练器协议
// 5A A5 | len(2, LE, payload 长度) | id(1) | sn(2, LE) | payload | crc16(2, BE)

package adapter

import (
	"encoding/binary"
	"fmt"

	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

const (
	ProtocolTrainer = "trainer"

	trainerOverhead   = 9
	trainerPayloadOff = 7
	trainerStateLen   = 5
	trainerMaxFrame   = 512

	trainerRetryCmd byte = 0x52
)

var trainerHeader = []byte{0x5A, 0xA5}

// TrainerMode is the drive mode reported by the trainer.
type TrainerMode byte

const (
	ModeIdle TrainerMode = iota
	ModePassive
	ModeAssisted
	ModeActive
)

func (m TrainerMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePassive:
		return "passive"
	case ModeAssisted:
		return "assisted"
	case ModeActive:
		return "active"
	default:
		return fmt.Sprintf("mode(%d)", byte(m))
	}
}

// TrainerState is one status report of the rehab trainer.
type TrainerState struct {
	SpeedRPM float64     `json:"speed_rpm" msgpack:"speed_rpm"`
	TorqueNm float64     `json:"torque_nm" msgpack:"torque_nm"`
	Mode     TrainerMode `json:"mode" msgpack:"mode"`
}

// Trainer returns the spec of the rehab trainer. Several trainers can share
// one bridge link, so frames carry a device id.
func Trainer() *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:   ProtocolTrainer,
		Header: append([]byte(nil), trainerHeader...),
		Length: protocol.LengthRule{
			Kind:   protocol.LengthField,
			Field:  protocol.FieldRule{Offset: 2, Width: 2, Order: protocol.LittleEndian},
			Adjust: trainerOverhead,
		},
		PayloadOffset: trainerPayloadOff,
		Trailer:       2,
		MaxFrame:      trainerMaxFrame,
		Checksum: protocol.ChecksumRule{
			Kind:   protocol.ChecksumCRC16,
			Start:  2,
			Tail:   2,
			Offset: -2,
			Order:  protocol.BigEndian,
		},
		Sequence: &protocol.FieldRule{Offset: 5, Width: 2, Order: protocol.LittleEndian},
		DeviceID: &protocol.FieldRule{Offset: 4, Width: 1},
		Resync:   protocol.ResyncScan,
		Retry:    &protocol.RetryRule{Encode: TrainerRetry},
	}
}

// DecodeTrainerState reads the status report carried by a trainer frame.
func DecodeTrainerState(f protocol.Frame) (TrainerState, error) {
	p := f.Payload
	if len(p) < trainerStateLen {
		return TrainerState{}, fmt.Errorf("trainer payload %d bytes, want %d", len(p), trainerStateLen)
	}
	return TrainerState{
		SpeedRPM: float64(binary.LittleEndian.Uint16(p[0:2])) * 0.1,
		TorqueNm: float64(int16(binary.LittleEndian.Uint16(p[2:4]))) * 0.01,
		Mode:     TrainerMode(p[4]),
	}, nil
}

// EncodeTrainer builds a trainer frame around payload.
func EncodeTrainer(id byte, sn uint16, payload []byte) []byte {
	b := make([]byte, 0, trainerOverhead+len(payload))
	b = append(b, trainerHeader...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, id)
	b = binary.LittleEndian.AppendUint16(b, sn)
	b = append(b, payload...)
	crc := checksum.CRC16(b, 2, len(b)-2, true)
	return append(b, crc[0], crc[1])
}

// EncodeTrainerState builds a status frame. Speed is rounded to 0.1 rpm and
// torque to 0.01 Nm.
func EncodeTrainerState(id byte, sn uint16, s TrainerState) []byte {
	p := make([]byte, 0, trainerStateLen)
	p = binary.LittleEndian.AppendUint16(p, uint16(s.SpeedRPM*10+0.5))
	p = binary.LittleEndian.AppendUint16(p, uint16(int16(roundHalfAway(s.TorqueNm*100))))
	p = append(p, byte(s.Mode))
	return EncodeTrainer(id, sn, p)
}

// TrainerRetry asks trainer id to resend sn.
func TrainerRetry(sn uint32, id uint32) []byte {
	return EncodeTrainer(byte(id), uint16(sn), []byte{trainerRetryCmd})
}

func roundHalfAway(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}
