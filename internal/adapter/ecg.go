// 心电监护仪协议
// AA 55 | len(1) | cmd(1) | sn(2, BE) | payload | crc16(2, LE)
// len 为 payload 长度, crc 覆盖 len..payload

package adapter

import (
	"medlink/gateway/internal/checksum"
	"medlink/gateway/internal/protocol"
)

const (
	ProtocolECG = "ecg"

	ecgOverhead      = 8
	ecgPayloadOffset = 6
	ecgSegments      = 5
	ecgSegmentSize   = 3
	ecgThreshold     = 25

	// ECGCmdData marks a sample frame; ECGCmdRetry asks for a retransmission.
	ECGCmdData  byte = 0x01
	ECGCmdRetry byte = 0x52

	ecgBaseline = 2048
	ecgMilliV   = 0.005
)

var ecgHeader = []byte{0xAA, 0x55}

// ECG lead names in packet order. The last four are derived from I and II.
const (
	LeadI   = "I"
	LeadII  = "II"
	LeadIII = "III"
	LeadAVR = "aVR"
	LeadAVL = "aVL"
	LeadAVF = "aVF"
)

// ECGCalibration holds the additive offsets of the derived leads. They are
// per-device data and default to zero.
type ECGCalibration struct {
	III float64 `yaml:"iii" json:"iii"`
	AVR float64 `yaml:"avr" json:"avr"`
	AVL float64 `yaml:"avl" json:"avl"`
	AVF float64 `yaml:"avf" json:"avf"`
}

// ECG returns the spec of the two-lead ECG monitor.
func ECG(cal ECGCalibration) *protocol.FrameSpec {
	return &protocol.FrameSpec{
		Name:   ProtocolECG,
		Header: append([]byte(nil), ecgHeader...),
		Length: protocol.LengthRule{
			Kind:   protocol.LengthField,
			Field:  protocol.FieldRule{Offset: 2, Width: 1},
			Adjust: ecgOverhead,
		},
		PayloadOffset: ecgPayloadOffset,
		Trailer:       2,
		MaxFrame:      ecgOverhead + 255,
		Checksum: protocol.ChecksumRule{
			Kind:   protocol.ChecksumCRC16,
			Start:  2,
			Tail:   2,
			Offset: -2,
			Order:  protocol.LittleEndian,
		},
		Sequence: &protocol.FieldRule{Offset: 4, Width: 2, Order: protocol.BigEndian},
		Segments: &protocol.SegmentLayout{
			Count:     ecgSegments,
			Size:      ecgSegmentSize,
			Channels:  []string{LeadI, LeadII},
			Threshold: ecgThreshold,
			Decode:    decodeECGSegment,
			Derive:    deriveLeads(cal),
			Accept:    isECGData,
		},
		Resync: protocol.ResyncScan,
		Retry:  &protocol.RetryRule{Encode: ECGRetry},
	}
}

func isECGData(f protocol.Frame) bool {
	return len(f.Raw) > 3 && f.Raw[3] == ECGCmdData
}

// decodeECGSegment unpacks two 12-bit samples from three bytes.
func decodeECGSegment(seg []byte) []float64 {
	lead1 := int(seg[0])<<4 | int(seg[1])>>4
	lead2 := int(seg[1]&0x0F)<<8 | int(seg[2])
	return []float64{ecgMV(lead1), ecgMV(lead2)}
}

func ecgMV(raw int) float64 {
	return float64(raw-ecgBaseline) * ecgMilliV
}

func deriveLeads(cal ECGCalibration) protocol.DeriveFunc {
	return func(p *protocol.Packet) {
		i, ii := p.Channel(LeadI), p.Channel(LeadII)
		n := min(len(i), len(ii))
		iii := make([]float64, n)
		avr := make([]float64, n)
		avl := make([]float64, n)
		avf := make([]float64, n)
		for k := 0; k < n; k++ {
			iii[k] = ii[k] - i[k] + cal.III
			avr[k] = -(i[k]+ii[k])/2 + cal.AVR
			avl[k] = i[k] - ii[k]/2 + cal.AVL
			avf[k] = ii[k] - i[k]/2 + cal.AVF
		}
		p.SetChannel(LeadIII, iii)
		p.SetChannel(LeadAVR, avr)
		p.SetChannel(LeadAVL, avl)
		p.SetChannel(LeadAVF, avf)
	}
}

// EncodeECG builds an ECG frame. Samples are raw 12-bit (I, II) pairs.
func EncodeECG(cmd byte, sn uint16, samples [][2]uint16) []byte {
	payload := make([]byte, 0, len(samples)*ecgSegmentSize)
	for _, s := range samples {
		a, b := s[0]&0x0FFF, s[1]&0x0FFF
		payload = append(payload, byte(a>>4), byte(a<<4)|byte(b>>8), byte(b))
	}
	return encodeECGFrame(cmd, sn, payload)
}

func encodeECGFrame(cmd byte, sn uint16, payload []byte) []byte {
	b := make([]byte, 0, ecgOverhead+len(payload))
	b = append(b, ecgHeader...)
	b = append(b, byte(len(payload)), cmd, byte(sn>>8), byte(sn))
	b = append(b, payload...)
	crc := checksum.CRC16(b, 2, len(b)-2, false)
	return append(b, crc[0], crc[1])
}

// ECGRetry is an empty ECG frame carrying the retry command and the missing
// sequence number.
func ECGRetry(sn uint32, _ uint32) []byte {
	return encodeECGFrame(ECGCmdRetry, uint16(sn), nil)
}
