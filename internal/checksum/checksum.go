// Package checksum implements the trailer checksums used by the supported
// device protocols. The same functions validate inbound frames and stamp
// outbound commands, so both directions always agree with the firmware.
package checksum

const (
	crc16Seed = 0xFFFF
	crc16Poly = 0xA001
)

// CRC16Value returns the Modbus CRC-16 register (seed 0xFFFF, reflected
// polynomial 0xA001) over data.
func CRC16Value(data []byte) uint16 {
	var crc uint16 = crc16Seed
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRC16 computes the Modbus CRC-16 over data[start:start+n] and returns it
// as two bytes in the requested byte order. Modbus itself transmits the low
// byte first, i.e. bigEndian=false.
func CRC16(data []byte, start, n int, bigEndian bool) [2]byte {
	crc := CRC16Value(span(data, start, n))
	if bigEndian {
		return [2]byte{byte(crc >> 8), byte(crc)}
	}
	return [2]byte{byte(crc), byte(crc >> 8)}
}

// XORRolling folds every byte of data[start:start+n] into seed with XOR.
func XORRolling(data []byte, start, n int, seed byte) byte {
	sum := seed
	for _, b := range span(data, start, n) {
		sum ^= b
	}
	return sum
}

// span clamps [start, start+n) to the bounds of data.
func span(data []byte, start, n int) []byte {
	if start < 0 {
		n += start
		start = 0
	}
	if start > len(data) || n <= 0 {
		return nil
	}
	end := start + n
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
