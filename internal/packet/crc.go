package packet

// Crc16 computes the CRC-16-CCITT (polynomial 0x1021) of data. The two
// framing generations seeded it differently, 0x0000 for fixed frames and
// 0xFFFF for legacy frames, so the initial value is a parameter.
func Crc16(init uint16, data []byte) uint16 {
	crc := init
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
