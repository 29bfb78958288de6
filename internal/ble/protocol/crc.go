package protocol

// CRC16 computes CRC-16/MODBUS (reflected polynomial 0xA001, initial value
// 0xFFFF), the integrity checksum carried at the end of every frame.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
