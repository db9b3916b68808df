package canbus

// CRC16 computes the checksum the Katapult bootloader expects on framed
// commands. It is the reflected CCITT variant Katapult uses, implemented
// with the same shift trick as the reference tooling.
func CRC16(buf []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = ((data << 8) | (crc >> 8)) ^ (data >> 4) ^ (data << 3)
	}
	return crc
}
