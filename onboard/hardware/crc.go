package hardware

const (
	crc7Init  = 0xFF
	crc16Init = 0xFFFF
)

var crc7Table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		if crc&0x80 != 0 {
			crc ^= 0x89
		}
		for j := 1; j < 8; j++ {
			crc <<= 1
			if crc&0x80 != 0 {
				crc ^= 0x89
			}
		}
		crc7Table[i] = crc
	}
}

// CRC7 is the SD-card style CRC7 (polynomial 0x09) used for frame headers.
func CRC7(data []byte) byte {
	crc := byte(crc7Init)
	for _, b := range data {
		crc = crc7Table[(crc<<1)^b]
	}
	return crc
}

// CRC16 is CRC-CCITT in its reflected form, seeded with 0xFFFF. The CRC of
// an empty buffer is therefore 0xFFFF, which is also the sentinel the MCU
// uses for empty payloads.
func CRC16(data []byte) uint16 {
	crc := uint16(crc16Init)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}
