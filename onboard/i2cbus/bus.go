package i2cbus

const (
	// 7-bit addresses of the two MCU images.
	AddressBootloader uint8 = 0x2B
	AddressApplication uint8 = 0x2D
)

// Link is one addressed device on the bus. Every Write carries a whole
// frame; Read fetches exactly n bytes.
type Link interface {
	Write(data []byte) error
	Read(n int) ([]byte, error)
}

// Bus hands out links for a device address.
type Bus interface {
	Bind(address uint8) (Link, error)
	Close() error
}
