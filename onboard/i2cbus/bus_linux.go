//go:build linux

package i2cbus

import (
	"sync"

	"github.com/d2r2/go-i2c"
	logger "github.com/d2r2/go-logger"
	"github.com/pkg/errors"
)

func init() {
	// go-i2c logs every transfer at debug level
	logger.ChangePackageLogLevel("i2c", logger.InfoLevel)
}

type HardwareBus struct {
	bus   int
	lock  sync.Mutex
	links map[uint8]*hardwareLink
}

type hardwareLink struct {
	dev *i2c.I2C
}

// NewBus opens /dev/i2c-<bus>. Devices are opened lazily on Bind.
func NewBus(bus int) (*HardwareBus, error) {
	return &HardwareBus{
		bus:   bus,
		links: make(map[uint8]*hardwareLink),
	}, nil
}

func (b *HardwareBus) Bind(address uint8) (Link, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if l, ok := b.links[address]; ok {
		return l, nil
	}

	dev, err := i2c.NewI2C(address, b.bus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c-%d address 0x%02X", b.bus, address)
	}

	l := &hardwareLink{dev: dev}
	b.links[address] = l
	return l, nil
}

func (b *HardwareBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	var firstErr error
	for addr, l := range b.links {
		if err := l.dev.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close address 0x%02X", addr)
		}
		delete(b.links, addr)
	}
	return firstErr
}

func (l *hardwareLink) Write(data []byte) error {
	n, err := l.dev.WriteBytes(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Errorf("short write: %d/%d bytes", n, len(data))
	}
	return nil
}

func (l *hardwareLink) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := l.dev.ReadBytes(buf)
	if err != nil {
		return nil, err
	}
	if got != n {
		return nil, errors.Errorf("short read: %d/%d bytes", got, n)
	}
	return buf, nil
}
