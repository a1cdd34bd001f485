//go:build !linux

package i2cbus

import "github.com/pkg/errors"

type HardwareBus struct{}

func NewBus(bus int) (*HardwareBus, error) {
	return nil, errors.Errorf("i2c-%d: hardware bus is only available on linux, run simulated", bus)
}

func (b *HardwareBus) Bind(address uint8) (Link, error) {
	return nil, errors.New("hardware bus unavailable")
}

func (b *HardwareBus) Close() error {
	return nil
}
