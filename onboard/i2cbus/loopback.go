package i2cbus

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrNoDevice = errors.New("no device acknowledged the address")

// Device is an in-process bus participant, e.g. the MCU simulator.
type Device interface {
	// Responds reports whether the device currently answers on address.
	Responds(address uint8) bool
	HandleWrite(address uint8, data []byte) error
	HandleRead(address uint8, n int) ([]byte, error)
}

// Loopback routes reads and writes to an in-process Device.
type Loopback struct {
	device Device
	lock   sync.Mutex
}

func NewLoopback(device Device) *Loopback {
	return &Loopback{device: device}
}

func (b *Loopback) Bind(address uint8) (Link, error) {
	return &loopbackLink{bus: b, address: address}, nil
}

func (b *Loopback) Close() error {
	return nil
}

type loopbackLink struct {
	bus     *Loopback
	address uint8
}

func (l *loopbackLink) Write(data []byte) error {
	l.bus.lock.Lock()
	defer l.bus.lock.Unlock()

	if !l.bus.device.Responds(l.address) {
		return ErrNoDevice
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return l.bus.device.HandleWrite(l.address, buf)
}

func (l *loopbackLink) Read(n int) ([]byte, error) {
	l.bus.lock.Lock()
	defer l.bus.lock.Unlock()

	if !l.bus.device.Responds(l.address) {
		return nil, ErrNoDevice
	}
	return l.bus.device.HandleRead(l.address, n)
}
