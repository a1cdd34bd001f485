package poller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
)

// Telemetry slots as numbered by the MCU.
const (
	SlotMotor1 uint8 = iota
	SlotMotor2
	SlotMotor3
	SlotMotor4
	SlotMotor5
	SlotMotor6
	SlotSensor1
	SlotSensor2
	SlotSensor3
	SlotSensor4
	SlotBattery
	SlotAccelerometer
	SlotGyroscope
	SlotReset
	SlotOrientation

	SlotCount = 15
)

const DefaultInterval = 5 * time.Millisecond

// MotorSlot maps a 1-based motor port to its slot.
func MotorSlot(port int) uint8 {
	return SlotMotor1 + uint8(port-1)
}

// SensorSlot maps a 1-based sensor port to its slot.
func SensorSlot(port int) uint8 {
	return SlotSensor1 + uint8(port-1)
}

// MCU is the part of the robot command set the poller drives.
type MCU interface {
	StatusUpdaterReset() error
	StatusUpdaterControl(slot uint8, enable bool) error
	StatusUpdaterRead() ([]byte, error)
}

// Handler decodes one slot's payload.
type Handler func(payload []byte)

// Poller reads batched telemetry from the MCU and fans it out to slot
// handlers. Handlers and deferred functions all run on the Run goroutine.
type Poller struct {
	mcu      MCU
	interval time.Duration
	log      zerolog.Logger

	lock     sync.Mutex
	handlers [SlotCount]Handler
	deferred []func()
}

func New(mcu MCU, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		mcu:      mcu,
		interval: interval,
		log:      log,
	}
}

// Reset disables every slot on the MCU and drops all handlers.
func (p *Poller) Reset() error {
	p.lock.Lock()
	p.handlers = [SlotCount]Handler{}
	p.lock.Unlock()

	return p.mcu.StatusUpdaterReset()
}

func (p *Poller) EnableSlot(slot uint8, handler Handler) error {
	if slot >= SlotCount {
		return rerrors.PortIndexError{Kind: "slot", Index: int(slot), Count: SlotCount}
	}

	p.lock.Lock()
	p.handlers[slot] = handler
	p.lock.Unlock()

	return p.mcu.StatusUpdaterControl(slot, true)
}

func (p *Poller) DisableSlot(slot uint8) error {
	if slot >= SlotCount {
		return rerrors.PortIndexError{Kind: "slot", Index: int(slot), Count: SlotCount}
	}

	p.lock.Lock()
	p.handlers[slot] = nil
	p.lock.Unlock()

	return p.mcu.StatusUpdaterControl(slot, false)
}

// Defer queues fn to run on the poller goroutine before the next read.
// Callers that must return quickly, like BLE callbacks, use it to hand off
// work.
func (p *Poller) Defer(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.deferred = append(p.deferred, fn)
}

func (p *Poller) drain() {
	p.lock.Lock()
	queue := p.deferred
	p.deferred = nil
	p.lock.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// PollOnce reads one batch and dispatches every record in it.
func (p *Poller) PollOnce() error {
	raw, err := p.mcu.StatusUpdaterRead()
	if err != nil {
		return err
	}

	p.lock.Lock()
	handlers := p.handlers
	p.lock.Unlock()

	for i := 0; i < len(raw); {
		if i+2 > len(raw) {
			return errors.Errorf("truncated status record at offset %d", i)
		}
		slot, n := raw[i], int(raw[i+1])
		if i+2+n > len(raw) {
			return errors.Errorf("status record for slot %d overruns the batch", slot)
		}
		payload := raw[i+2 : i+2+n]
		i += 2 + n

		if int(slot) >= SlotCount {
			p.log.Warn().Uint8("slot", slot).Msg("status record for unknown slot")
			continue
		}
		if h := handlers[slot]; h != nil {
			h(payload)
		}
	}
	return nil
}

// Run polls until ctx is done or the transport fails. Other errors are
// logged and polling continues.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		p.drain()

		if err := p.PollOnce(); err != nil {
			var terr rerrors.TransportError
			if errors.As(err, &terr) {
				p.log.Error().Err(err).Msg("transport failed, stopping poller")
				return err
			}
			p.log.Warn().Err(err).Msg("status read failed")
		}
	}
}
