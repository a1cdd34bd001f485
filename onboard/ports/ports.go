package ports

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/poller"
)

const NotConfiguredName = "NotConfigured"

var ErrUnknownDriver = errors.New("driver not supported by the mcu")

type Kind int

const (
	KindMotor Kind = iota
	KindSensor
)

func (k Kind) String() string {
	if k == KindMotor {
		return "motor"
	}
	return "sensor"
}

type Event int

const (
	EventConfigChanged Event = iota
	EventStatusChanged
)

type MotorMCU interface {
	SetMotorPortType(port, driver uint8) error
	SetMotorPortConfig(port uint8, config []byte) error
	SetMotorPortControlValue(commands []byte) ([]byte, error)
}

type SensorMCU interface {
	SetSensorPortType(port, driver uint8) error
	SetSensorPortConfig(port uint8, config []byte) error
}

// SlotControl is implemented by the status poller.
type SlotControl interface {
	EnableSlot(slot uint8, handler poller.Handler) error
	DisableSlot(slot uint8) error
}

// Driver is what runs on a port.
type Driver interface {
	Name() string
	// Config is sent to the MCU after the port type is set.
	Config() []byte
	UpdateStatus(payload []byte)
}

// detacher is implemented by drivers holding state that must be dropped
// when the port is reconfigured.
type detacher interface {
	detach()
}

// DriverConfig selects and parameterizes a driver.
type DriverConfig interface {
	DriverName() string
}

type notConfigured struct{}

func (notConfigured) Name() string   { return NotConfiguredName }
func (notConfigured) Config() []byte { return nil }
func (notConfigured) UpdateStatus(_ []byte) {}

type NotConfigured struct{}

func (NotConfigured) DriverName() string { return NotConfiguredName }

// Handler owns the ports of one kind.
type Handler struct {
	kind   Kind
	motors MotorMCU
	sensor SensorMCU
	slots  SlotControl
	types  map[string]uint8
	ports  []*Port
	log    zerolog.Logger
}

func NewMotorPorts(mcu MotorMCU, slots SlotControl, count int, types map[string]uint8, log zerolog.Logger) *Handler {
	h := &Handler{kind: KindMotor, motors: mcu, slots: slots, types: types, log: log}
	h.createPorts(count)
	return h
}

func NewSensorPorts(mcu SensorMCU, slots SlotControl, count int, types map[string]uint8, log zerolog.Logger) *Handler {
	h := &Handler{kind: KindSensor, sensor: mcu, slots: slots, types: types, log: log}
	h.createPorts(count)
	return h
}

func (h *Handler) createPorts(count int) {
	h.ports = make([]*Port, count)
	for i := range h.ports {
		h.ports[i] = &Port{
			ID:      i + 1,
			Events:  observable.NewEmitter[Event](),
			handler: h,
			driver:  notConfigured{},
		}
	}
}

func (h *Handler) Kind() Kind {
	return h.kind
}

func (h *Handler) Count() int {
	return len(h.ports)
}

// Port returns a port by its 1-based id.
func (h *Handler) Port(id int) (*Port, error) {
	if id < 1 || id > len(h.ports) {
		return nil, rerrors.PortIndexError{Kind: h.kind.String(), Index: id, Count: len(h.ports)}
	}
	return h.ports[id-1], nil
}

func (h *Handler) Ports() []*Port {
	return h.ports
}

// Supports reports whether the MCU knows a driver.
func (h *Handler) Supports(name string) bool {
	_, ok := h.types[name]
	return ok
}

// Reset returns every port to NotConfigured.
func (h *Handler) Reset() error {
	for _, p := range h.ports {
		if err := p.Uninitialize(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) slot(port int) uint8 {
	if h.kind == KindMotor {
		return poller.MotorSlot(port)
	}
	return poller.SensorSlot(port)
}

func (h *Handler) setType(port int, driver uint8) error {
	if h.kind == KindMotor {
		return h.motors.SetMotorPortType(uint8(port), driver)
	}
	return h.sensor.SetSensorPortType(uint8(port), driver)
}

func (h *Handler) setConfig(port int, config []byte) error {
	if h.kind == KindMotor {
		return h.motors.SetMotorPortConfig(uint8(port), config)
	}
	return h.sensor.SetSensorPortConfig(uint8(port), config)
}

// Port is one physical connector. Events carries EventConfigChanged with
// the new Driver and EventStatusChanged with the driver after each update.
type Port struct {
	ID     int
	Events *observable.Emitter[Event]

	handler *Handler
	lock    sync.Mutex
	driver  Driver
}

func (p *Port) Driver() Driver {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.driver
}

func (p *Port) Kind() Kind {
	return p.handler.kind
}

// Configure replaces the port's driver.
func (p *Port) Configure(config DriverConfig) (d Driver, err error) {
	name := config.DriverName()
	id, ok := p.handler.types[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "%s port %d: %s", p.handler.kind, p.ID, name)
	}

	d, err = p.createDriver(config)
	if err != nil {
		return nil, err
	}

	slot := p.handler.slot(p.ID)
	if err = p.handler.slots.DisableSlot(slot); err != nil {
		return nil, err
	}
	if err = p.handler.setType(p.ID, id); err != nil {
		return nil, err
	}

	if name != NotConfiguredName {
		if cfg := d.Config(); len(cfg) > 0 {
			if err = p.handler.setConfig(p.ID, cfg); err != nil {
				return nil, err
			}
		}
		if err = p.handler.slots.EnableSlot(slot, p.updateStatus); err != nil {
			return nil, err
		}
	}

	p.lock.Lock()
	old := p.driver
	p.driver = d
	p.lock.Unlock()

	if dd, ok := old.(detacher); ok {
		dd.detach()
	}

	p.handler.log.Debug().Stringer("kind", p.handler.kind).Int("port", p.ID).Str("driver", name).Msg("port configured")
	p.Events.Emit(EventConfigChanged, d)
	return d, nil
}

func (p *Port) Uninitialize() error {
	_, err := p.Configure(NotConfigured{})
	return err
}

func (p *Port) updateStatus(payload []byte) {
	d := p.Driver()
	d.UpdateStatus(payload)
	p.Events.Emit(EventStatusChanged, d)
}

func (p *Port) createDriver(config DriverConfig) (Driver, error) {
	switch c := config.(type) {
	case NotConfigured:
		return notConfigured{}, nil
	case DcMotorConfig:
		if p.handler.kind != KindMotor {
			break
		}
		return newDcMotor(p, c), nil
	case UltrasonicConfig:
		if p.handler.kind != KindSensor {
			break
		}
		return newUltrasonic(c), nil
	case BumperConfig:
		if p.handler.kind != KindSensor {
			break
		}
		return newBumper(c), nil
	case ColorConfig:
		if p.handler.kind != KindSensor {
			break
		}
		return newColorSensor(), nil
	}
	return nil, rerrors.ConfigError{
		Field:  p.handler.kind.String(),
		Reason: "driver " + config.DriverName() + " cannot run on this port",
	}
}
