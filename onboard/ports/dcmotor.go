package ports

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

const DcMotorName = "DcMotor"

type RequestType uint8

const (
	RequestPower RequestType = iota
	RequestSpeed
	RequestAbsolutePosition
	RequestRelativePosition
)

type limitKind uint8

const (
	limitPower limitKind = iota
	limitSpeed
)

type MotorStatus int8

const (
	MotorNormal MotorStatus = iota
	MotorBlocked
	MotorGoalReached
)

func (s MotorStatus) String() string {
	switch s {
	case MotorNormal:
		return "normal"
	case MotorBlocked:
		return "blocked"
	case MotorGoalReached:
		return "goal_reached"
	}
	return "unknown"
}

const motorStatusSize = 11

var ErrRequestIDs = errors.New("mcu returned a request id count that does not match the commands sent")

// PID gains with output limits.
type PID struct {
	P, I, D                float32
	LowerLimit, UpperLimit float32
}

// DcMotorConfig configures the MCU's motor controller.
type DcMotorConfig struct {
	Reversed bool
	// encoder ticks per output shaft revolution
	Resolution         float32
	PositionController PID
	SpeedController    PID
	// deceleration and acceleration limits in deg/s²
	AccelerationLimits [2]float32
	MaxCurrent         float32
	// (input, output) pairs mapping requested to applied power
	Linearity [][2]float32
}

func (DcMotorConfig) DriverName() string { return DcMotorName }

// DefaultMotorConfig is the stock geared motor.
func DefaultMotorConfig() DcMotorConfig {
	return DcMotorConfig{
		Resolution:         1168,
		PositionController: PID{P: 12, I: 0.1, D: 0, LowerLimit: -900, UpperLimit: 900},
		SpeedController:    PID{P: 0.6048, I: 0.0224, D: 0.1, LowerLimit: -100, UpperLimit: 100},
		AccelerationLimits: [2]float32{14400, 3600},
		MaxCurrent:         1.5,
		Linearity: [][2]float32{
			{0.5, 0}, {5, 20}, {10, 40}, {20, 60}, {35, 80}, {60, 100},
		},
	}
}

func (c DcMotorConfig) encode() []byte {
	values := []float32{c.Resolution}
	for _, pid := range []PID{c.PositionController, c.SpeedController} {
		values = append(values, pid.P, pid.I, pid.D, pid.LowerLimit, pid.UpperLimit)
	}
	values = append(values, c.AccelerationLimits[0], c.AccelerationLimits[1], c.MaxCurrent)
	for _, pair := range c.Linearity {
		values = append(values, pair[0], pair[1])
	}

	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return raw
}

// Request is one packed motor command.
type Request struct {
	Port    int
	Type    RequestType
	Payload []byte
}

// Encode packs the request as [(len << 3) | port index, type, payload...].
func (r Request) Encode() []byte {
	raw := make([]byte, 2, 2+len(r.Payload))
	raw[0] = byte(len(r.Payload))<<3 | byte(r.Port-1)&0x07
	raw[1] = byte(r.Type)
	return append(raw, r.Payload...)
}

// PositionLimits optionally bounds a position move. Zero fields are unset.
type PositionLimits struct {
	Speed float32
	Power float32
}

func f32(v float32) []byte {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(v))
	return raw
}

func PowerRequest(port int, power int) Request {
	if power > 100 {
		power = 100
	} else if power < -100 {
		power = -100
	}
	return Request{Port: port, Type: RequestPower, Payload: []byte{byte(int8(power))}}
}

// SpeedRequest takes deg/s; a powerLimit of zero means unlimited.
func SpeedRequest(port int, speed float32, powerLimit float32) Request {
	payload := f32(speed)
	if powerLimit != 0 {
		payload = append(payload, f32(powerLimit)...)
	}
	return Request{Port: port, Type: RequestSpeed, Payload: payload}
}

func PositionRequest(port int, target int32, relative bool, limits PositionLimits) Request {
	t := RequestAbsolutePosition
	if relative {
		t = RequestRelativePosition
	}

	payload := make([]byte, 4, 13)
	binary.LittleEndian.PutUint32(payload, uint32(target))
	switch {
	case limits.Speed != 0 && limits.Power != 0:
		payload = append(payload, f32(limits.Speed)...)
		payload = append(payload, f32(limits.Power)...)
	case limits.Speed != 0:
		payload = append(payload, byte(limitSpeed))
		payload = append(payload, f32(limits.Speed)...)
	case limits.Power != 0:
		payload = append(payload, byte(limitPower))
		payload = append(payload, f32(limits.Power)...)
	}
	return Request{Port: port, Type: t, Payload: payload}
}

// MotorState is a decoded status record.
type MotorState struct {
	Status    MotorStatus
	Power     int8
	Pos       int32
	Speed     float32
	RequestID uint8
}

func DecodeMotorState(raw []byte) (s MotorState, err error) {
	if len(raw) != motorStatusSize {
		return s, errors.Errorf("motor status must be %d bytes, got %d", motorStatusSize, len(raw))
	}
	s.Status = MotorStatus(int8(raw[0]))
	s.Power = int8(raw[1])
	s.Pos = int32(binary.LittleEndian.Uint32(raw[2:6]))
	s.Speed = math.Float32frombits(binary.LittleEndian.Uint32(raw[6:10]))
	s.RequestID = raw[10]
	return
}

func EncodeMotorState(s MotorState) []byte {
	raw := make([]byte, motorStatusSize)
	raw[0] = byte(s.Status)
	raw[1] = byte(s.Power)
	binary.LittleEndian.PutUint32(raw[2:6], uint32(s.Pos))
	binary.LittleEndian.PutUint32(raw[6:10], math.Float32bits(s.Speed))
	raw[10] = s.RequestID
	return raw
}

// DcMotor drives a motor port. Positions and speeds are in degrees and
// deg/s as seen by scripts: reversed motors are mirrored and positions are
// shifted by an offset.
type DcMotor struct {
	port   *Port
	config DcMotorConfig
	dir    int32

	lock      sync.Mutex
	raw       MotorState
	offset    int32
	requestID uint8
	pending   bool
	awaiter   *observable.Awaiter
}

func newDcMotor(port *Port, config DcMotorConfig) *DcMotor {
	dir := int32(1)
	if config.Reversed {
		dir = -1
	}
	return &DcMotor{port: port, config: config, dir: dir}
}

func (m *DcMotor) Name() string   { return DcMotorName }
func (m *DcMotor) Config() []byte { return m.config.encode() }
func (m *DcMotor) Port() int      { return m.port.ID }

func (m *DcMotor) UpdateStatus(payload []byte) {
	s, err := DecodeMotorState(payload)
	if err != nil {
		m.port.handler.log.Warn().Err(err).Int("port", m.port.ID).Msg("bad motor status")
		return
	}

	var done *observable.Awaiter
	m.lock.Lock()
	m.raw = s
	if m.awaiter != nil && m.pending && s.RequestID == m.requestID && s.Status != MotorNormal {
		done = m.awaiter
		m.awaiter = nil
	}
	m.lock.Unlock()

	if done != nil {
		done.Finish()
	}
}

// State returns the last status in script coordinates.
func (m *DcMotor) State() MotorState {
	m.lock.Lock()
	defer m.lock.Unlock()

	s := m.raw
	s.Pos = m.dir*s.Pos + m.offset
	s.Speed = float32(m.dir) * s.Speed
	s.Power = int8(m.dir) * s.Power
	return s
}

func (m *DcMotor) Pos() int32              { return m.State().Pos }
func (m *DcMotor) Speed() float32          { return m.State().Speed }
func (m *DcMotor) Power() int8             { return m.State().Power }
func (m *DcMotor) Status() MotorStatus     { return m.State().Status }
func (m *DcMotor) Reversed() bool          { return m.dir < 0 }
func (m *DcMotor) Settings() DcMotorConfig { return m.config }

// InSync reports whether the last status belongs to the last command sent.
func (m *DcMotor) InSync() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pending && m.raw.RequestID == m.requestID
}

// ResetPosition makes the current position read as zero.
func (m *DcMotor) ResetPosition() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.offset = -m.dir * m.raw.Pos
}

func (m *DcMotor) PowerRequest(power int) Request {
	return PowerRequest(m.port.ID, int(m.dir)*power)
}

func (m *DcMotor) SpeedRequest(speed, powerLimit float32) Request {
	return SpeedRequest(m.port.ID, float32(m.dir)*speed, powerLimit)
}

// PositionRequest converts a script position to the MCU's frame: relative
// moves keep the delta, absolute targets drop the offset.
func (m *DcMotor) PositionRequest(target int32, relative bool, limits PositionLimits) Request {
	if !relative {
		m.lock.Lock()
		target -= m.offset
		m.lock.Unlock()
	}
	return PositionRequest(m.port.ID, m.dir*target, relative, limits)
}

func (m *DcMotor) SetPower(power int) error {
	return m.port.handler.Send(Command{Motor: m, Request: m.PowerRequest(power)})
}

func (m *DcMotor) SetSpeed(speed, powerLimit float32) error {
	return m.port.handler.Send(Command{Motor: m, Request: m.SpeedRequest(speed, powerLimit)})
}

// SetPosition starts a move; the awaiter finishes when the MCU reports the
// goal reached or the motor blocked for this request.
func (m *DcMotor) SetPosition(target int32, relative bool, limits PositionLimits) (*observable.Awaiter, error) {
	a := observable.NewAwaiter()
	err := m.port.handler.Send(Command{Motor: m, Request: m.PositionRequest(target, relative, limits), Awaiter: a})
	if err != nil {
		a.Cancel()
		return nil, err
	}
	return a, nil
}

func (m *DcMotor) Stop() error {
	return m.SetPower(0)
}

// accept records the request id of a sent command. A command superseding a
// pending move cancels its awaiter.
func (m *DcMotor) accept(id uint8, a *observable.Awaiter) {
	m.lock.Lock()
	previous := m.awaiter
	m.requestID = id
	m.pending = true
	m.awaiter = a
	m.lock.Unlock()

	if previous != nil && previous != a {
		previous.Cancel()
	}
}

func (m *DcMotor) detach() {
	m.lock.Lock()
	a := m.awaiter
	m.awaiter = nil
	m.lock.Unlock()

	if a != nil {
		a.Cancel()
	}
}

// Command pairs a request with the motor that issued it.
type Command struct {
	Motor   *DcMotor
	Request Request
	Awaiter *observable.Awaiter
}

// Send transmits commands in one transfer and hands each motor its
// request id.
func (h *Handler) Send(commands ...Command) error {
	if h.kind != KindMotor {
		return errors.New("motor commands sent to sensor ports")
	}
	if len(commands) == 0 {
		return nil
	}

	var raw []byte
	for _, c := range commands {
		raw = append(raw, c.Request.Encode()...)
	}

	ids, err := h.motors.SetMotorPortControlValue(raw)
	if err == nil && len(ids) != len(commands) {
		err = errors.Wrapf(ErrRequestIDs, "%d ids for %d commands", len(ids), len(commands))
	}
	if err != nil {
		for _, c := range commands {
			if c.Awaiter != nil {
				c.Awaiter.Cancel()
			}
		}
		return err
	}

	for i, c := range commands {
		c.Motor.accept(ids[i], c.Awaiter)
	}
	return nil
}
