package ports

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/poller"
)

type testMCU struct {
	types    map[uint8]uint8
	configs  map[uint8][]byte
	commands [][]byte
	nextID   uint8
	// drop the last id of every reply
	shortIDs bool
}

func newTestMCU() *testMCU {
	return &testMCU{types: map[uint8]uint8{}, configs: map[uint8][]byte{}}
}

func (m *testMCU) SetMotorPortType(port, driver uint8) error {
	m.types[port] = driver
	return nil
}

func (m *testMCU) SetMotorPortConfig(port uint8, config []byte) error {
	m.configs[port] = config
	return nil
}

func (m *testMCU) SetSensorPortType(port, driver uint8) error {
	return m.SetMotorPortType(port, driver)
}

func (m *testMCU) SetSensorPortConfig(port uint8, config []byte) error {
	return m.SetMotorPortConfig(port, config)
}

// SetMotorPortControlValue hands out one id per packed command.
func (m *testMCU) SetMotorPortControlValue(commands []byte) ([]byte, error) {
	m.commands = append(m.commands, commands)
	var ids []byte
	for i := 0; i < len(commands); {
		n := int(commands[i] >> 3)
		m.nextID++
		ids = append(ids, m.nextID)
		i += 2 + n
	}
	if m.shortIDs && len(ids) > 0 {
		ids = ids[:len(ids)-1]
	}
	return ids, nil
}

type testSlots struct {
	handlers map[uint8]poller.Handler
}

func (s *testSlots) EnableSlot(slot uint8, h poller.Handler) error {
	s.handlers[slot] = h
	return nil
}

func (s *testSlots) DisableSlot(slot uint8) error {
	delete(s.handlers, slot)
	return nil
}

var (
	motorTypes  = map[string]uint8{NotConfiguredName: 0, DcMotorName: 1}
	sensorTypes = map[string]uint8{NotConfiguredName: 0, UltrasonicName: 1, BumperName: 2, ColorName: 3}
)

func TestRequestEncoding(t *testing.T) {
	Convey("power requests are clamped and packed", t, func() {
		So(PowerRequest(3, 150).Encode(), ShouldResemble, []byte{1<<3 | 2, 0, 100})
		So(PowerRequest(1, -20).Encode(), ShouldResemble, []byte{1 << 3, 0, 0xEC})
	})

	Convey("speed requests carry an optional power limit", t, func() {
		r := SpeedRequest(2, 90, 0).Encode()
		So(r[0], ShouldEqual, 4<<3|1)
		So(r[1], ShouldEqual, byte(RequestSpeed))
		So(math.Float32frombits(binary.LittleEndian.Uint32(r[2:])), ShouldEqual, 90)

		r = SpeedRequest(2, 90, 50).Encode()
		So(r[0], ShouldEqual, 8<<3|1)
	})

	Convey("position limits select the payload layout", t, func() {
		So(len(PositionRequest(1, 360, false, PositionLimits{}).Payload), ShouldEqual, 4)

		speed := PositionRequest(1, 360, false, PositionLimits{Speed: 100}).Payload
		So(len(speed), ShouldEqual, 9)
		So(speed[4], ShouldEqual, byte(limitSpeed))

		power := PositionRequest(1, 360, true, PositionLimits{Power: 40})
		So(power.Type, ShouldEqual, RequestRelativePosition)
		So(power.Payload[4], ShouldEqual, byte(limitPower))

		both := PositionRequest(1, -90, false, PositionLimits{Speed: 100, Power: 40}).Payload
		So(len(both), ShouldEqual, 12)
		So(int32(binary.LittleEndian.Uint32(both)), ShouldEqual, -90)
	})

	Convey("motor status decodes 11 bytes", t, func() {
		s := MotorState{Status: MotorGoalReached, Power: -12, Pos: -720, Speed: 45.5, RequestID: 7}
		got, err := DecodeMotorState(EncodeMotorState(s))
		So(err, ShouldBeNil)
		So(got, ShouldResemble, s)

		_, err = DecodeMotorState(make([]byte, 10))
		So(err, ShouldNotBeNil)
	})
}

func TestMotorPorts(t *testing.T) {
	Convey("motor ports", t, func() {
		mcu := newTestMCU()
		slots := &testSlots{handlers: map[uint8]poller.Handler{}}
		h := NewMotorPorts(mcu, slots, 6, motorTypes, zerolog.Nop())

		So(h.Count(), ShouldEqual, 6)
		_, err := h.Port(0)
		So(err, ShouldNotBeNil)
		_, err = h.Port(7)
		So(err, ShouldNotBeNil)

		port, _ := h.Port(2)
		var configured []Driver
		port.Events.On(EventConfigChanged, func(d interface{}) { configured = append(configured, d.(Driver)) })

		d, err := port.Configure(DefaultMotorConfig())
		So(err, ShouldBeNil)
		motor := d.(*DcMotor)
		So(mcu.types[2], ShouldEqual, 1)
		So(len(mcu.configs[2]), ShouldEqual, 4*(1+5+5+3+12))
		So(slots.handlers[poller.SlotMotor2], ShouldNotBeNil)
		So(configured, ShouldHaveLength, 1)

		Convey("sensor drivers cannot run on motor ports", func() {
			_, err := port.Configure(BumperConfig{})
			So(err, ShouldNotBeNil)
		})

		Convey("status records update the motor", func() {
			var statusEvents int
			port.Events.On(EventStatusChanged, func(interface{}) { statusEvents++ })
			slots.handlers[poller.SlotMotor2](EncodeMotorState(MotorState{Pos: 100, Speed: 30, Power: 20}))

			So(motor.Pos(), ShouldEqual, 100)
			So(motor.Speed(), ShouldEqual, 30)
			So(statusEvents, ShouldEqual, 1)

			Convey("absolute targets subtract the offset, relative ones do not", func() {
				motor.ResetPosition()
				So(motor.Pos(), ShouldEqual, 0)

				abs := motor.PositionRequest(90, false, PositionLimits{})
				So(int32(binary.LittleEndian.Uint32(abs.Payload)), ShouldEqual, 190)

				rel := motor.PositionRequest(90, true, PositionLimits{})
				So(int32(binary.LittleEndian.Uint32(rel.Payload)), ShouldEqual, 90)
			})
		})

		Convey("position awaiters finish on their own goal reached", func() {
			a, err := motor.SetPosition(360, false, PositionLimits{})
			So(err, ShouldBeNil)
			So(mcu.commands, ShouldHaveLength, 1)
			id := mcu.nextID

			update := slots.handlers[poller.SlotMotor2]
			update(EncodeMotorState(MotorState{Status: MotorGoalReached, RequestID: id - 1}))
			So(a.State(), ShouldEqual, observable.AwaiterPending)

			update(EncodeMotorState(MotorState{Status: MotorNormal, RequestID: id}))
			So(a.State(), ShouldEqual, observable.AwaiterPending)
			So(motor.InSync(), ShouldBeTrue)

			update(EncodeMotorState(MotorState{Status: MotorGoalReached, RequestID: id}))
			So(a.State(), ShouldEqual, observable.AwaiterFinished)
		})

		Convey("a new command cancels a pending move", func() {
			a, _ := motor.SetPosition(360, true, PositionLimits{})
			So(motor.SetPower(0), ShouldBeNil)
			So(a.State(), ShouldEqual, observable.AwaiterCancelled)
		})

		Convey("reconfiguring cancels a pending move", func() {
			a, _ := motor.SetPosition(360, true, PositionLimits{})
			So(port.Uninitialize(), ShouldBeNil)
			So(a.State(), ShouldEqual, observable.AwaiterCancelled)
			So(slots.handlers[poller.SlotMotor2], ShouldBeNil)
			So(mcu.types[2], ShouldEqual, 0)
		})

		Convey("reversed motors mirror commands and readings", func() {
			cfg := DefaultMotorConfig()
			cfg.Reversed = true
			p3, _ := h.Port(3)
			d, err := p3.Configure(cfg)
			So(err, ShouldBeNil)
			rev := d.(*DcMotor)

			reversed := int8(-50)
			So(rev.PowerRequest(50).Payload, ShouldResemble, []byte{byte(reversed)})
			slots.handlers[poller.SlotMotor3](EncodeMotorState(MotorState{Pos: 100}))
			So(rev.Pos(), ShouldEqual, -100)
		})

		Convey("batched commands get one request id each", func() {
			p1, _ := h.Port(1)
			d1, _ := p1.Configure(DefaultMotorConfig())
			m1 := d1.(*DcMotor)

			err := h.Send(
				Command{Motor: m1, Request: m1.SpeedRequest(90, 0)},
				Command{Motor: motor, Request: motor.SpeedRequest(-90, 0)},
			)
			So(err, ShouldBeNil)
			So(mcu.commands, ShouldHaveLength, 1)
			So(m1.requestID, ShouldEqual, mcu.nextID-1)
			So(motor.requestID, ShouldEqual, mcu.nextID)
		})

		Convey("a short id reply cancels every awaiter of the batch", func() {
			p1, _ := h.Port(1)
			d1, _ := p1.Configure(DefaultMotorConfig())
			m1 := d1.(*DcMotor)
			mcu.shortIDs = true

			a1, a2 := observable.NewAwaiter(), observable.NewAwaiter()
			err := h.Send(
				Command{Motor: m1, Request: m1.PositionRequest(90, true, PositionLimits{}), Awaiter: a1},
				Command{Motor: motor, Request: motor.PositionRequest(90, true, PositionLimits{}), Awaiter: a2},
			)
			So(errors.Is(err, ErrRequestIDs), ShouldBeTrue)
			So(a1.State(), ShouldEqual, observable.AwaiterCancelled)
			So(a2.State(), ShouldEqual, observable.AwaiterCancelled)

			_, err = motor.SetPosition(360, false, PositionLimits{})
			So(errors.Is(err, ErrRequestIDs), ShouldBeTrue)
		})
	})
}

func TestSensorPorts(t *testing.T) {
	Convey("sensor ports", t, func() {
		mcu := newTestMCU()
		slots := &testSlots{handlers: map[uint8]poller.Handler{}}
		h := NewSensorPorts(mcu, slots, 4, sensorTypes, zerolog.Nop())
		port, _ := h.Port(1)

		Convey("ultrasonic drops out of range values", func() {
			d, err := port.Configure(UltrasonicConfig{Window: 5})
			So(err, ShouldBeNil)
			us := d.(*Ultrasonic)
			update := slots.handlers[poller.SlotSensor1]

			for _, cm := range []uint32{10, 0, 20, 300, 30, 512} {
				raw := make([]byte, 4)
				binary.LittleEndian.PutUint32(raw, cm)
				update(raw)
			}
			So(us.Read(), ShouldAlmostEqual, 20)
			So(binary.LittleEndian.Uint32(us.Value()), ShouldEqual, 20)
		})

		Convey("bumper needs a majority", func() {
			d, _ := port.Configure(BumperConfig{Window: 3})
			b := d.(*Bumper)
			update := slots.handlers[poller.SlotSensor1]

			update([]byte{1})
			update([]byte{0})
			update([]byte{0})
			So(b.Read(), ShouldBeFalse)
			update([]byte{1})
			update([]byte{1})
			So(b.Read(), ShouldBeTrue)
		})

		Convey("color sensor keeps the last reading", func() {
			d, _ := port.Configure(ColorConfig{})
			slots.handlers[poller.SlotSensor1]([]byte{10, 20, 30})
			So(d.(*ColorSensor).Read(), ShouldResemble, RGB{10, 20, 30})
		})

		Convey("unsupported drivers are rejected", func() {
			h := NewSensorPorts(mcu, slots, 4, map[string]uint8{NotConfiguredName: 0}, zerolog.Nop())
			p, _ := h.Port(1)
			_, err := p.Configure(UltrasonicConfig{})
			So(err, ShouldNotBeNil)
			So(h.Supports(UltrasonicName), ShouldBeFalse)
		})
	})
}
