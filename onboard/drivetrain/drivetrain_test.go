package drivetrain

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

type sent struct {
	port    int
	kind    ports.RequestType
	payload []byte
}

type testMCU struct {
	lock      sync.Mutex
	transfers [][]sent
	nextID    uint8
	handlers  map[uint8]poller.Handler
}

func (m *testMCU) SetMotorPortType(port, driver uint8) error          { return nil }
func (m *testMCU) SetMotorPortConfig(port uint8, config []byte) error { return nil }

func (m *testMCU) SetMotorPortControlValue(commands []byte) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var transfer []sent
	var ids []byte
	for i := 0; i < len(commands); {
		n := int(commands[i] >> 3)
		transfer = append(transfer, sent{
			port:    int(commands[i]&7) + 1,
			kind:    ports.RequestType(commands[i+1]),
			payload: commands[i+2 : i+2+n],
		})
		m.nextID++
		ids = append(ids, m.nextID)
		i += 2 + n
	}
	m.transfers = append(m.transfers, transfer)
	return ids, nil
}

func (m *testMCU) last() []sent {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.transfers[len(m.transfers)-1]
}

func (m *testMCU) EnableSlot(slot uint8, h poller.Handler) error {
	m.handlers[slot] = h
	return nil
}

func (m *testMCU) DisableSlot(slot uint8) error {
	delete(m.handlers, slot)
	return nil
}

// report feeds a motor status through the port like the poller would.
func (m *testMCU) report(port int, status ports.MotorStatus, requestID uint8) {
	m.handlers[poller.MotorSlot(port)](ports.EncodeMotorState(ports.MotorState{
		Status:    status,
		RequestID: requestID,
	}))
}

type testYaw struct {
	lock sync.Mutex
	yaw  float64
}

func (y *testYaw) Yaw() float64 {
	y.lock.Lock()
	defer y.lock.Unlock()
	return y.yaw
}

func (y *testYaw) set(v float64) {
	y.lock.Lock()
	defer y.lock.Unlock()
	y.yaw = v
}

func f32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func createDrivetrain() (*Drivetrain, *testMCU, *testYaw) {
	mcu := &testMCU{handlers: map[uint8]poller.Handler{}}
	types := map[string]uint8{ports.NotConfiguredName: 0, ports.DcMotorName: 1}
	motors := ports.NewMotorPorts(mcu, mcu, 6, types, zerolog.Nop())

	left := ports.DefaultMotorConfig()
	right := ports.DefaultMotorConfig()
	right.Reversed = true
	for id, cfg := range map[int]ports.DcMotorConfig{1: left, 4: right} {
		p, _ := motors.Port(id)
		_, err := p.Configure(cfg)
		So(err, ShouldBeNil)
	}

	yaw := &testYaw{}
	d := New(motors, yaw, DefaultConfig(), zerolog.Nop())
	So(d.Add(1, SideLeft), ShouldBeNil)
	So(d.Add(4, SideRight), ShouldBeNil)
	return d, mcu, yaw
}

func TestDrivetrain(t *testing.T) {
	Convey("given a drivetrain with a motor on each side", t, func() {
		d, mcu, yaw := createDrivetrain()

		Convey("only motor ports can be added", func() {
			So(d.Add(2, SideLeft), ShouldNotBeNil)
			So(d.Add(9, SideLeft), ShouldNotBeNil)
		})

		Convey("speeds for both sides go out in one transfer", func() {
			So(d.SetSpeeds(90, 90, 0), ShouldBeNil)
			cmds := mcu.last()
			So(len(cmds), ShouldEqual, 2)
			So(cmds[0].port, ShouldEqual, 1)
			So(f32(cmds[0].payload), ShouldEqual, 90)
			// the right motor is mounted reversed
			So(cmds[1].port, ShouldEqual, 4)
			So(f32(cmds[1].payload), ShouldEqual, -90)
		})

		Convey("open loop turns drive the sides apart", func() {
			So(d.SetSpeed(Left, 10, UnitRPM), ShouldBeNil)
			cmds := mcu.last()
			So(f32(cmds[0].payload), ShouldEqual, -60)

			So(d.SetSpeed(Forward, 50, UnitPercent), ShouldBeNil)
			cmds = mcu.last()
			So(cmds[0].kind, ShouldEqual, ports.RequestPower)
			So(int8(cmds[0].payload[0]), ShouldEqual, 50)
		})

		Convey("driving by rotations", func() {
			a, err := d.Drive(Forward, 2, UnitRotations, 30, UnitRPM)
			So(err, ShouldBeNil)

			cmds := mcu.last()
			So(cmds[0].kind, ShouldEqual, ports.RequestRelativePosition)
			So(int32(binary.LittleEndian.Uint32(cmds[0].payload)), ShouldEqual, 720)
			So(int32(binary.LittleEndian.Uint32(cmds[1].payload)), ShouldEqual, -720)

			Convey("finishes when every motor reached its goal", func() {
				mcu.report(1, ports.MotorGoalReached, 1)
				So(a.State(), ShouldEqual, observable.AwaiterPending)
				mcu.report(4, ports.MotorNormal, 2)
				So(a.State(), ShouldEqual, observable.AwaiterPending)
				mcu.report(4, ports.MotorBlocked, 2)
				So(a.State(), ShouldEqual, observable.AwaiterFinished)
			})

			Convey("is cancelled by the next motion", func() {
				So(d.SetSpeeds(0, 0, 0), ShouldBeNil)
				So(a.State(), ShouldEqual, observable.AwaiterCancelled)

				// a cancelled motion must not stop the new one
				n := len(mcu.transfers)
				mcu.report(1, ports.MotorGoalReached, 1)
				So(len(mcu.transfers), ShouldEqual, n)
			})

			Convey("stops the motors when cancelled from outside", func() {
				n := len(mcu.transfers)
				a.Cancel()
				So(len(mcu.transfers), ShouldEqual, n+1)
				So(mcu.last()[0].kind, ShouldEqual, ports.RequestPower)
			})
		})

		Convey("timed drives stop when the time is up", func() {
			a, err := d.Drive(Backward, 0.02, UnitSeconds, 20, UnitRPM)
			So(err, ShouldBeNil)
			So(f32(mcu.last()[0].payload), ShouldEqual, -120)

			So(a.Wait(time.Second), ShouldEqual, observable.AwaiterFinished)
			So(mcu.last()[0].kind, ShouldEqual, ports.RequestPower)
			So(mcu.last()[0].payload, ShouldResemble, []byte{0})
		})

		Convey("units are checked", func() {
			_, err := d.Drive(Forward, 1, UnitDegrees, 20, UnitRPM)
			So(err, ShouldEqual, ErrUnit)
			_, err = d.Drive(Left, 1, UnitSeconds, 20, UnitRPM)
			So(err, ShouldNotBeNil)
			_, err = d.Turn(Left, 90, UnitRotations, 20, UnitRPM)
			So(err, ShouldEqual, ErrUnit)
		})

		Convey("turning by angle", func() {
			clock := time.Unix(0, 0)
			d.now = func() time.Time { return clock }

			a, err := d.Turn(Left, 90, UnitDegrees, 100, UnitRPM)
			So(err, ShouldBeNil)

			// 0.75 * 90 = 67.5 rpm, capped at 60
			cmds := mcu.last()
			So(f32(cmds[0].payload), ShouldEqual, -360)

			Convey("slows down near the target", func() {
				yaw.set(80)
				mcu.report(1, ports.MotorNormal, 0)
				So(f32(mcu.last()[0].payload), ShouldAlmostEqual, -0.75*10*6, 0.001)
				So(a.State(), ShouldEqual, observable.AwaiterPending)

				Convey("and finishes within a degree", func() {
					yaw.set(89.5)
					mcu.report(4, ports.MotorNormal, 0)
					So(a.State(), ShouldEqual, observable.AwaiterFinished)
					So(mcu.last()[0].kind, ShouldEqual, ports.RequestPower)
				})
			})

			Convey("finishes when turned past twice the target", func() {
				yaw.set(185)
				mcu.report(1, ports.MotorNormal, 0)
				So(a.State(), ShouldEqual, observable.AwaiterFinished)
			})

			Convey("gives up when the yaw stops changing", func() {
				yaw.set(10)
				mcu.report(1, ports.MotorNormal, 0)
				clock = clock.Add(2 * time.Second)
				yaw.set(10.2)
				mcu.report(1, ports.MotorNormal, 0)
				So(a.State(), ShouldEqual, observable.AwaiterPending)

				clock = clock.Add(2 * time.Second)
				mcu.report(1, ports.MotorNormal, 0)
				So(a.State(), ShouldEqual, observable.AwaiterCancelled)
			})

			Convey("right turns aim for negative yaw", func() {
				_, err := d.Turn(Right, 30, UnitDegrees, 10, UnitRPM)
				So(err, ShouldBeNil)
				So(a.State(), ShouldEqual, observable.AwaiterCancelled)
				So(f32(mcu.last()[0].payload), ShouldEqual, 60)
			})
		})

		Convey("reset forgets the motors", func() {
			d.Reset()
			So(d.Motors(SideLeft), ShouldBeEmpty)
			So(d.SetSpeeds(10, 10, 0), ShouldBeNil)
		})
	})
}
