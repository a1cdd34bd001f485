package onboard

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	"github.com/CodedInternet/gorevvy/onboard/firmware"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/i2cbus"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/longmsg"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
	"github.com/CodedInternet/gorevvy/onboard/storage"
)

type testSurface struct {
	lock    sync.Mutex
	motors  map[int]ports.MotorState
	sensors map[int][]byte
	battery []BatteryStatus
	gyro    int
	buttons [ButtonCount]uint8
	timer   time.Duration
}

func newTestSurface() *testSurface {
	return &testSurface{motors: map[int]ports.MotorState{}, sensors: map[int][]byte{}}
}

func (s *testSurface) UpdateMotor(port int, state ports.MotorState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.motors[port] = state
}

func (s *testSurface) UpdateSensor(port int, value []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sensors[port] = value
}

func (s *testSurface) UpdateGyro(mgl64.Vec3) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.gyro++
}

func (s *testSurface) UpdateOrientation(imu.Orientation) {}

func (s *testSurface) UpdateBattery(b BatteryStatus) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.battery = append(s.battery, b)
}

func (s *testSurface) UpdateTimer(elapsed time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.timer = elapsed
}

func (s *testSurface) UpdateVariables(scripting.VariableSlots) {}

func (s *testSurface) UpdateButtons(states [ButtonCount]uint8) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.buttons = states
}

func (s *testSurface) button(i int) uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.buttons[i]
}

type testRig struct {
	sim     *Simulator
	poller  *poller.Poller
	manager *RobotManager
	surface *testSurface
	dir     string
}

func createTestRig(t *testing.T, sim *Simulator, catalog *firmware.Catalog) *testRig {
	dir := t.TempDir()
	if catalog == nil {
		catalog = firmware.NewCatalog(dir, nil)
	}

	iface := hardware.NewInterface(NewSimulatedBus(sim))
	appTransport, err := iface.Transport(i2cbus.AddressApplication)
	if err != nil {
		t.Fatal(err)
	}
	bootTransport, err := iface.Transport(i2cbus.AddressBootloader)
	if err != nil {
		t.Fatal(err)
	}
	app := hardware.NewRobotControl(appTransport)
	boot := hardware.NewBootloaderControl(bootTransport)

	updater := firmware.NewUpdater(app, boot, catalog,
		firmware.WithProbeTimeout(time.Second),
		firmware.WithProbeInterval(5*time.Millisecond))
	p := poller.New(app, time.Millisecond, zerolog.Nop())
	store := longmsg.NewStore(storage.NewMemoryStorage(), storage.NewMemoryStorage())

	m := NewRobotManager(app, updater, p, store, ManagerOptions{
		DataDir:         dir,
		AssetDir:        filepath.Join(dir, "assets"),
		SoftwareVersion: "1.0.0",
		DefaultName:     "Revvy",
		Drivetrain:      drivetrain.DefaultConfig(),
	}, zerolog.Nop())
	surface := newTestSurface()
	m.AddSurface(surface)

	return &testRig{sim: sim, poller: p, manager: m, surface: surface, dir: dir}
}

func mustParse(raw string) *RobotConfig {
	c, err := ParseRobotConfig([]byte(raw))
	if err != nil {
		panic(err)
	}
	return c
}

func TestManagerStart(t *testing.T) {
	Convey("a robot without firmware in the catalog keeps the running one", t, func() {
		sim := NewSimulator("1.0", "0.1.5")
		for i := 0; i < 6; i++ {
			sim.AddErrorRecord(hardware.ErrorRecord{ID: uint8(i), Timestamp: uint32(i * 100)})
		}
		rig := createTestRig(t, sim, nil)
		m := rig.manager

		So(m.Start(context.Background()), ShouldBeNil)
		So(m.State.Get(), ShouldEqual, StateNotConfigured)
		So(m.Robot(), ShouldNotBeNil)
		So(m.Robot().Motors().Count(), ShouldEqual, SIM_MOTOR_PORTS)
		So(m.Robot().Sensors().Count(), ShouldEqual, SIM_SENSOR_PORTS)

		v := m.Versions()
		So(v.Hardware.String(), ShouldEqual, "1.0")
		So(v.Firmware.String(), ShouldEqual, "0.1.5")
		So(v.Software, ShouldEqual, "1.0.0")

		So(len(m.ErrorLog()), ShouldEqual, 6)
		So(m.ErrorLog()[5].Timestamp, ShouldEqual, 500)
		So(sim.ErrorCount(), ShouldEqual, 0)

		for _, slot := range []uint8{poller.SlotBattery, poller.SlotGyroscope, poller.SlotReset} {
			So(sim.SlotEnabled(slot), ShouldBeTrue)
		}
	})

	Convey("readers running alongside Start see the published robot", t, func() {
		rig := createTestRig(t, NewSimulator("1.0", "0.1.5"), nil)
		m := rig.manager

		done := make(chan struct{})
		seen := make(chan bool, 1)
		go func() {
			published := false
			for {
				select {
				case <-done:
					seen <- published
					return
				default:
				}
				if r := m.Robot(); r != nil && m.Scripts() != nil {
					published = r.Motors().Count() == SIM_MOTOR_PORTS
				}
			}
		}()

		So(m.Start(context.Background()), ShouldBeNil)
		time.Sleep(10 * time.Millisecond)
		close(done)
		So(<-seen, ShouldBeTrue)
	})

	Convey("outdated firmware is flashed from the catalog", t, func() {
		dir := t.TempDir()
		image := make([]byte, 1000)
		for i := range image {
			image[i] = byte(i * 13)
		}
		So(os.WriteFile(filepath.Join(dir, "revvy-0.2.bin"), image, 0644), ShouldBeNil)
		sum := md5.Sum(image)
		catalog := firmware.NewCatalog(dir, map[string]firmware.Entry{
			"1.0": {Version: "0.2", Filename: "revvy-0.2.bin", MD5: hex.EncodeToString(sum[:]), Length: len(image)},
		})

		sim := NewSimulator("1.0", "0.1")
		sim.NextFirmware = "0.2"
		rig := createTestRig(t, sim, catalog)

		So(rig.manager.Start(context.Background()), ShouldBeNil)
		So(sim.FirmwareVersion(), ShouldEqual, "0.2")
		So(sim.Mode(), ShouldEqual, hardware.ModeApplication)
		So(rig.manager.Versions().Firmware.String(), ShouldEqual, "0.2")
		So(rig.manager.State.Get(), ShouldEqual, StateNotConfigured)
	})

	Convey("a corrupt bundled image exits with an integrity error", t, func() {
		dir := t.TempDir()
		So(os.WriteFile(filepath.Join(dir, "revvy-0.2.bin"), []byte("not firmware"), 0644), ShouldBeNil)
		catalog := firmware.NewCatalog(dir, map[string]firmware.Entry{
			"1.0": {Version: "0.2", Filename: "revvy-0.2.bin", MD5: "00000000000000000000000000000000", Length: 12},
		})

		rig := createTestRig(t, NewSimulator("1.0", "0.1"), catalog)
		So(rig.manager.Run(context.Background()), ShouldEqual, ExitIntegrityError)
	})

	Convey("the stored device name wins over the default", t, func() {
		dir := t.TempDir()
		So(os.WriteFile(filepath.Join(dir, DeviceNameFile), []byte("Stored"), 0644), ShouldBeNil)
		m := NewRobotManager(nil, nil, poller.New(nil, 0, zerolog.Nop()),
			longmsg.NewStore(storage.NewMemoryStorage(), storage.NewMemoryStorage()),
			ManagerOptions{DataDir: dir, DefaultName: "Revvy"}, zerolog.Nop())
		So(m.DeviceName.Get(), ShouldEqual, "Stored")

		So(m.SetDeviceName(""), ShouldNotBeNil)
		So(m.SetDeviceName("much too long a name"), ShouldNotBeNil)
		So(m.SetDeviceName("tab\tname"), ShouldNotBeNil)

		So(m.SetDeviceName("Robo 7"), ShouldBeNil)
		So(m.DeviceName.Get(), ShouldEqual, "Robo 7")
		raw, err := os.ReadFile(filepath.Join(dir, DeviceNameFile))
		So(err, ShouldBeNil)
		So(string(raw), ShouldEqual, "Robo 7")
	})
}

const managerTestConfig = `{
	"robotConfig": {
		"motors": [
			{"name": "left", "type": 2, "reversed": 0, "side": 0},
			{"name": "right", "type": 2, "reversed": 1, "side": 1},
			{"name": "arm", "type": 1}
		],
		"sensors": [{"name": "eye", "type": 1}, {"name": "bump", "type": 2}]
	},
	"blocklyList": [
		{"builtinScriptName": "drive_joystick", "assignments": {"analog": [{"channels": [0, 1], "priority": 0}]}},
		{"builtinScriptName": "ring_scenario", "assignments": {"buttons": [{"id": 2, "priority": 0}]}, "params": {"scenario": 6}}
	]
}`

func TestManagerConfigure(t *testing.T) {
	Convey("a configuration sets up ports, aliases and scripts", t, func() {
		sim := NewSimulator("1.0", "0.1")
		rig := createTestRig(t, sim, nil)
		m := rig.manager
		So(m.Start(context.Background()), ShouldBeNil)

		m.applyConfig(mustParse(managerTestConfig))
		So(m.State.Get(), ShouldEqual, StateConfigured)

		for port := 1; port <= 3; port++ {
			driver, _ := sim.Motor(port)
			So(driver, ShouldEqual, 1)
		}
		driver, _ := sim.Motor(4)
		So(driver, ShouldEqual, 0)
		So(sim.SensorType(1), ShouldEqual, SensorUltrasonic)
		So(sim.SensorType(2), ShouldEqual, SensorBumper)

		id, ok := m.Robot().MotorAlias("arm")
		So(ok, ShouldBeTrue)
		So(id, ShouldEqual, 3)
		id, ok = m.Robot().SensorAlias("bump")
		So(ok, ShouldBeTrue)
		So(id, ShouldEqual, 2)

		So(rig.surface.button(2), ShouldEqual, ButtonIdle)
		So(rig.surface.button(1), ShouldEqual, ButtonUnbound)

		Convey("telemetry reaches the surfaces", func() {
			sim.SetBattery(BatteryStatus{Charger: ChargerCharging, Main: 55, MotorPresent: true, Motor: 70})
			So(rig.poller.PollOnce(), ShouldBeNil)

			rig.surface.lock.Lock()
			defer rig.surface.lock.Unlock()
			So(rig.surface.motors, ShouldContainKey, 1)
			So(rig.surface.motors, ShouldContainKey, 3)
			So(rig.surface.motors, ShouldNotContainKey, 4)
			So(rig.surface.sensors, ShouldContainKey, 1)
			So(rig.surface.gyro, ShouldBeGreaterThan, 0)
			So(rig.surface.battery[len(rig.surface.battery)-1].Main, ShouldEqual, 55)
		})

		Convey("the empty configuration releases everything", func() {
			m.applyConfig(nil)
			So(m.State.Get(), ShouldEqual, StateNotConfigured)
			driver, _ := sim.Motor(1)
			So(driver, ShouldEqual, 0)
			So(sim.SensorType(1), ShouldEqual, 0)
			_, ok := m.Robot().MotorAlias("arm")
			So(ok, ShouldBeFalse)
			So(rig.surface.button(2), ShouldEqual, ButtonUnbound)
		})

		Convey("a configuration naming a missing port keeps the current one", func() {
			outOfRange := mustParse(`{
				"robotConfig": {
					"motors": [null, null, null, null, null, null, {"name": "extra", "type": 1}]
				},
				"blocklyList": [{"builtinScriptName": "ring_scenario", "assignments": {"buttons": [{"id": 5, "priority": 0}]}}]
			}`)
			So(outOfRange.Check(SIM_MOTOR_PORTS, SIM_SENSOR_PORTS), ShouldNotBeNil)

			m.State.Set(StateConfiguring)
			m.applyConfig(outOfRange)
			So(m.State.Get(), ShouldEqual, StateConfigured)

			for port := 1; port <= 3; port++ {
				driver, _ := sim.Motor(port)
				So(driver, ShouldEqual, 1)
			}
			So(sim.SensorType(2), ShouldEqual, SensorBumper)
			id, ok := m.Robot().MotorAlias("arm")
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, 3)
			So(rig.surface.button(2), ShouldEqual, ButtonIdle)
			So(rig.surface.button(5), ShouldEqual, ButtonUnbound)
		})

		Convey("a rejected upload keeps the current configuration", func() {
			m.onMessage(longmsg.Message{Type: longmsg.ConfigurationData, Data: []byte(`{"robotConfig": `)})
			So(m.State.Get(), ShouldEqual, StateConfigured)
		})
	})

	Convey("presence tests report the attached ports", t, func() {
		sim := NewSimulator("1.0", "0.1")
		sim.SetAttached(0x05, 0x02)
		rig := createTestRig(t, sim, nil)
		So(rig.manager.Start(context.Background()), ShouldBeNil)

		res := rig.manager.validate(ValidationRequest{
			Motors:    0x07,
			Sensors:   [4]uint8{0, SensorUltrasonic, 0, 0},
			Power:     30,
			Threshold: 10,
		})
		So(res, ShouldResemble, ValidationResult{State: ValidationDone, Motors: 0x05, Sensors: 0x02})
	})

	Convey("a new framework package asks the loader for an update", t, func() {
		rig := createTestRig(t, NewSimulator("1.0", "0.1"), nil)
		rig.manager.onMessage(longmsg.Message{Type: longmsg.FrameworkData, Data: []byte{1}})
		So(<-rig.manager.exit, ShouldEqual, ExitUpdateRequest)
	})
}

func TestManagerRun(t *testing.T) {
	Convey("a running robot", t, func() {
		sim := NewSimulator("1.0", "0.1")
		rig := createTestRig(t, sim, nil)
		m := rig.manager

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exited := make(chan ExitCode, 1)
		go func() {
			exited <- m.Run(ctx)
		}()

		So(eventually(func() bool { return m.State.Get() == StateNotConfigured }), ShouldBeTrue)
		So(eventually(func() bool { return sim.MasterStatus() == IndicatorNotConfigured }), ShouldBeTrue)

		configured := make(chan struct{})
		m.Configure(mustParse(managerTestConfig), func() { close(configured) })
		<-configured
		So(m.State.Get(), ShouldEqual, StateConfigured)

		Convey("runs button scripts on press", func() {
			m.SetConnected(true)
			msg := pressed(2)
			msg.NextDeadline = 10 * time.Second
			m.HandleControlMessage(msg)

			So(eventually(func() bool { return m.Controller.Get() == RCControlled }), ShouldBeTrue)
			So(eventually(func() bool { return sim.MasterStatus() == IndicatorControlled }), ShouldBeTrue)
			So(eventually(func() bool {
				scenario, _ := sim.LED()
				return scenario == LEDSiren
			}), ShouldBeTrue)
			So(eventually(func() bool { return rig.surface.button(2) == ButtonIdle }), ShouldBeTrue)
			So(sim.Bluetooth(), ShouldBeTrue)

			cancel()
			So(<-exited, ShouldEqual, ExitOK)
			So(m.State.Get(), ShouldEqual, StateStopped)
		})

		Convey("drops the configuration when the mobile leaves", func() {
			m.SetConnected(false)
			So(eventually(func() bool { return m.State.Get() == StateNotConfigured }), ShouldBeTrue)
			driver, _ := sim.Motor(1)
			So(driver, ShouldEqual, 0)

			cancel()
			So(<-exited, ShouldEqual, ExitOK)
		})

		Convey("stops when the mcu resets", func() {
			sim.Reset()
			So(<-exited, ShouldEqual, ExitError)
		})

		Convey("stops with the requested code", func() {
			m.RequestExit(ExitUpdateRequest)
			m.RequestExit(ExitError)
			So(<-exited, ShouldEqual, ExitUpdateRequest)
		})
	})
}
