package onboard

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"math/rand"
	"sync"

	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/i2cbus"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

const (
	SIM_MOTOR_PORTS  = 6
	SIM_SENSOR_PORTS = 4
	SIM_LEDS         = 12

	// ultrasonic readings wander by up to this many cm per read
	SENSOR_DELTA = 5
	// presence tests answer Pending this many times before the result
	SIM_PRESENCE_POLLS = 2
	// error records returned per ErrorMemoryReadErrors
	SIM_ERRORS_PER_READ = hardware.MaxPayloadLength / hardware.ErrorRecordSize
	// commands kept for History
	SIM_HISTORY = 256
)

var (
	simMotorTypes  = map[string]uint8{ports.NotConfiguredName: 0, ports.DcMotorName: 1}
	simSensorTypes = map[string]uint8{
		ports.NotConfiguredName: 0,
		ports.UltrasonicName:    1,
		ports.BumperName:        2,
		ports.ColorName:         3,
	}
	simLEDScenarios = map[string]uint8{
		"Off":            LEDOff,
		"UserFrame":      LEDUserFrame,
		"ColorWheel":     LEDColorWheel,
		"RainbowFade":    LEDRainbowFade,
		"BusyIndicator":  LEDBusyIndicator,
		"BreathingGreen": LEDBreathingGreen,
		"Siren":          LEDSiren,
		"TrafficLight":   LEDTrafficLight,
		"BugIndicator":   LEDBugIndicator,
	}
)

type simMotor struct {
	driver uint8
	state  ports.MotorState
	nextID uint8
}

type simUpdate struct {
	length uint32
	crc    uint32
	data   []byte
}

// Simulator is an in-process MCU speaking the I2C framing. It keeps enough
// state to run the robot without hardware.
type Simulator struct {
	lock sync.Mutex

	mode            hardware.OperationMode
	hardwareVersion string
	firmwareVersion string
	firmwareCRC     uint32
	// NextFirmware is reported after a successful update, if set.
	NextFirmware string

	response     []byte
	deferred     []byte
	pendingPolls int
	update       *simUpdate

	masterStatus uint8
	bluetooth    bool
	motors       [SIM_MOTOR_PORTS]simMotor
	sensors      [SIM_SENSOR_PORTS]uint8
	distance     int
	attached     uint8
	sensorsFound uint8
	slots        [poller.SlotCount]bool
	resetPending bool
	battery      BatteryStatus
	gyro         [3]int16
	errors       []hardware.ErrorRecord
	ledScenario  uint8
	ledFrame     []uint16
	history      []uint8
}

func NewSimulator(hardwareVersion, firmwareVersion string) *Simulator {
	return &Simulator{
		mode:            hardware.ModeApplication,
		hardwareVersion: hardwareVersion,
		firmwareVersion: firmwareVersion,
		distance:        100,
		battery:         BatteryStatus{Main: 90, MotorPresent: true, Motor: 80},
	}
}

// NewSimulatedBus puts s behind a loopback bus.
func NewSimulatedBus(s *Simulator) *i2cbus.Loopback {
	return i2cbus.NewLoopback(s)
}

func (s *Simulator) Responds(address uint8) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.mode == hardware.ModeBootloader {
		return address == i2cbus.AddressBootloader
	}
	return address == i2cbus.AddressApplication
}

func (s *Simulator) HandleWrite(address uint8, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	frame, status := hardware.DecodeCommand(data)
	if status != hardware.StatusOk {
		s.response = hardware.EncodeResponse(status, nil)
		return nil
	}

	switch frame.Op {
	case hardware.OpStart, hardware.OpRestart:
		if len(s.history) >= SIM_HISTORY {
			s.history = append(s.history[:0], s.history[SIM_HISTORY/2:]...)
		}
		s.history = append(s.history, frame.Command)
		status, payload := s.execute(frame.Command, frame.Payload)
		s.response = hardware.EncodeResponse(status, payload)
	case hardware.OpGetResult:
		if s.pendingPolls > 0 {
			s.pendingPolls--
			if s.pendingPolls == 0 {
				s.response = s.deferred
			}
		}
	case hardware.OpCancel:
		s.pendingPolls = 0
		s.response = hardware.EncodeResponse(hardware.StatusOk, nil)
	default:
		s.response = hardware.EncodeResponse(hardware.StatusUnknownOperation, nil)
	}
	return nil
}

func (s *Simulator) HandleRead(address uint8, n int) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	out := make([]byte, n)
	copy(out, s.response)
	return out, nil
}

// pending answers Pending until the host polled SIM_PRESENCE_POLLS times.
func (s *Simulator) pending(payload []byte) (hardware.ResponseStatus, []byte) {
	s.pendingPolls = SIM_PRESENCE_POLLS
	s.deferred = hardware.EncodeResponse(hardware.StatusOk, payload)
	return hardware.StatusPending, nil
}

func (s *Simulator) execute(cmd uint8, payload []byte) (hardware.ResponseStatus, []byte) {
	ok := hardware.StatusOk

	switch cmd {
	case hardware.CMD_PING:
		return ok, nil
	case hardware.CMD_READ_HARDWARE_VERSION:
		return ok, []byte(s.hardwareVersion)
	case hardware.CMD_READ_OPERATION_MODE:
		return ok, []byte{byte(s.mode)}
	}

	if s.mode == hardware.ModeBootloader {
		return s.executeBootloader(cmd, payload)
	}

	switch cmd {
	case hardware.CMD_READ_FIRMWARE_VERSION:
		return ok, []byte(s.firmwareVersion)
	case hardware.CMD_READ_FIRMWARE_CRC:
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, s.firmwareCRC)
		return ok, raw
	case hardware.CMD_REBOOT_BOOTLOADER:
		s.mode = hardware.ModeBootloader
		return ok, nil
	case hardware.CMD_SET_MASTER_STATUS:
		if len(payload) != 1 {
			return hardware.StatusPayloadLengthError, nil
		}
		s.masterStatus = payload[0]
		return ok, nil
	case hardware.CMD_SET_BLUETOOTH_STATUS:
		if len(payload) != 1 {
			return hardware.StatusPayloadLengthError, nil
		}
		s.bluetooth = payload[0] != 0
		return ok, nil

	case hardware.CMD_MOTOR_PORT_AMOUNT:
		return ok, []byte{SIM_MOTOR_PORTS}
	case hardware.CMD_MOTOR_PORT_TYPES:
		return ok, hardware.EncodeTypeList(simMotorTypes)
	case hardware.CMD_MOTOR_PORT_TYPE:
		if len(payload) != 2 || !validPort(payload[0], SIM_MOTOR_PORTS) || payload[1] > 1 {
			return hardware.StatusCommandError, nil
		}
		s.motors[payload[0]-1] = simMotor{driver: payload[1]}
		return ok, nil
	case hardware.CMD_MOTOR_PORT_CONFIG:
		if len(payload) < 1 || !validPort(payload[0], SIM_MOTOR_PORTS) {
			return hardware.StatusCommandError, nil
		}
		return ok, nil
	case hardware.CMD_MOTOR_CONTROL_VALUE:
		return s.controlMotors(payload)
	case hardware.CMD_TEST_MOTOR_ON_PORT:
		if len(payload) != 3 || !validPort(payload[0], SIM_MOTOR_PORTS) {
			return hardware.StatusCommandError, nil
		}
		return s.pending([]byte{boolByte(s.attached&(1<<(payload[0]-1)) != 0)})
	case hardware.CMD_TEST_SENSOR_ON_PORT:
		if len(payload) != 2 || !validPort(payload[0], SIM_SENSOR_PORTS) {
			return hardware.StatusCommandError, nil
		}
		return s.pending([]byte{boolByte(s.sensorsFound&(1<<(payload[0]-1)) != 0)})

	case hardware.CMD_SENSOR_PORT_AMOUNT:
		return ok, []byte{SIM_SENSOR_PORTS}
	case hardware.CMD_SENSOR_PORT_TYPES:
		return ok, hardware.EncodeTypeList(simSensorTypes)
	case hardware.CMD_SENSOR_PORT_TYPE:
		if len(payload) != 2 || !validPort(payload[0], SIM_SENSOR_PORTS) || payload[1] > 3 {
			return hardware.StatusCommandError, nil
		}
		s.sensors[payload[0]-1] = payload[1]
		return ok, nil
	case hardware.CMD_SENSOR_PORT_CONFIG:
		if len(payload) < 1 || !validPort(payload[0], SIM_SENSOR_PORTS) {
			return hardware.StatusCommandError, nil
		}
		return ok, nil
	case hardware.CMD_SENSOR_PORT_VALUE:
		if len(payload) != 1 || !validPort(payload[0], SIM_SENSOR_PORTS) {
			return hardware.StatusCommandError, nil
		}
		return ok, s.sensorValue(payload[0] - 1)

	case hardware.CMD_RING_LED_SCENARIOS:
		return ok, hardware.EncodeTypeList(simLEDScenarios)
	case hardware.CMD_RING_LED_AMOUNT:
		return ok, []byte{SIM_LEDS}
	case hardware.CMD_RING_LED_SCENARIO:
		if len(payload) != 1 || payload[0] > LEDBugIndicator {
			return hardware.StatusCommandError, nil
		}
		s.ledScenario = payload[0]
		return ok, nil
	case hardware.CMD_RING_LED_USER_FRAME:
		if len(payload)%2 != 0 || len(payload) > 2*SIM_LEDS {
			return hardware.StatusPayloadLengthError, nil
		}
		s.ledFrame = make([]uint16, len(payload)/2)
		for i := range s.ledFrame {
			s.ledFrame[i] = binary.LittleEndian.Uint16(payload[2*i:])
		}
		s.ledScenario = LEDUserFrame
		return ok, nil

	case hardware.CMD_STATUS_UPDATER_RESET:
		s.slots = [poller.SlotCount]bool{}
		s.resetPending = false
		return ok, nil
	case hardware.CMD_STATUS_UPDATER_CTRL:
		if len(payload) != 2 || payload[0] >= poller.SlotCount {
			return hardware.StatusCommandError, nil
		}
		s.slots[payload[0]] = payload[1] != 0
		return ok, nil
	case hardware.CMD_STATUS_UPDATER_READ:
		return ok, s.statusRecords()

	case hardware.CMD_ERROR_MEMORY_COUNT:
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, uint32(len(s.errors)))
		return ok, raw
	case hardware.CMD_ERROR_MEMORY_READ:
		if len(payload) != 4 {
			return hardware.StatusPayloadLengthError, nil
		}
		var raw []byte
		start := int(binary.LittleEndian.Uint32(payload))
		for i := start; i < len(s.errors) && i < start+SIM_ERRORS_PER_READ; i++ {
			raw = append(raw, hardware.EncodeErrorRecord(s.errors[i])...)
		}
		return ok, raw
	case hardware.CMD_ERROR_MEMORY_CLEAR:
		s.errors = nil
		return ok, nil
	case hardware.CMD_ERROR_MEMORY_TEST:
		s.errors = append(s.errors, hardware.ErrorRecord{ID: uint8(len(s.errors))})
		return ok, nil
	case hardware.CMD_IMU_ORIENTATION_RESET:
		return ok, nil
	}

	return hardware.StatusUnknownCommand, nil
}

func (s *Simulator) executeBootloader(cmd uint8, payload []byte) (hardware.ResponseStatus, []byte) {
	switch cmd {
	case hardware.CMD_INITIALIZE_UPDATE:
		if len(payload) != 8 {
			return hardware.StatusPayloadLengthError, nil
		}
		s.update = &simUpdate{
			length: binary.LittleEndian.Uint32(payload[0:4]),
			crc:    binary.LittleEndian.Uint32(payload[4:8]),
		}
		return hardware.StatusOk, nil
	case hardware.CMD_SEND_FIRMWARE:
		if s.update == nil {
			return hardware.StatusCommandError, nil
		}
		s.update.data = append(s.update.data, payload...)
		return hardware.StatusOk, nil
	case hardware.CMD_FINALIZE_UPDATE:
		u := s.update
		s.update = nil
		if u == nil || uint32(len(u.data)) != u.length || crc32.ChecksumIEEE(u.data) != u.crc {
			return hardware.StatusCommandError, nil
		}
		s.firmwareCRC = u.crc
		if s.NextFirmware != "" {
			s.firmwareVersion = s.NextFirmware
		}
		s.mode = hardware.ModeApplication
		s.resetPending = true
		return hardware.StatusOk, nil
	}
	return hardware.StatusUnknownCommand, nil
}

// controlMotors applies packed motor requests. Position requests complete
// at once.
func (s *Simulator) controlMotors(payload []byte) (hardware.ResponseStatus, []byte) {
	var ids []byte
	for i := 0; i < len(payload); {
		if i+2 > len(payload) {
			return hardware.StatusPayloadLengthError, nil
		}
		port := int(payload[i]&0x07) + 1
		n := int(payload[i] >> 3)
		kind := ports.RequestType(payload[i+1])
		data := payload[i+2:]
		if n > len(data) || port > SIM_MOTOR_PORTS {
			return hardware.StatusCommandError, nil
		}
		data = data[:n]
		i += 2 + n

		m := &s.motors[port-1]
		if m.driver == 0 {
			return hardware.StatusCommandError, nil
		}
		m.nextID++
		m.state.RequestID = m.nextID
		ids = append(ids, m.nextID)

		switch kind {
		case ports.RequestPower:
			if n < 1 {
				return hardware.StatusPayloadLengthError, nil
			}
			m.state.Power = int8(data[0])
			m.state.Speed = 0
			m.state.Status = ports.MotorNormal
		case ports.RequestSpeed:
			if n < 4 {
				return hardware.StatusPayloadLengthError, nil
			}
			m.state.Speed = math.Float32frombits(binary.LittleEndian.Uint32(data))
			m.state.Power = int8(clampPower(m.state.Speed / 10))
			m.state.Status = ports.MotorNormal
		case ports.RequestAbsolutePosition, ports.RequestRelativePosition:
			if n < 4 {
				return hardware.StatusPayloadLengthError, nil
			}
			target := int32(binary.LittleEndian.Uint32(data))
			if kind == ports.RequestRelativePosition {
				target += m.state.Pos
			}
			m.state.Pos = target
			m.state.Speed = 0
			m.state.Power = 0
			m.state.Status = ports.MotorGoalReached
		default:
			return hardware.StatusCommandError, nil
		}
	}
	return hardware.StatusOk, ids
}

func (s *Simulator) sensorValue(i uint8) []byte {
	switch s.sensors[i] {
	case 1:
		s.distance += rand.Intn(SENSOR_DELTA*2+1) - SENSOR_DELTA
		if s.distance < 5 {
			s.distance = 5
		} else if s.distance > 250 {
			s.distance = 250
		}
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, uint32(s.distance))
		return raw
	case 2:
		return []byte{0}
	case 3:
		return []byte{0, 0, 0}
	}
	return nil
}

func (s *Simulator) statusRecords() []byte {
	var raw []byte
	add := func(slot uint8, payload []byte) {
		raw = append(raw, slot, byte(len(payload)))
		raw = append(raw, payload...)
	}

	for i := range s.motors {
		if slot := poller.MotorSlot(i + 1); s.slots[slot] && s.motors[i].driver != 0 {
			add(slot, ports.EncodeMotorState(s.motors[i].state))
		}
	}
	for i := range s.sensors {
		if slot := poller.SensorSlot(i + 1); s.slots[slot] && s.sensors[i] != 0 {
			add(slot, s.sensorValue(uint8(i)))
		}
	}
	if s.slots[poller.SlotBattery] {
		add(poller.SlotBattery, EncodeBattery(s.battery))
	}
	if s.slots[poller.SlotAccelerometer] {
		// 1 g on z
		add(poller.SlotAccelerometer, vector([3]int16{0, 0, 16393}))
	}
	if s.slots[poller.SlotGyroscope] {
		add(poller.SlotGyroscope, vector(s.gyro))
	}
	if s.slots[poller.SlotReset] && s.resetPending {
		s.resetPending = false
		add(poller.SlotReset, nil)
	}
	if s.slots[poller.SlotOrientation] {
		add(poller.SlotOrientation, make([]byte, 12))
	}
	return raw
}

func vector(v [3]int16) []byte {
	raw := make([]byte, 6)
	for i, x := range v {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(x))
	}
	return raw
}

func validPort(port uint8, count int) bool {
	return port >= 1 && int(port) <= count
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func clampPower(p float32) float32 {
	return float32(math.Max(-100, math.Min(100, float64(p))))
}

// EnterBootloader makes the simulated MCU answer as its bootloader.
func (s *Simulator) EnterBootloader() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.mode = hardware.ModeBootloader
}

// Reset simulates an MCU restart. The reset slot stays enabled and
// reports it on the next read.
func (s *Simulator) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.mode = hardware.ModeApplication
	s.slots = [poller.SlotCount]bool{}
	s.slots[poller.SlotReset] = true
	s.motors = [SIM_MOTOR_PORTS]simMotor{}
	s.sensors = [SIM_SENSOR_PORTS]uint8{}
	s.resetPending = true
}

func (s *Simulator) Mode() hardware.OperationMode {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mode
}

func (s *Simulator) FirmwareVersion() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.firmwareVersion
}

// SetFirmwareCRC sets what ReadFirmwareCrc reports.
func (s *Simulator) SetFirmwareCRC(crc uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.firmwareCRC = crc
}

// SetAttached sets which ports the presence tests find something on.
func (s *Simulator) SetAttached(motors, sensors uint8) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.attached = motors
	s.sensorsFound = sensors
}

func (s *Simulator) SetBattery(b BatteryStatus) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.battery = b
}

// SetGyro sets the raw gyroscope sample.
func (s *Simulator) SetGyro(x, y, z int16) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.gyro = [3]int16{x, y, z}
}

func (s *Simulator) AddErrorRecord(r hardware.ErrorRecord) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.errors = append(s.errors, r)
}

func (s *Simulator) ErrorCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.errors)
}

func (s *Simulator) Motor(port int) (driver uint8, state ports.MotorState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	m := s.motors[port-1]
	return m.driver, m.state
}

func (s *Simulator) SensorType(port int) uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sensors[port-1]
}

func (s *Simulator) MasterStatus() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.masterStatus
}

func (s *Simulator) Bluetooth() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.bluetooth
}

func (s *Simulator) LED() (scenario uint8, frame []uint16) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ledScenario, append([]uint16{}, s.ledFrame...)
}

// SlotEnabled reports whether the host enabled a status slot.
func (s *Simulator) SlotEnabled(slot uint8) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.slots[slot]
}

// History lists the most recent commands started.
func (s *Simulator) History() []uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]uint8{}, s.history...)
}
