package hardware

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
)

const (
	CMD_PING                  = 0x00
	CMD_READ_HARDWARE_VERSION = 0x01
	CMD_READ_FIRMWARE_VERSION = 0x02
	CMD_SET_MASTER_STATUS     = 0x04
	CMD_SET_BLUETOOTH_STATUS  = 0x05
	CMD_READ_OPERATION_MODE   = 0x06
	CMD_READ_FIRMWARE_CRC     = 0x07
	CMD_INITIALIZE_UPDATE     = 0x08
	CMD_SEND_FIRMWARE         = 0x09
	CMD_FINALIZE_UPDATE       = 0x0A
	CMD_REBOOT_BOOTLOADER     = 0x0B

	CMD_MOTOR_PORT_AMOUNT     = 0x10
	CMD_MOTOR_PORT_TYPES      = 0x11
	CMD_MOTOR_PORT_TYPE       = 0x12
	CMD_MOTOR_PORT_CONFIG     = 0x13
	CMD_MOTOR_CONTROL_VALUE   = 0x14
	CMD_TEST_MOTOR_ON_PORT    = 0x15
	CMD_TEST_SENSOR_ON_PORT   = 0x16
	CMD_SENSOR_PORT_AMOUNT    = 0x20
	CMD_SENSOR_PORT_TYPES     = 0x21
	CMD_SENSOR_PORT_TYPE      = 0x22
	CMD_SENSOR_PORT_CONFIG    = 0x23
	CMD_SENSOR_PORT_VALUE     = 0x24
	CMD_SENSOR_INFO           = 0x25
	CMD_RING_LED_SCENARIOS    = 0x30
	CMD_RING_LED_AMOUNT       = 0x31
	CMD_RING_LED_SCENARIO     = 0x32
	CMD_RING_LED_USER_FRAME   = 0x33
	CMD_STATUS_UPDATER_RESET  = 0x3A
	CMD_STATUS_UPDATER_CTRL   = 0x3B
	CMD_STATUS_UPDATER_READ   = 0x3C
	CMD_ERROR_MEMORY_COUNT    = 0x3D
	CMD_ERROR_MEMORY_READ     = 0x3E
	CMD_ERROR_MEMORY_CLEAR    = 0x3F
	CMD_ERROR_MEMORY_TEST     = 0x40
	CMD_IMU_ORIENTATION_RESET = 0x41

	// presence tests answer Pending while the MCU drives the port
	PRESENCE_TEST_POLL_DELAY = 100 * time.Millisecond

	ErrorRecordSize = 63
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrUnexpectedPayload = errors.New("unexpected payload")
	ErrCommandFailed     = errors.New("command failed")
	ErrBusyTimeout       = errors.New("mcu busy timeout")
)

type OperationMode uint8

const (
	ModeApplication OperationMode = 0xAA
	ModeBootloader  OperationMode = 0xBB
)

func (m OperationMode) String() string {
	switch m {
	case ModeApplication:
		return "application"
	case ModeBootloader:
		return "bootloader"
	}
	return "unknown"
}

// ErrorRecord is one entry of the MCU's fatal error ring buffer.
type ErrorRecord struct {
	ID              uint8    `json:"id"`
	Timestamp       uint32   `json:"timestamp"`
	HardwareVersion uint32   `json:"hardware_version"`
	FirmwareVersion uint32   `json:"firmware_version"`
	Data            [50]byte `json:"data"`
}

// control holds the opcodes both MCU images answer.
type control struct {
	sender Sender
}

func (c control) call(name string, cmd uint8, payload []byte) (resp []byte, err error) {
	return c.callDelayed(name, cmd, payload, 0)
}

func (c control) callDelayed(name string, cmd uint8, payload []byte, delay time.Duration) (resp []byte, err error) {
	r, err := c.sender.SendCommandDelayed(cmd, payload, delay)
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case StatusOk:
		return r.Payload, nil
	case StatusUnknownCommand:
		err = ErrUnknownCommand
	case StatusTimeout:
		err = ErrBusyTimeout
	default:
		err = ErrCommandFailed
	}

	return nil, rerrors.CommandError{Command: name, Status: r.Status.String(), Err: err}
}

// callExpect enforces a fixed response length.
func (c control) callExpect(name string, cmd uint8, payload []byte, length int) (resp []byte, err error) {
	resp, err = c.call(name, cmd, payload)
	if err != nil {
		return
	}
	if len(resp) != length {
		return nil, rerrors.CommandError{Command: name, Status: StatusOk.String(), Err: ErrUnexpectedPayload}
	}
	return
}

func (c control) Ping() error {
	_, err := c.call("Ping", CMD_PING, nil)
	return err
}

func (c control) ReadHardwareVersion() (v Version, err error) {
	resp, err := c.call("ReadHardwareVersion", CMD_READ_HARDWARE_VERSION, nil)
	if err != nil {
		return
	}
	return ParseVersion(string(resp))
}

func (c control) ReadOperationMode() (mode OperationMode, err error) {
	resp, err := c.callExpect("ReadOperationMode", CMD_READ_OPERATION_MODE, nil, 1)
	if err != nil {
		return
	}
	return OperationMode(resp[0]), nil
}

// BootloaderControl talks to the MCU while it runs the bootloader image.
type BootloaderControl struct {
	control
}

func NewBootloaderControl(sender Sender) *BootloaderControl {
	return &BootloaderControl{control{sender}}
}

func (c *BootloaderControl) InitializeUpdate(length, crc uint32) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], length)
	binary.LittleEndian.PutUint32(payload[4:8], crc)
	_, err := c.call("InitializeUpdate", CMD_INITIALIZE_UPDATE, payload)
	return err
}

func (c *BootloaderControl) SendFirmware(chunk []byte) error {
	_, err := c.call("SendFirmware", CMD_SEND_FIRMWARE, chunk)
	return err
}

// FinalizeUpdate makes the bootloader start the new image. The MCU may
// reset before the response is read.
func (c *BootloaderControl) FinalizeUpdate() error {
	_, err := c.call("FinalizeUpdate", CMD_FINALIZE_UPDATE, nil)
	return err
}

// RobotControl talks to the MCU while it runs the application image.
type RobotControl struct {
	control
}

func NewRobotControl(sender Sender) *RobotControl {
	return &RobotControl{control{sender}}
}

func (c *RobotControl) ReadFirmwareVersion() (v Version, err error) {
	resp, err := c.call("ReadFirmwareVersion", CMD_READ_FIRMWARE_VERSION, nil)
	if err != nil {
		return
	}
	return ParseVersion(string(resp))
}

func (c *RobotControl) SetMasterStatus(status uint8) error {
	_, err := c.call("SetMasterStatus", CMD_SET_MASTER_STATUS, []byte{status})
	return err
}

func (c *RobotControl) SetBluetoothStatus(connected bool) error {
	_, err := c.call("SetBluetoothStatus", CMD_SET_BLUETOOTH_STATUS, []byte{boolByte(connected)})
	return err
}

func (c *RobotControl) ReadFirmwareCrc() (crc uint32, err error) {
	resp, err := c.callExpect("ReadFirmwareCrc", CMD_READ_FIRMWARE_CRC, nil, 4)
	if err != nil {
		return
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// RebootToBootloader asks the application to reset into the bootloader. The
// MCU may reset before the response is read.
func (c *RobotControl) RebootToBootloader() error {
	_, err := c.call("RebootToBootloader", CMD_REBOOT_BOOTLOADER, nil)
	return err
}

func (c *RobotControl) ReadMotorPortAmount() (n uint8, err error) {
	resp, err := c.callExpect("ReadMotorPortAmount", CMD_MOTOR_PORT_AMOUNT, nil, 1)
	if err != nil {
		return
	}
	return resp[0], nil
}

func (c *RobotControl) ReadMotorPortTypes() (types map[string]uint8, err error) {
	resp, err := c.call("ReadMotorPortTypes", CMD_MOTOR_PORT_TYPES, nil)
	if err != nil {
		return
	}
	return decodeTypeList("ReadMotorPortTypes", resp)
}

func (c *RobotControl) SetMotorPortType(port, driver uint8) error {
	_, err := c.call("SetMotorPortType", CMD_MOTOR_PORT_TYPE, []byte{port, driver})
	return err
}

func (c *RobotControl) SetMotorPortConfig(port uint8, config []byte) error {
	_, err := c.call("SetMotorPortConfig", CMD_MOTOR_PORT_CONFIG, append([]byte{port}, config...))
	return err
}

// SetMotorPortControlValue sends one or more packed motor commands and
// returns the request id the MCU assigned to each, in order.
func (c *RobotControl) SetMotorPortControlValue(commands []byte) (requestIDs []byte, err error) {
	return c.call("SetMotorPortControlValue", CMD_MOTOR_CONTROL_VALUE, commands)
}

func (c *RobotControl) TestMotorOnPort(port, intensity, threshold uint8) (present bool, err error) {
	resp, err := c.callDelayed("TestMotorOnPort", CMD_TEST_MOTOR_ON_PORT, []byte{port, intensity, threshold}, PRESENCE_TEST_POLL_DELAY)
	if err != nil {
		return
	}
	if len(resp) != 1 {
		return false, rerrors.CommandError{Command: "TestMotorOnPort", Status: StatusOk.String(), Err: ErrUnexpectedPayload}
	}
	return resp[0] != 0, nil
}

func (c *RobotControl) TestSensorOnPort(port, sensorType uint8) (present bool, err error) {
	resp, err := c.callDelayed("TestSensorOnPort", CMD_TEST_SENSOR_ON_PORT, []byte{port, sensorType}, PRESENCE_TEST_POLL_DELAY)
	if err != nil {
		return
	}
	if len(resp) != 1 {
		return false, rerrors.CommandError{Command: "TestSensorOnPort", Status: StatusOk.String(), Err: ErrUnexpectedPayload}
	}
	return resp[0] != 0, nil
}

func (c *RobotControl) ReadSensorPortAmount() (n uint8, err error) {
	resp, err := c.callExpect("ReadSensorPortAmount", CMD_SENSOR_PORT_AMOUNT, nil, 1)
	if err != nil {
		return
	}
	return resp[0], nil
}

func (c *RobotControl) ReadSensorPortTypes() (types map[string]uint8, err error) {
	resp, err := c.call("ReadSensorPortTypes", CMD_SENSOR_PORT_TYPES, nil)
	if err != nil {
		return
	}
	return decodeTypeList("ReadSensorPortTypes", resp)
}

func (c *RobotControl) SetSensorPortType(port, driver uint8) error {
	_, err := c.call("SetSensorPortType", CMD_SENSOR_PORT_TYPE, []byte{port, driver})
	return err
}

func (c *RobotControl) SetSensorPortConfig(port uint8, config []byte) error {
	_, err := c.call("SetSensorPortConfig", CMD_SENSOR_PORT_CONFIG, append([]byte{port}, config...))
	return err
}

func (c *RobotControl) GetSensorPortValue(port uint8) ([]byte, error) {
	return c.call("GetSensorPortValue", CMD_SENSOR_PORT_VALUE, []byte{port})
}

func (c *RobotControl) ReadSensorInfo(port, page uint8) ([]byte, error) {
	return c.call("ReadSensorInfo", CMD_SENSOR_INFO, []byte{port, page})
}

func (c *RobotControl) ReadRingLedScenarioTypes() (types map[string]uint8, err error) {
	resp, err := c.call("ReadRingLedScenarioTypes", CMD_RING_LED_SCENARIOS, nil)
	if err != nil {
		return
	}
	return decodeTypeList("ReadRingLedScenarioTypes", resp)
}

func (c *RobotControl) GetRingLedAmount() (n uint8, err error) {
	resp, err := c.callExpect("GetRingLedAmount", CMD_RING_LED_AMOUNT, nil, 1)
	if err != nil {
		return
	}
	return resp[0], nil
}

func (c *RobotControl) SetRingLedScenario(scenario uint8) error {
	_, err := c.call("SetRingLedScenario", CMD_RING_LED_SCENARIO, []byte{scenario})
	return err
}

// SendRingLedUserFrame sends one RGB565 colour per LED.
func (c *RobotControl) SendRingLedUserFrame(colors []uint16) error {
	payload := make([]byte, 2*len(colors))
	for i, color := range colors {
		binary.LittleEndian.PutUint16(payload[2*i:], color)
	}
	_, err := c.call("SendRingLedUserFrame", CMD_RING_LED_USER_FRAME, payload)
	return err
}

func (c *RobotControl) StatusUpdaterReset() error {
	_, err := c.call("StatusUpdaterReset", CMD_STATUS_UPDATER_RESET, nil)
	return err
}

func (c *RobotControl) StatusUpdaterControl(slot uint8, enable bool) error {
	_, err := c.call("StatusUpdaterControl", CMD_STATUS_UPDATER_CTRL, []byte{slot, boolByte(enable)})
	return err
}

func (c *RobotControl) StatusUpdaterRead() ([]byte, error) {
	return c.call("StatusUpdaterRead", CMD_STATUS_UPDATER_READ, nil)
}

func (c *RobotControl) ErrorMemoryReadCount() (n uint32, err error) {
	resp, err := c.callExpect("ErrorMemoryReadCount", CMD_ERROR_MEMORY_COUNT, nil, 4)
	if err != nil {
		return
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// ErrorMemoryReadErrors returns as many records starting at index start as
// fit into one response.
func (c *RobotControl) ErrorMemoryReadErrors(start uint32) (records []ErrorRecord, err error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, start)

	resp, err := c.call("ErrorMemoryReadErrors", CMD_ERROR_MEMORY_READ, payload)
	if err != nil {
		return
	}
	if len(resp)%ErrorRecordSize != 0 {
		return nil, rerrors.CommandError{Command: "ErrorMemoryReadErrors", Status: StatusOk.String(), Err: ErrUnexpectedPayload}
	}

	for off := 0; off < len(resp); off += ErrorRecordSize {
		records = append(records, DecodeErrorRecord(resp[off:off+ErrorRecordSize]))
	}
	return
}

func (c *RobotControl) ErrorMemoryClear() error {
	_, err := c.call("ErrorMemoryClear", CMD_ERROR_MEMORY_CLEAR, nil)
	return err
}

func (c *RobotControl) ErrorMemoryTestError() error {
	_, err := c.call("ErrorMemoryTestError", CMD_ERROR_MEMORY_TEST, nil)
	return err
}

func (c *RobotControl) ResetOrientationEstimator() error {
	_, err := c.call("IMUOrientationEstimator_Reset", CMD_IMU_ORIENTATION_RESET, nil)
	return err
}

func DecodeErrorRecord(raw []byte) (r ErrorRecord) {
	r.ID = raw[0]
	r.Timestamp = binary.LittleEndian.Uint32(raw[1:5])
	r.HardwareVersion = binary.LittleEndian.Uint32(raw[5:9])
	r.FirmwareVersion = binary.LittleEndian.Uint32(raw[9:13])
	copy(r.Data[:], raw[13:ErrorRecordSize])
	return
}

// EncodeErrorRecord is the MCU side of DecodeErrorRecord.
func EncodeErrorRecord(r ErrorRecord) []byte {
	raw := make([]byte, ErrorRecordSize)
	raw[0] = r.ID
	binary.LittleEndian.PutUint32(raw[1:5], r.Timestamp)
	binary.LittleEndian.PutUint32(raw[5:9], r.HardwareVersion)
	binary.LittleEndian.PutUint32(raw[9:13], r.FirmwareVersion)
	copy(raw[13:], r.Data[:])
	return raw
}

// decodeTypeList parses concatenated [id, name_len, name] records.
func decodeTypeList(name string, raw []byte) (types map[string]uint8, err error) {
	types = make(map[string]uint8)
	for i := 0; i < len(raw); {
		if i+2 > len(raw) {
			return nil, rerrors.CommandError{Command: name, Status: StatusOk.String(), Err: ErrUnexpectedPayload}
		}
		id, n := raw[i], int(raw[i+1])
		if i+2+n > len(raw) {
			return nil, rerrors.CommandError{Command: name, Status: StatusOk.String(), Err: ErrUnexpectedPayload}
		}
		types[string(raw[i+2:i+2+n])] = id
		i += 2 + n
	}
	return
}

// EncodeTypeList is the MCU side of decodeTypeList. Ids are written in
// ascending order so the output is stable.
func EncodeTypeList(types map[string]uint8) []byte {
	var raw []byte
	for id := 0; id < 256; id++ {
		for name, tid := range types {
			if int(tid) == id {
				raw = append(raw, tid, byte(len(name)))
				raw = append(raw, name...)
			}
		}
	}
	return raw
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
