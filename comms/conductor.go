package comms

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/longmsg"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
)

// Long message write headers.
const (
	LongMessageSelectType = iota
	LongMessageInitTransfer
	LongMessageUpload
	LongMessageFinalize
)

var ErrReadOnly = errors.New("characteristic is not writable")

// Robot is what the mobile controls through the conductor.
type Robot interface {
	HandleControlMessage(msg onboard.ControlMessage)
	ValidateConfig(req onboard.ValidationRequest)
	SetDeviceName(name string) error
	SetConnected(connected bool)
}

// Notifier delivers a characteristic value to the connected mobile.
type Notifier interface {
	Notify(c Characteristic, data []byte)
}

type ConductorInterface interface {
	ProcessWrite(c Characteristic, data []byte) error
	Connected(connected bool)
}

// Conductor routes writes from the mobile to the robot and encodes robot
// telemetry for the mobile. It implements onboard.Surface.
type Conductor struct {
	Robot    Robot
	Messages *longmsg.Handler
	log      zerolog.Logger

	lock     sync.Mutex
	notifier Notifier
	last     map[Characteristic][]byte
	control  onboard.ControlMessage
}

func NewConductor(robot Robot, messages *longmsg.Handler, log zerolog.Logger) *Conductor {
	return &Conductor{
		Robot:    robot,
		Messages: messages,
		log:      log,
		last:     make(map[Characteristic][]byte),
	}
}

// SetNotifier attaches the transport and replays the current values.
func (c *Conductor) SetNotifier(n Notifier) {
	c.lock.Lock()
	c.notifier = n
	values := make(map[Characteristic][]byte, len(c.last))
	for k, v := range c.last {
		values[k] = v
	}
	c.lock.Unlock()

	if n == nil {
		return
	}
	for k, v := range values {
		n.Notify(k, v)
	}
}

// Value returns the last value sent on a characteristic.
func (c *Conductor) Value(ch Characteristic) []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.last[ch]
}

func (c *Conductor) Connected(connected bool) {
	c.log.Info().Bool("connected", connected).Msg("mobile connection changed")
	if !connected {
		c.lock.Lock()
		c.control = onboard.ControlMessage{}
		c.lock.Unlock()
	}
	c.Robot.SetConnected(connected)
}

func (c *Conductor) ProcessWrite(ch Characteristic, data []byte) error {
	switch ch {
	case CharSimpleControl:
		msg, err := DecodeSimpleControl(data)
		if err != nil {
			return err
		}
		c.lock.Lock()
		c.control = msg
		c.lock.Unlock()
		c.Robot.HandleControlMessage(msg)

	case CharStateControl:
		cmd, err := DecodeStateControl(data)
		if err != nil {
			return err
		}
		// replay the last controller state so buttons do not see an edge
		c.lock.Lock()
		msg := c.control
		c.lock.Unlock()
		msg.Background = cmd
		c.Robot.HandleControlMessage(msg)

	case CharValidateConfig:
		req, err := DecodeValidateConfig(data)
		if err != nil {
			return err
		}
		c.Robot.ValidateConfig(req)

	case CharLongMessage:
		err := c.processLongMessage(data)
		c.publishLongMessageStatus()
		return err

	case CharSystemID:
		return c.Robot.SetDeviceName(string(data))

	default:
		return errors.Wrap(ErrReadOnly, ch.String())
	}
	return nil
}

func (c *Conductor) processLongMessage(data []byte) error {
	if len(data) < 1 {
		return errors.Wrap(ErrMessageLength, "long message")
	}
	header, payload := data[0], data[1:]

	switch header {
	case LongMessageSelectType:
		if len(payload) != 1 {
			return errors.Wrapf(ErrMessageLength, "select type: %d bytes", len(payload))
		}
		return c.Messages.SelectType(longmsg.Type(payload[0]))

	case LongMessageInitTransfer:
		switch len(payload) {
		case 16:
			return c.Messages.InitTransfer(payload, 0)
		case 20:
			return c.Messages.InitTransfer(payload[:16], int(binary.BigEndian.Uint32(payload[16:])))
		}
		return errors.Wrapf(ErrMessageLength, "init transfer: %d bytes", len(payload))

	case LongMessageUpload:
		return c.Messages.UploadMessage(payload)

	case LongMessageFinalize:
		return c.Messages.Finalize()
	}
	return errors.Errorf("unknown long message header %d", header)
}

func (c *Conductor) publishLongMessageStatus() {
	rs, err := c.Messages.ReadStatus()
	if err != nil {
		c.log.Error().Err(err).Msg("long message status")
		rs = longmsg.ReadStatus{Status: longmsg.StatusUnused}
	}
	c.update(CharLongMessageStatus, rs.Encode())
}

// update stores and sends a value unless it did not change.
func (c *Conductor) update(ch Characteristic, data []byte) {
	c.lock.Lock()
	if bytes.Equal(c.last[ch], data) {
		c.lock.Unlock()
		return
	}
	c.last[ch] = data
	n := c.notifier
	c.lock.Unlock()

	if n != nil {
		n.Notify(ch, data)
	}
}

func (c *Conductor) UpdateMotor(port int, state ports.MotorState) {
	if ch, ok := MotorCharacteristic(port); ok {
		c.update(ch, EncodeMotor(state))
	}
}

func (c *Conductor) UpdateSensor(port int, value []byte) {
	if ch, ok := SensorCharacteristic(port); ok {
		c.update(ch, EncodeSensor(value))
	}
}

func (c *Conductor) UpdateGyro(rate mgl64.Vec3) {
	c.update(CharGyro, EncodeVector(rate))
}

func (c *Conductor) UpdateOrientation(o imu.Orientation) {
	c.update(CharOrientation, EncodeVector(mgl64.Vec3{o.Pitch, o.Roll, o.Yaw}))
}

func (c *Conductor) UpdateBattery(b onboard.BatteryStatus) {
	c.update(CharBattery, EncodeBattery(b))
}

func (c *Conductor) UpdateTimer(elapsed time.Duration) {
	c.update(CharTimer, EncodeTimer(elapsed))
}

func (c *Conductor) UpdateVariables(v scripting.VariableSlots) {
	c.update(CharVariables, v.Encode())
}

func (c *Conductor) UpdateButtons(states [onboard.ButtonCount]uint8) {
	c.update(CharButtons, onboard.PackButtonStates(states))
}

// UpdateValidation publishes [state, motors, sensors].
func (c *Conductor) UpdateValidation(r onboard.ValidationResult) {
	c.update(CharValidationResult, []byte{byte(r.State), r.Motors, r.Sensors})
}

func (c *Conductor) UpdateVersions(v onboard.Versions) {
	c.update(CharHardwareVersion, []byte(v.Hardware.String()))
	c.update(CharFirmwareVersion, []byte(v.Firmware.String()))
	c.update(CharSoftwareVersion, []byte(v.Software))
}

// UpdateDeviceName keeps the system id characteristic in step with the
// advertised name.
func (c *Conductor) UpdateDeviceName(name string) {
	c.update(CharSystemID, []byte(name))
}
