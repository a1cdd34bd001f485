package comms

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/CodedInternet/gorevvy/onboard"
)

const (
	SimpleControlLength  = 20
	ValidateConfigLength = 7
)

var ErrMessageLength = errors.New("unexpected message length")

// DecodeSimpleControl reads
// [header, analog[6], deadline_ms u32 le, buttons u32 le, reserved[5]].
func DecodeSimpleControl(raw []byte) (msg onboard.ControlMessage, err error) {
	if len(raw) != SimpleControlLength {
		return msg, errors.Wrapf(ErrMessageLength, "simple control: %d bytes", len(raw))
	}
	copy(msg.Analog[:], raw[1:7])
	msg.NextDeadline = time.Duration(binary.LittleEndian.Uint32(raw[7:11])) * time.Millisecond
	buttons := binary.LittleEndian.Uint32(raw[11:15])
	for i := range msg.Buttons {
		msg.Buttons[i] = buttons&(1<<uint(i)) != 0
	}
	return msg, nil
}

// DecodeStateControl reads the background command from the last four
// bytes, big endian.
func DecodeStateControl(raw []byte) (onboard.BackgroundCommand, error) {
	if len(raw) < 4 {
		return onboard.BackgroundNone, errors.Wrapf(ErrMessageLength, "state control: %d bytes", len(raw))
	}
	code := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if code > uint32(onboard.BackgroundReset) {
		return onboard.BackgroundNone, errors.Errorf("unknown background command %d", code)
	}
	return onboard.BackgroundCommand(code), nil
}

// DecodeValidateConfig reads [motors, sensor[4], power, threshold].
func DecodeValidateConfig(raw []byte) (req onboard.ValidationRequest, err error) {
	if len(raw) != ValidateConfigLength {
		return req, errors.Wrapf(ErrMessageLength, "validate config: %d bytes", len(raw))
	}
	req.Motors = raw[0]
	copy(req.Sensors[:], raw[1:5])
	req.Power = raw[5]
	req.Threshold = raw[6]
	return req, nil
}
