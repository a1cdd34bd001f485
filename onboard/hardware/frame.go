package hardware

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Frame operations
const (
	OpStart     = 0
	OpRestart   = 1
	OpGetResult = 2
	OpCancel    = 3
)

const (
	MaxPayloadLength   = 255
	commandHeaderSize  = 6
	ResponseHeaderSize = 5
)

var (
	ErrPayloadTooLong = errors.New("payload exceeds 255 bytes")
	ErrHeaderCRC      = errors.New("response header crc mismatch")
)

type ResponseStatus uint8

const (
	StatusOk ResponseStatus = iota
	StatusBusy
	StatusPending
	StatusUnknownOperation
	StatusInvalidOperation
	StatusCommandIntegrityError
	StatusPayloadIntegrityError
	StatusPayloadLengthError
	StatusUnknownCommand
	StatusCommandError
	StatusInternalError
	// StatusTimeout is never sent by the MCU; the transport reports it when
	// the MCU stays busy past the deadline.
	StatusTimeout
)

var statusNames = [...]string{
	"Ok",
	"Busy",
	"Pending",
	"Error_UnknownOperation",
	"Error_InvalidOperation",
	"Error_CommandIntegrityError",
	"Error_PayloadIntegrityError",
	"Error_PayloadLengthError",
	"Error_UnknownCommand",
	"Error_CommandError",
	"Error_InternalError",
	"Error_Timeout",
}

func (s ResponseStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// EncodeCommand builds the frame written to the MCU:
// [op, cmd, len, crc16_le(payload), crc7(first 5 bytes), payload...]
func EncodeCommand(op, cmd uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLong
	}

	raw := make([]byte, commandHeaderSize+len(payload))
	raw[0] = op
	raw[1] = cmd
	raw[2] = byte(len(payload))
	binary.LittleEndian.PutUint16(raw[3:5], CRC16(payload))
	raw[5] = CRC7(raw[0:5])
	copy(raw[commandHeaderSize:], payload)

	return raw, nil
}

// ResponseHeader is the 5 byte prefix of every MCU response.
type ResponseHeader struct {
	Status        ResponseStatus
	PayloadLength uint8
	PayloadCRC    uint16
	raw           [ResponseHeaderSize]byte
}

// DecodeResponseHeader validates the header CRC before exposing any field.
func DecodeResponseHeader(raw []byte) (h ResponseHeader, err error) {
	if len(raw) < ResponseHeaderSize {
		return h, errors.Errorf("response header too short: %d bytes", len(raw))
	}
	if CRC7(raw[0:4]) != raw[4] {
		return h, ErrHeaderCRC
	}

	copy(h.raw[:], raw[:ResponseHeaderSize])
	h.Status = ResponseStatus(raw[0])
	h.PayloadLength = raw[1]
	h.PayloadCRC = binary.LittleEndian.Uint16(raw[2:4])
	return h, nil
}

// Matches reports whether raw starts with exactly the bytes this header was
// decoded from.
func (h ResponseHeader) Matches(raw []byte) bool {
	if len(raw) < ResponseHeaderSize {
		return false
	}
	for i := 0; i < ResponseHeaderSize; i++ {
		if raw[i] != h.raw[i] {
			return false
		}
	}
	return true
}

// ValidatePayload checks a payload against the header's CRC field.
func (h ResponseHeader) ValidatePayload(payload []byte) bool {
	return len(payload) == int(h.PayloadLength) && CRC16(payload) == h.PayloadCRC
}

// EncodeResponse builds an MCU response frame. The simulator and tests use
// it; the host never sends responses.
func EncodeResponse(status ResponseStatus, payload []byte) []byte {
	raw := make([]byte, ResponseHeaderSize+len(payload))
	raw[0] = byte(status)
	raw[1] = byte(len(payload))
	binary.LittleEndian.PutUint16(raw[2:4], CRC16(payload))
	raw[4] = CRC7(raw[0:4])
	copy(raw[ResponseHeaderSize:], payload)
	return raw
}

// CommandFrame is a decoded host command, as seen by the MCU side.
type CommandFrame struct {
	Op      uint8
	Command uint8
	Payload []byte
}

// DecodeCommand is the MCU side of EncodeCommand.
func DecodeCommand(raw []byte) (f CommandFrame, status ResponseStatus) {
	if len(raw) < commandHeaderSize || CRC7(raw[0:5]) != raw[5] {
		return f, StatusCommandIntegrityError
	}
	f.Op = raw[0]
	f.Command = raw[1]
	length := int(raw[2])
	if len(raw) != commandHeaderSize+length {
		return f, StatusPayloadLengthError
	}
	f.Payload = raw[commandHeaderSize:]
	if CRC16(f.Payload) != binary.LittleEndian.Uint16(raw[3:5]) {
		return f, StatusPayloadIntegrityError
	}
	return f, StatusOk
}
