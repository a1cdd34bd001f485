package comms

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/CodedInternet/gorevvy/onboard"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

const timerHeader = 0x04

// EncodeMotor gives {speed f32 be, pos i32 be, power i8}.
func EncodeMotor(s ports.MotorState) []byte {
	raw := make([]byte, 9)
	binary.BigEndian.PutUint32(raw[0:4], math.Float32bits(s.Speed))
	binary.BigEndian.PutUint32(raw[4:8], uint32(s.Pos))
	raw[8] = byte(s.Power)
	return raw
}

// EncodeSensor prefixes the driver's value with its length.
func EncodeSensor(value []byte) []byte {
	return append([]byte{byte(len(value))}, value...)
}

// EncodeVector gives three little endian f32s.
func EncodeVector(v mgl64.Vec3) []byte {
	raw := make([]byte, 12)
	for i, x := range v {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(x)))
	}
	return raw
}

func EncodeTimer(elapsed time.Duration) []byte {
	raw := make([]byte, 5)
	raw[0] = timerHeader
	binary.BigEndian.PutUint32(raw[1:], math.Float32bits(float32(elapsed.Seconds())))
	return raw
}

// EncodeBattery gives [main, charger, motor, motor_present].
func EncodeBattery(b onboard.BatteryStatus) []byte {
	present := byte(0)
	if b.MotorPresent {
		present = 1
	}
	return []byte{b.Main, b.Charger, b.Motor, present}
}
