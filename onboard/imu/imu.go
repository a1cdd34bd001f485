package imu

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

const (
	// LSB scales of the MCU's LSM6DS3 at its configured ranges
	AccelScale = 0.061 / 1000 // g per LSB
	GyroScale  = 0.035        // deg/s per LSB

	vectorSize = 6
)

// decodeVector reads three little endian i16 samples.
func decodeVector(raw []byte, scale float64) (v mgl64.Vec3, ok bool) {
	if len(raw) < vectorSize {
		return v, false
	}
	for i := 0; i < 3; i++ {
		v[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) * scale
	}
	return v, true
}

// Orientation is the MCU estimator's attitude in degrees.
type Orientation struct {
	Pitch, Roll, Yaw float64
}

// Quat returns the attitude as a rotation, yaw applied first.
func (o Orientation) Quat() mgl64.Quat {
	return mgl64.AnglesToQuat(
		mgl64.DegToRad(o.Yaw),
		mgl64.DegToRad(o.Pitch),
		mgl64.DegToRad(o.Roll),
		mgl64.ZYX,
	)
}

// Heading is the direction the robot faces in the horizontal plane.
func (o Orientation) Heading() mgl64.Vec3 {
	return o.Quat().Rotate(mgl64.Vec3{1, 0, 0})
}

// IMU keeps the latest accelerometer, gyroscope and orientation readings
// and integrates the gyro's z axis into a yaw angle.
type IMU struct {
	Acceleration *observable.Observable[mgl64.Vec3]
	Rotation     *observable.Observable[mgl64.Vec3]
	Orientation  *observable.Observable[Orientation]

	lock     sync.Mutex
	yaw      float64
	lastGyro time.Time
	now      func() time.Time
}

func New() *IMU {
	return &IMU{
		Acceleration: observable.New(mgl64.Vec3{}),
		Rotation:     observable.New(mgl64.Vec3{}),
		Orientation:  observable.New(Orientation{}),
		now:          time.Now,
	}
}

func (i *IMU) UpdateAccelerometer(payload []byte) {
	if v, ok := decodeVector(payload, AccelScale); ok {
		i.Acceleration.Set(v)
	}
}

func (i *IMU) UpdateGyroscope(payload []byte) {
	v, ok := decodeVector(payload, GyroScale)
	if !ok {
		return
	}

	i.lock.Lock()
	now := i.now()
	if !i.lastGyro.IsZero() {
		i.yaw += v.Z() * now.Sub(i.lastGyro).Seconds()
	}
	i.lastGyro = now
	i.lock.Unlock()

	i.Rotation.Set(v)
}

// UpdateOrientation decodes pitch, roll and yaw as little endian f32.
func (i *IMU) UpdateOrientation(payload []byte) {
	if len(payload) < 12 {
		return
	}
	f := func(n int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[4*n:])))
	}
	i.Orientation.Set(Orientation{Pitch: f(0), Roll: f(1), Yaw: f(2)})
}

// Yaw returns the integrated rotation around z in degrees since the last
// reset, counter-clockwise positive. It is not wrapped.
func (i *IMU) Yaw() float64 {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.yaw
}

func (i *IMU) ResetYaw() {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.yaw = 0
}

// EncodeVector packs a reading as three little endian f32.
func EncodeVector(v mgl64.Vec3) []byte {
	raw := make([]byte, 12)
	for n := 0; n < 3; n++ {
		binary.LittleEndian.PutUint32(raw[4*n:], math.Float32bits(float32(v[n])))
	}
	return raw
}

func EncodeOrientation(o Orientation) []byte {
	return EncodeVector(mgl64.Vec3{o.Pitch, o.Roll, o.Yaw})
}
