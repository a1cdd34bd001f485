package ports

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

const (
	UltrasonicName = "HC_SR04"
	BumperName     = "BumperSwitch"
	ColorName      = "EV3_Color"

	// readings at or beyond this are out of range
	UltrasonicMaxDistance = 300
)

// SensorDriver exposes the reading sent to the mobile.
type SensorDriver interface {
	Driver
	Value() []byte
}

type UltrasonicConfig struct {
	Window   int
	Throttle time.Duration
}

func (UltrasonicConfig) DriverName() string { return UltrasonicName }

func DefaultUltrasonicConfig() UltrasonicConfig {
	return UltrasonicConfig{Window: 5, Throttle: 500 * time.Millisecond}
}

// Ultrasonic is an HC-SR04 distance sensor, averaged over a few samples.
type Ultrasonic struct {
	Distance *observable.Smoothing
}

func newUltrasonic(c UltrasonicConfig) *Ultrasonic {
	if c.Window <= 0 {
		c = DefaultUltrasonicConfig()
	}
	return &Ultrasonic{
		Distance: observable.NewSmoothing(c.Window, observable.Mean, observable.WithThrottle(c.Throttle)),
	}
}

func (u *Ultrasonic) Name() string   { return UltrasonicName }
func (u *Ultrasonic) Config() []byte { return nil }

func (u *Ultrasonic) UpdateStatus(payload []byte) {
	if len(payload) < 4 {
		return
	}
	cm := binary.LittleEndian.Uint32(payload)
	if cm == 0 || cm >= UltrasonicMaxDistance {
		return
	}
	u.Distance.Push(float64(cm))
}

// Read returns the smoothed distance in cm.
func (u *Ultrasonic) Read() float64 {
	return u.Distance.Get()
}

func (u *Ultrasonic) Value() []byte {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, uint32(u.Read()+0.5))
	return raw
}

type BumperConfig struct {
	Window   int
	Throttle time.Duration
}

func (BumperConfig) DriverName() string { return BumperName }

func DefaultBumperConfig() BumperConfig {
	return BumperConfig{Window: 3, Throttle: 200 * time.Millisecond}
}

// Bumper is a switch debounced by majority vote.
type Bumper struct {
	Pressed *observable.Smoothing
}

func newBumper(c BumperConfig) *Bumper {
	if c.Window <= 0 {
		c = DefaultBumperConfig()
	}
	return &Bumper{
		Pressed: observable.NewSmoothing(c.Window, observable.Majority, observable.WithThrottle(c.Throttle)),
	}
}

func (b *Bumper) Name() string   { return BumperName }
func (b *Bumper) Config() []byte { return nil }

func (b *Bumper) UpdateStatus(payload []byte) {
	if len(payload) < 1 {
		return
	}
	v := 0.0
	if payload[0] != 0 {
		v = 1
	}
	b.Pressed.Push(v)
}

func (b *Bumper) Read() bool {
	return b.Pressed.Get() != 0
}

func (b *Bumper) Value() []byte {
	if b.Read() {
		return []byte{1}
	}
	return []byte{0}
}

type ColorConfig struct{}

func (ColorConfig) DriverName() string { return ColorName }

// RGB is one color reading.
type RGB struct {
	R, G, B uint8
}

// ColorSensor reports raw RGB values.
type ColorSensor struct {
	lock  sync.Mutex
	color RGB
}

func newColorSensor() *ColorSensor {
	return &ColorSensor{}
}

func (c *ColorSensor) Name() string   { return ColorName }
func (c *ColorSensor) Config() []byte { return nil }

func (c *ColorSensor) UpdateStatus(payload []byte) {
	if len(payload) < 3 {
		return
	}
	c.lock.Lock()
	c.color = RGB{payload[0], payload[1], payload[2]}
	c.lock.Unlock()
}

func (c *ColorSensor) Read() RGB {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.color
}

func (c *ColorSensor) Value() []byte {
	rgb := c.Read()
	return []byte{rgb.R, rgb.G, rgb.B}
}
