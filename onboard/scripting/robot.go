package scripting

import (
	"strconv"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/resource"
)

const (
	ResourceDrivetrain = "drivetrain"
	ResourceLED        = "led_ring"
	ResourceSound      = "sound"
)

func MotorResource(id int) string {
	return "motor_" + strconv.Itoa(id)
}

type LEDRing interface {
	Count() int
	SetScenario(scenario uint8) error
	// Display shows one 0xRRGGBB colour per LED.
	Display(colors []uint32) error
}

type SoundPlayer interface {
	// Play starts a sound asset; the awaiter finishes when it ends.
	Play(name string) (*observable.Awaiter, error)
	Stop()
	SetVolume(percent int) error
}

// Robot is the hardware scripts may use.
type Robot interface {
	Motors() *ports.Handler
	Sensors() *ports.Handler
	Drivetrain() *drivetrain.Drivetrain
	IMU() *imu.IMU
	LED() LEDRing
	Sound() SoundPlayer
	Resource(name string) *resource.Resource
	// MotorAlias and SensorAlias resolve names given by the mobile.
	MotorAlias(name string) (int, bool)
	SensorAlias(name string) (int, bool)
}
