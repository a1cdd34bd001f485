package scripting

import (
	"math"
	"sort"
	"time"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
)

const (
	JoystickMaxRPM   = 120
	joystickDeadzone = 0.05
)

var builtins = map[string]Program{
	"drive_joystick":  driveJoystick,
	"drive_2sticks":   driveTank,
	"stop_drivetrain": stopDrivetrain,
	"spin_motor":      spinMotor,
	"turn":            turn,
	"ring_scenario":   ringScenario,
	"beep":            beep,
}

// Builtin resolves a program compiled into the host.
func Builtin(name string) (Program, bool) {
	p, ok := builtins[name]
	return p, ok
}

func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// axis maps an analog byte onto [-1, 1] with 128 as centre.
func axis(v uint8) float64 {
	x := (float64(v) - 128) / 127
	if math.Abs(x) < joystickDeadzone {
		return 0
	}
	return math.Max(-1, math.Min(1, x))
}

func channel(in Input, n int) uint8 {
	if n >= len(in.Channels) {
		return 128
	}
	ch := in.Channels[n]
	if ch < 0 || ch >= len(in.Analog) {
		return 128
	}
	return in.Analog[ch]
}

// Differential returns wheel speeds in rpm for a stick position.
func Differential(x, y float64) (left, right float64) {
	left = math.Max(-1, math.Min(1, y+x))
	right = math.Max(-1, math.Min(1, y-x))
	return left * JoystickMaxRPM, right * JoystickMaxRPM
}

func driveJoystick(r *RobotWrapper, in Input, _ map[string]float64) error {
	left, right := Differential(axis(channel(in, 0)), axis(channel(in, 1)))
	return r.Drivetrain.SetSpeeds(left, right)
}

func driveTank(r *RobotWrapper, in Input, _ map[string]float64) error {
	left := axis(channel(in, 0)) * JoystickMaxRPM
	right := axis(channel(in, 1)) * JoystickMaxRPM
	return r.Drivetrain.SetSpeeds(left, right)
}

func stopDrivetrain(r *RobotWrapper, _ Input, _ map[string]float64) error {
	return r.Drivetrain.Stop()
}

// spinMotor runs a motor at params["speed"] rpm, for params["seconds"] if
// given.
func spinMotor(r *RobotWrapper, _ Input, params map[string]float64) error {
	m := r.Motors.Port(int(params["port"]))
	direction := drivetrain.Forward
	speed := params["speed"]
	if speed < 0 {
		direction, speed = drivetrain.Backward, -speed
	}

	if s := params["seconds"]; s > 0 {
		return m.Move(direction, s, drivetrain.UnitSeconds, speed, drivetrain.UnitRPM)
	}
	return m.Spin(direction, speed, drivetrain.UnitRPM)
}

// turn turns by params["degrees"], left when positive.
func turn(r *RobotWrapper, _ Input, params map[string]float64) error {
	direction := drivetrain.Left
	degrees := params["degrees"]
	if degrees < 0 {
		direction, degrees = drivetrain.Right, -degrees
	}
	speed := params["speed"]
	if speed <= 0 {
		speed = 30
	}
	return r.Turn(direction, degrees, drivetrain.UnitDegrees, speed, drivetrain.UnitRPM)
}

func ringScenario(r *RobotWrapper, _ Input, params map[string]float64) error {
	return r.LED.SetScenario(uint8(params["scenario"]))
}

func beep(r *RobotWrapper, _ Input, _ map[string]float64) error {
	if err := r.PlayTune("beep"); err != nil {
		return err
	}
	return r.Sleep(100 * time.Millisecond)
}
