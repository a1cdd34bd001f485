package onboard

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
)

// ServiceConfig is the optional revvy.yaml next to the package.
type ServiceConfig struct {
	Transport struct {
		HeaderRetries  int           `yaml:"header_retries"`
		PayloadRetries int           `yaml:"payload_retries"`
		BusyTimeout    time.Duration `yaml:"busy_timeout"`
	}
	PollInterval time.Duration `yaml:"poll_interval"`
	DeviceName   string        `yaml:"device_name"`
	Drivetrain   struct {
		TurnKp            float64 `yaml:"turn_kp"`
		MaxTurnWheelSpeed float64 `yaml:"max_turn_wheel_speed"`
	}
}

// LoadServiceConfig reads filename. A missing file gives the zero config.
func LoadServiceConfig(filename string) (config ServiceConfig, err error) {
	raw, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return config, errors.Wrap(err, "read service config")
	}
	if err = yaml.UnmarshalStrict(raw, &config); err != nil {
		return config, errors.Wrapf(err, "parse %s", filename)
	}
	return config, nil
}

// TransportOptions turns the set fields into transport options.
func (c ServiceConfig) TransportOptions() (opts []hardware.Option) {
	if c.Transport.HeaderRetries > 0 {
		opts = append(opts, hardware.WithHeaderRetries(c.Transport.HeaderRetries))
	}
	if c.Transport.PayloadRetries > 0 {
		opts = append(opts, hardware.WithPayloadRetries(c.Transport.PayloadRetries))
	}
	if c.Transport.BusyTimeout > 0 {
		opts = append(opts, hardware.WithBusyTimeout(c.Transport.BusyTimeout))
	}
	return
}

// Motor and sensor types used by the mobile's configuration.
const (
	MotorNotConfigured = 0
	MotorPlain         = 1
	MotorDrivetrain    = 2

	SensorNotConfigured = 0
	SensorUltrasonic    = 1
	SensorBumper        = 2
	SensorColor         = 3
)

// flag accepts true/false as well as 0/1.
type flag bool

func (f *flag) UnmarshalJSON(raw []byte) error {
	switch string(raw) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return errors.Errorf("invalid flag %s", raw)
	}
	return nil
}

type MotorConfig struct {
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Reversed flag   `json:"reversed"`
	Side     int    `json:"side"`
}

type SensorConfig struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type ButtonAssignment struct {
	ID       int `json:"id"`
	Priority int `json:"priority"`
}

type AnalogAssignment struct {
	Channels []int `json:"channels"`
	Priority int   `json:"priority"`
}

type Assignments struct {
	Buttons    []ButtonAssignment `json:"buttons"`
	Analog     []AnalogAssignment `json:"analog"`
	Background *int               `json:"background"`
}

type ScriptConfig struct {
	Builtin     string             `json:"builtinScriptName"`
	Assignments Assignments        `json:"assignments"`
	Params      map[string]float64 `json:"params"`

	program scripting.Program
}

// RobotConfig is what the mobile uploads as configuration data. Motors
// and sensors are listed in port order; null entries are not configured.
type RobotConfig struct {
	Robot struct {
		Motors  []*MotorConfig  `json:"motors"`
		Sensors []*SensorConfig `json:"sensors"`
	} `json:"robotConfig"`
	Scripts []ScriptConfig `json:"blocklyList"`
}

// Empty is the configuration with nothing attached.
func (c *RobotConfig) Empty() bool {
	if c == nil {
		return true
	}
	for _, m := range c.Robot.Motors {
		if m != nil && m.Type != MotorNotConfigured {
			return false
		}
	}
	for _, s := range c.Robot.Sensors {
		if s != nil && s.Type != SensorNotConfigured {
			return false
		}
	}
	return len(c.Scripts) == 0
}

// ParseRobotConfig decodes and validates a configuration.
func ParseRobotConfig(raw []byte) (*RobotConfig, error) {
	var c RobotConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, rerrors.ConfigError{Field: "json", Reason: err.Error()}
	}

	for i, m := range c.Robot.Motors {
		if m == nil {
			continue
		}
		if m.Type < MotorNotConfigured || m.Type > MotorDrivetrain {
			return nil, rerrors.ConfigError{Field: "motors", Reason: fmt.Sprintf("unknown type on port %d", i+1)}
		}
		if m.Type == MotorDrivetrain && m.Side != 0 && m.Side != 1 {
			return nil, rerrors.ConfigError{Field: "motors", Reason: fmt.Sprintf("invalid drivetrain side on port %d", i+1)}
		}
	}
	for i, s := range c.Robot.Sensors {
		if s == nil {
			continue
		}
		if s.Type < SensorNotConfigured || s.Type > SensorColor {
			return nil, rerrors.ConfigError{Field: "sensors", Reason: fmt.Sprintf("unknown type on port %d", i+1)}
		}
	}
	for i := range c.Scripts {
		s := &c.Scripts[i]
		program, ok := scripting.Builtin(s.Builtin)
		if !ok {
			return nil, rerrors.ConfigError{Field: "blocklyList", Reason: "unknown builtin " + s.Builtin}
		}
		s.program = program
		for _, b := range s.Assignments.Buttons {
			if b.ID < 0 || b.ID >= ButtonCount {
				return nil, rerrors.ConfigError{Field: "buttons", Reason: fmt.Sprintf("button %d out of range", b.ID)}
			}
		}
	}
	return &c, nil
}

// Check verifies c against the ports the robot actually has. A nil
// configuration always fits.
func (c *RobotConfig) Check(motors, sensors int) error {
	if c == nil {
		return nil
	}
	for i, m := range c.Robot.Motors {
		if m != nil && m.Type != MotorNotConfigured && i >= motors {
			return rerrors.ConfigError{Field: "motors", Reason: fmt.Sprintf("port %d of %d", i+1, motors)}
		}
	}
	for i, s := range c.Robot.Sensors {
		if s != nil && s.Type != SensorNotConfigured && i >= sensors {
			return rerrors.ConfigError{Field: "sensors", Reason: fmt.Sprintf("port %d of %d", i+1, sensors)}
		}
	}
	for _, s := range c.Scripts {
		for _, a := range s.Assignments.Analog {
			for _, ch := range a.Channels {
				if ch < 0 || ch >= AnalogChannelCount {
					return rerrors.ConfigError{Field: "analog", Reason: fmt.Sprintf("channel %d out of range", ch)}
				}
			}
		}
	}
	return nil
}
