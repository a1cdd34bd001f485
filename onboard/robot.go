package onboard

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/resource"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
)

// Robot ties the MCU's ports, sensors and peripherals together and owns
// the resources scripts compete for.
type Robot struct {
	Battery *observable.Observable[BatteryStatus]

	mcu        *hardware.RobotControl
	poller     *poller.Poller
	motors     *ports.Handler
	sensors    *ports.Handler
	drivetrain *drivetrain.Drivetrain
	imu        *imu.IMU
	led        *LEDRing
	sound      scripting.SoundPlayer
	resources  map[string]*resource.Resource
	log        zerolog.Logger

	lock          sync.Mutex
	motorAliases  map[string]int
	sensorAliases map[string]int
}

// NewRobot asks the MCU what it has. The MCU must be running the
// application firmware.
func NewRobot(mcu *hardware.RobotControl, p *poller.Poller, sound scripting.SoundPlayer, config drivetrain.Config, log zerolog.Logger) (r *Robot, err error) {
	motorCount, err := mcu.ReadMotorPortAmount()
	if err != nil {
		return nil, errors.Wrap(err, "read motor ports")
	}
	motorTypes, err := mcu.ReadMotorPortTypes()
	if err != nil {
		return nil, errors.Wrap(err, "read motor types")
	}
	sensorCount, err := mcu.ReadSensorPortAmount()
	if err != nil {
		return nil, errors.Wrap(err, "read sensor ports")
	}
	sensorTypes, err := mcu.ReadSensorPortTypes()
	if err != nil {
		return nil, errors.Wrap(err, "read sensor types")
	}
	ledCount, err := mcu.GetRingLedAmount()
	if err != nil {
		return nil, errors.Wrap(err, "read led count")
	}

	r = &Robot{
		Battery:       observable.New(BatteryStatus{}),
		mcu:           mcu,
		poller:        p,
		motors:        ports.NewMotorPorts(mcu, p, int(motorCount), motorTypes, log.With().Str("component", "motors").Logger()),
		sensors:       ports.NewSensorPorts(mcu, p, int(sensorCount), sensorTypes, log.With().Str("component", "sensors").Logger()),
		imu:           imu.New(),
		led:           NewLEDRing(mcu, int(ledCount)),
		sound:         sound,
		resources:     make(map[string]*resource.Resource),
		log:           log,
		motorAliases:  make(map[string]int),
		sensorAliases: make(map[string]int),
	}
	r.drivetrain = drivetrain.New(r.motors, r.imu, config, log.With().Str("component", "drivetrain").Logger())

	for _, name := range []string{scripting.ResourceDrivetrain, scripting.ResourceLED, scripting.ResourceSound} {
		r.resources[name] = resource.New(name)
	}
	for id := 1; id <= int(motorCount); id++ {
		name := scripting.MotorResource(id)
		r.resources[name] = resource.New(name)
	}

	log.Info().Uint8("motors", motorCount).Uint8("sensors", sensorCount).Uint8("leds", ledCount).Msg("robot created")
	return r, nil
}

func (r *Robot) Motors() *ports.Handler             { return r.motors }
func (r *Robot) Sensors() *ports.Handler            { return r.sensors }
func (r *Robot) Drivetrain() *drivetrain.Drivetrain { return r.drivetrain }
func (r *Robot) IMU() *imu.IMU                      { return r.imu }
func (r *Robot) LED() scripting.LEDRing             { return r.led }
func (r *Robot) Sound() scripting.SoundPlayer       { return r.sound }

func (r *Robot) Resource(name string) *resource.Resource {
	return r.resources[name]
}

func (r *Robot) MotorAlias(name string) (int, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	id, ok := r.motorAliases[name]
	return id, ok
}

func (r *Robot) SensorAlias(name string) (int, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	id, ok := r.sensorAliases[name]
	return id, ok
}

func (r *Robot) setAliases(motors, sensors map[string]int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.motorAliases = motors
	r.sensorAliases = sensors
}

// EnableTelemetry turns on the slots that are not tied to a port. onReset
// runs when the MCU reports that it restarted.
func (r *Robot) EnableTelemetry(onReset func()) error {
	slots := []struct {
		slot    uint8
		handler poller.Handler
	}{
		{poller.SlotBattery, r.updateBattery},
		{poller.SlotAccelerometer, r.imu.UpdateAccelerometer},
		{poller.SlotGyroscope, r.imu.UpdateGyroscope},
		{poller.SlotOrientation, r.imu.UpdateOrientation},
		{poller.SlotReset, func([]byte) { onReset() }},
	}
	for _, s := range slots {
		if err := r.poller.EnableSlot(s.slot, s.handler); err != nil {
			return errors.Wrapf(err, "enable slot %d", s.slot)
		}
	}
	return nil
}

func (r *Robot) updateBattery(payload []byte) {
	if b, ok := DecodeBattery(payload); ok {
		r.Battery.Set(b)
	}
}

// Reset takes every resource back and returns the hardware to its
// unconfigured state.
func (r *Robot) Reset() error {
	for _, res := range r.resources {
		res.Reset()
	}
	r.drivetrain.Reset()
	r.sound.Stop()
	r.setAliases(make(map[string]int), make(map[string]int))

	if err := r.motors.Reset(); err != nil {
		return errors.Wrap(err, "reset motors")
	}
	if err := r.sensors.Reset(); err != nil {
		return errors.Wrap(err, "reset sensors")
	}
	if err := r.led.SetScenario(LEDOff); err != nil {
		return errors.Wrap(err, "reset led ring")
	}
	if err := r.mcu.ResetOrientationEstimator(); err != nil {
		r.log.Warn().Err(err).Msg("orientation estimator reset failed")
	}
	r.imu.ResetYaw()
	return nil
}

// StopMotors sets every configured motor to zero power.
func (r *Robot) StopMotors() {
	for _, p := range r.motors.Ports() {
		if m, ok := p.Driver().(*ports.DcMotor); ok {
			if err := m.Stop(); err != nil {
				r.log.Warn().Err(err).Int("port", p.ID).Msg("motor stop failed")
			}
		}
	}
}
