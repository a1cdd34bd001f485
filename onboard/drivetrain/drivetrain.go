package drivetrain

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

type Side int

const (
	SideLeft Side = iota
	SideRight
)

type Direction int

const (
	Forward Direction = iota
	Backward
	Left
	Right
)

type Unit int

const (
	UnitSeconds Unit = iota
	UnitRotations
	UnitDegrees
	UnitRPM
	UnitPercent
)

const rpmToDps = 6

var ErrUnit = errors.New("unit not valid for this motion")

// YawSource supplies the robot's heading in degrees, counter-clockwise
// positive.
type YawSource interface {
	Yaw() float64
}

type Config struct {
	// MaxTurnWheelSpeed caps the wheel speed of closed loop turns, in rpm.
	MaxTurnWheelSpeed float64
	TurnKp            float64
	TurnTolerance     float64
	StallAngle        float64
	StallTime         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTurnWheelSpeed: 60,
		TurnKp:            0.75,
		TurnTolerance:     1,
		StallAngle:        0.5,
		StallTime:         3 * time.Second,
	}
}

// Drivetrain drives the motors on either side of a differential robot. It
// refers to motors by port id; the ports own the drivers.
type Drivetrain struct {
	motors *ports.Handler
	yaw    YawSource
	config Config
	log    zerolog.Logger

	// commandLock serializes commands against status updates
	commandLock sync.Mutex
	left, right []int
	offs        []func()

	ctrlLock   sync.Mutex
	controller controller

	now func() time.Time
}

func New(motors *ports.Handler, yaw YawSource, config Config, log zerolog.Logger) *Drivetrain {
	return &Drivetrain{
		motors: motors,
		yaw:    yaw,
		config: config,
		log:    log,
		now:    time.Now,
	}
}

// Add puts a motor port on one side.
func (d *Drivetrain) Add(id int, side Side) error {
	port, err := d.motors.Port(id)
	if err != nil {
		return err
	}
	if _, ok := port.Driver().(*ports.DcMotor); !ok {
		return rerrors.ConfigError{Field: "drivetrain", Reason: "port has no motor"}
	}

	d.commandLock.Lock()
	defer d.commandLock.Unlock()

	if side == SideLeft {
		d.left = append(d.left, id)
	} else {
		d.right = append(d.right, id)
	}
	d.offs = append(d.offs, port.Events.On(ports.EventStatusChanged, func(interface{}) {
		d.update()
	}))
	return nil
}

// Reset stops any motion and forgets the motors.
func (d *Drivetrain) Reset() {
	d.commandLock.Lock()
	defer d.commandLock.Unlock()

	d.supersede()
	for _, off := range d.offs {
		off()
	}
	d.offs = nil
	d.left, d.right = nil, nil
}

func (d *Drivetrain) Motors(side Side) []int {
	d.commandLock.Lock()
	defer d.commandLock.Unlock()
	if side == SideLeft {
		return append([]int{}, d.left...)
	}
	return append([]int{}, d.right...)
}

func (d *Drivetrain) motor(id int) *ports.DcMotor {
	port, err := d.motors.Port(id)
	if err != nil {
		return nil
	}
	m, _ := port.Driver().(*ports.DcMotor)
	return m
}

// each builds one command per motor on a side.
func (d *Drivetrain) each(ids []int, build func(m *ports.DcMotor) ports.Command) []ports.Command {
	var commands []ports.Command
	for _, id := range ids {
		if m := d.motor(id); m != nil {
			commands = append(commands, build(m))
		}
	}
	return commands
}

func (d *Drivetrain) sendSpeeds(left, right, powerLimit float32) error {
	commands := d.each(d.left, func(m *ports.DcMotor) ports.Command {
		return ports.Command{Motor: m, Request: m.SpeedRequest(left, powerLimit)}
	})
	commands = append(commands, d.each(d.right, func(m *ports.DcMotor) ports.Command {
		return ports.Command{Motor: m, Request: m.SpeedRequest(right, powerLimit)}
	})...)
	return d.motors.Send(commands...)
}

func (d *Drivetrain) sendPowers(left, right int) error {
	commands := d.each(d.left, func(m *ports.DcMotor) ports.Command {
		return ports.Command{Motor: m, Request: m.PowerRequest(left)}
	})
	commands = append(commands, d.each(d.right, func(m *ports.DcMotor) ports.Command {
		return ports.Command{Motor: m, Request: m.PowerRequest(right)}
	})...)
	return d.motors.Send(commands...)
}

// SetSpeeds sets wheel speeds in deg/s. A zero powerLimit means no limit.
func (d *Drivetrain) SetSpeeds(left, right, powerLimit float32) error {
	d.commandLock.Lock()
	defer d.commandLock.Unlock()

	d.supersede()
	return d.sendSpeeds(left, right, powerLimit)
}

// sideFactors maps a direction onto the sign of each side.
func sideFactors(direction Direction) (left, right float32) {
	switch direction {
	case Backward:
		return -1, -1
	case Left:
		return -1, 1
	case Right:
		return 1, -1
	}
	return 1, 1
}

// drive starts open loop motion at speed in rpm or power in percent.
func (d *Drivetrain) drive(direction Direction, speed float64, unit Unit) error {
	l, r := sideFactors(direction)
	switch unit {
	case UnitRPM:
		s := float32(speed * rpmToDps)
		return d.sendSpeeds(l*s, r*s, 0)
	case UnitPercent:
		return d.sendPowers(int(l*float32(speed)), int(r*float32(speed)))
	}
	return ErrUnit
}

// SetSpeed drives open loop until the next command.
func (d *Drivetrain) SetSpeed(direction Direction, speed float64, unit Unit) error {
	d.commandLock.Lock()
	defer d.commandLock.Unlock()

	d.supersede()
	return d.drive(direction, speed, unit)
}

// Drive moves forward or backward for a time or a number of wheel
// rotations.
func (d *Drivetrain) Drive(direction Direction, magnitude float64, unitMagnitude Unit, speed float64, unitSpeed Unit) (*observable.Awaiter, error) {
	if direction != Forward && direction != Backward {
		return nil, errors.Errorf("drive cannot go %d", direction)
	}

	d.commandLock.Lock()
	defer d.commandLock.Unlock()
	d.supersede()

	switch unitMagnitude {
	case UnitSeconds:
		return d.timed(direction, magnitude, speed, unitSpeed)
	case UnitRotations:
		return d.rotate(direction, magnitude*360, speed, unitSpeed)
	}
	return nil, ErrUnit
}

// Turn turns in place for a time or by an angle measured by the IMU.
func (d *Drivetrain) Turn(direction Direction, magnitude float64, unitMagnitude Unit, speed float64, unitSpeed Unit) (*observable.Awaiter, error) {
	if direction != Left && direction != Right {
		return nil, errors.Errorf("turn cannot go %d", direction)
	}

	d.commandLock.Lock()
	defer d.commandLock.Unlock()
	d.supersede()

	switch unitMagnitude {
	case UnitSeconds:
		return d.timed(direction, magnitude, speed, unitSpeed)
	case UnitDegrees:
		return d.turn(direction, magnitude, speed, unitSpeed)
	}
	return nil, ErrUnit
}

// StopRelease cancels the running motion and lets the motors coast.
func (d *Drivetrain) StopRelease() error {
	d.commandLock.Lock()
	defer d.commandLock.Unlock()

	d.supersede()
	return d.sendPowers(0, 0)
}

func (d *Drivetrain) timed(direction Direction, seconds float64, speed float64, unit Unit) (*observable.Awaiter, error) {
	if err := d.drive(direction, speed, unit); err != nil {
		return nil, err
	}

	c := &timeController{base: newBase()}
	d.start(c)
	c.timer = time.AfterFunc(time.Duration(seconds*float64(time.Second)), func() {
		d.expire(c)
	})
	return c.awaiter(), nil
}

func (d *Drivetrain) rotate(direction Direction, degrees float64, speed float64, unit Unit) (*observable.Awaiter, error) {
	var limits ports.PositionLimits
	switch unit {
	case UnitRPM:
		limits.Speed = float32(speed * rpmToDps)
	case UnitPercent:
		limits.Power = float32(speed)
	default:
		return nil, ErrUnit
	}

	l, r := sideFactors(direction)
	c := &moveController{base: newBase()}
	build := func(sign float32) func(m *ports.DcMotor) ports.Command {
		return func(m *ports.DcMotor) ports.Command {
			a := observable.NewAwaiter()
			c.motors = append(c.motors, a)
			return ports.Command{
				Motor:   m,
				Request: m.PositionRequest(int32(sign*float32(degrees)), true, limits),
				Awaiter: a,
			}
		}
	}
	commands := d.each(d.left, build(l))
	commands = append(commands, d.each(d.right, build(r))...)

	if err := d.motors.Send(commands...); err != nil {
		return nil, err
	}
	d.start(c)
	return c.awaiter(), nil
}

func (d *Drivetrain) turn(direction Direction, degrees float64, speed float64, unit Unit) (*observable.Awaiter, error) {
	c := &turnController{
		base:     newBase(),
		kp:       d.config.TurnKp,
		maxSpeed: d.config.MaxTurnWheelSpeed,
	}
	switch unit {
	case UnitRPM:
		if speed > 0 && speed < c.maxSpeed {
			c.maxSpeed = speed
		}
	case UnitPercent:
		c.powerLimit = float32(speed)
	default:
		return nil, ErrUnit
	}

	if direction == Right {
		degrees = -degrees
	}
	c.target = degrees
	c.start = d.yaw.Yaw()
	c.lastYaw = c.start
	c.lastChange = d.now()

	left, right := c.speeds(0)
	if err := d.sendSpeeds(left, right, c.powerLimit); err != nil {
		return nil, err
	}
	d.start(c)
	return c.awaiter(), nil
}

// start installs c as the running controller. A cancelled awaiter stops
// the motors unless another motion took over.
func (d *Drivetrain) start(c controller) {
	d.ctrlLock.Lock()
	d.controller = c
	d.ctrlLock.Unlock()

	c.awaiter().OnCancelled(func() {
		if !d.clear(c) {
			return
		}
		c.release()
		d.commandLock.Lock()
		defer d.commandLock.Unlock()
		if err := d.sendPowers(0, 0); err != nil {
			d.log.Warn().Err(err).Msg("stop after cancel")
		}
	})
}

func (d *Drivetrain) current() controller {
	d.ctrlLock.Lock()
	defer d.ctrlLock.Unlock()
	return d.controller
}

// clear removes c if it is still the running controller.
func (d *Drivetrain) clear(c controller) bool {
	d.ctrlLock.Lock()
	defer d.ctrlLock.Unlock()
	if d.controller != c {
		return false
	}
	d.controller = nil
	return true
}

// supersede cancels the running controller without stopping the motors.
// Callers hold commandLock.
func (d *Drivetrain) supersede() {
	c := d.current()
	if c == nil || !d.clear(c) {
		return
	}
	c.release()
	c.awaiter().Cancel()
}

func (d *Drivetrain) expire(c *timeController) {
	d.commandLock.Lock()
	if !d.clear(c) {
		d.commandLock.Unlock()
		return
	}
	err := d.sendPowers(0, 0)
	d.commandLock.Unlock()

	if err != nil {
		d.log.Warn().Err(err).Msg("stop after timed motion")
	}
	c.awaiter().Finish()
}

// update runs the controller on a motor status change.
func (d *Drivetrain) update() {
	d.commandLock.Lock()
	c := d.current()
	if c == nil {
		d.commandLock.Unlock()
		return
	}

	result := c.update(d)
	if result == running || !d.clear(c) {
		d.commandLock.Unlock()
		return
	}
	c.release()
	if result == failed || c.stopsOnFinish() {
		if err := d.sendPowers(0, 0); err != nil {
			d.log.Warn().Err(err).Msg("stop after motion")
		}
	}
	d.commandLock.Unlock()

	if result == finished {
		c.awaiter().Finish()
	} else {
		d.log.Debug().Msg("motion abandoned")
		c.awaiter().Cancel()
	}
}
