package scripting

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

const rpmToDps = 6

var ErrNoSuchPort = errors.New("no port with that name")

// RobotWrapper is the robot as one script sees it. Every action first
// claims the matching resource at the script's priority.
type RobotWrapper struct {
	Motors     *MotorCollection
	Sensors    *SensorCollection
	Drivetrain *DrivetrainWrapper
	LED        *LEDWrapper
	Sound      *SoundWrapper
	IMU        *imu.IMU

	ctx       *ThreadContext
	robot     Robot
	priority  int
	variables *Variables
	guards    []*guard
	started   time.Time
	log       zerolog.Logger
}

func newRobotWrapper(ctx *ThreadContext, robot Robot, priority int, variables *Variables, log zerolog.Logger) *RobotWrapper {
	r := &RobotWrapper{
		ctx:       ctx,
		robot:     robot,
		priority:  priority,
		variables: variables,
		IMU:       robot.IMU(),
		started:   time.Now(),
		log:       log,
	}

	r.Motors = &MotorCollection{robot: r, motors: map[int]*MotorWrapper{}}
	r.Sensors = &SensorCollection{robot: r}

	dg := r.guard(ResourceDrivetrain)
	r.Drivetrain = &DrivetrainWrapper{robot: r, dt: robot.Drivetrain(), guard: dg}
	dg.onInterrupted = r.Drivetrain.stop
	dg.onRelease = r.Drivetrain.stop

	r.LED = &LEDWrapper{ring: robot.LED(), guard: r.guard(ResourceLED)}

	sg := r.guard(ResourceSound)
	r.Sound = &SoundWrapper{robot: r, player: robot.Sound(), guard: sg}
	sg.onInterrupted = r.Sound.player.Stop

	return r
}

func (r *RobotWrapper) guard(name string) *guard {
	g := newGuard(r.robot.Resource(name), r.priority)
	r.guards = append(r.guards, g)
	return g
}

// release gives back every resource the script still holds.
func (r *RobotWrapper) release() {
	for _, g := range r.guards {
		g.release()
	}
}

func (r *RobotWrapper) Context() *ThreadContext {
	return r.ctx
}

func (r *RobotWrapper) Sleep(d time.Duration) error {
	return r.ctx.Sleep(d)
}

// TimeElapsed is the time since the script started.
func (r *RobotWrapper) TimeElapsed() time.Duration {
	return time.Since(r.started)
}

// SetVariable publishes a value in one of the script variable slots.
func (r *RobotWrapper) SetVariable(slot int, value float64) error {
	return r.variables.Set(slot, value)
}

func (r *RobotWrapper) Drive(direction drivetrain.Direction, magnitude float64, unitMagnitude drivetrain.Unit, speed float64, unitSpeed drivetrain.Unit) error {
	return r.Drivetrain.Drive(direction, magnitude, unitMagnitude, speed, unitSpeed)
}

func (r *RobotWrapper) Turn(direction drivetrain.Direction, magnitude float64, unitMagnitude drivetrain.Unit, speed float64, unitSpeed drivetrain.Unit) error {
	return r.Drivetrain.Turn(direction, magnitude, unitMagnitude, speed, unitSpeed)
}

func (r *RobotWrapper) PlayTune(name string) error {
	return r.Sound.Play(name)
}

// StopAllMotors stops the drivetrain and every motor the script can claim.
func (r *RobotWrapper) StopAllMotors() error {
	if err := r.Drivetrain.Stop(); err != nil {
		return err
	}
	for _, p := range r.robot.Motors().Ports() {
		if err := r.Motors.Port(p.ID).Stop(); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks on an awaiter that is cancelled if the resource is lost.
func (r *RobotWrapper) wait(g *guard, a *observable.Awaiter) error {
	g.track(a)
	_, err := r.ctx.Wait(a, 0)
	return err
}

// MotorCollection indexes motor ports by 1-based id or by alias.
type MotorCollection struct {
	robot  *RobotWrapper
	motors map[int]*MotorWrapper
}

// Port returns the wrapper for a 1-based id; ids out of range give a
// wrapper whose actions do nothing.
func (c *MotorCollection) Port(id int) *MotorWrapper {
	if m, ok := c.motors[id]; ok {
		return m
	}

	m := &MotorWrapper{id: id, robot: c.robot}
	if p, err := c.robot.robot.Motors().Port(id); err == nil {
		m.port = p
		m.guard = c.robot.guard(MotorResource(id))
		m.guard.onInterrupted = m.halt
		m.guard.onRelease = m.halt
	}
	c.motors[id] = m
	return m
}

func (c *MotorCollection) Named(alias string) (*MotorWrapper, error) {
	id, ok := c.robot.robot.MotorAlias(alias)
	if !ok {
		return nil, errors.Wrap(ErrNoSuchPort, alias)
	}
	return c.Port(id), nil
}

type MotorWrapper struct {
	id    int
	robot *RobotWrapper
	port  *ports.Port
	guard *guard
}

func (m *MotorWrapper) motor() *ports.DcMotor {
	if m.port == nil {
		return nil
	}
	d, _ := m.port.Driver().(*ports.DcMotor)
	return d
}

// halt stops the motor regardless of who holds it.
func (m *MotorWrapper) halt() {
	if d := m.motor(); d != nil {
		if err := d.Stop(); err != nil {
			m.robot.log.Warn().Err(err).Int("port", m.id).Msg("stop motor")
		}
	}
}

func (m *MotorWrapper) ID() int {
	return m.id
}

func (m *MotorWrapper) Pos() int32 {
	if d := m.motor(); d != nil {
		return d.Pos()
	}
	return 0
}

func (m *MotorWrapper) Speed() float32 {
	if d := m.motor(); d != nil {
		return d.Speed()
	}
	return 0
}

func (m *MotorWrapper) ResetPosition() {
	if d := m.motor(); d != nil {
		d.ResetPosition()
	}
}

func sign(direction drivetrain.Direction) float64 {
	if direction == drivetrain.Backward {
		return -1
	}
	return 1
}

func (m *MotorWrapper) spin(d *ports.DcMotor, direction drivetrain.Direction, speed float64, unit drivetrain.Unit) error {
	switch unit {
	case drivetrain.UnitRPM:
		return d.SetSpeed(float32(sign(direction)*speed*rpmToDps), 0)
	case drivetrain.UnitPercent:
		return d.SetPower(int(sign(direction) * speed))
	}
	return drivetrain.ErrUnit
}

// Spin runs the motor until told otherwise.
func (m *MotorWrapper) Spin(direction drivetrain.Direction, speed float64, unit drivetrain.Unit) error {
	d := m.motor()
	if d == nil {
		return nil
	}
	return m.guard.do(func() error {
		return m.spin(d, direction, speed, unit)
	})
}

// Move runs the motor for a time or an angle and returns when done.
func (m *MotorWrapper) Move(direction drivetrain.Direction, amount float64, unitAmount drivetrain.Unit, speed float64, unitSpeed drivetrain.Unit) error {
	d := m.motor()
	if d == nil {
		return nil
	}

	var a *observable.Awaiter
	err := m.guard.do(func() (err error) {
		switch unitAmount {
		case drivetrain.UnitSeconds:
			if err = m.spin(d, direction, speed, unitSpeed); err != nil {
				return err
			}
			a = observable.NewAwaiter()
			time.AfterFunc(time.Duration(amount*float64(time.Second)), func() {
				if a.Finish() {
					m.guard.do(d.Stop)
				}
			})
			return nil
		case drivetrain.UnitDegrees, drivetrain.UnitRotations:
			degrees := amount
			if unitAmount == drivetrain.UnitRotations {
				degrees *= 360
			}
			var limits ports.PositionLimits
			switch unitSpeed {
			case drivetrain.UnitRPM:
				limits.Speed = float32(speed * rpmToDps)
			case drivetrain.UnitPercent:
				limits.Power = float32(speed)
			}
			a, err = d.SetPosition(int32(sign(direction)*degrees), true, limits)
			return err
		}
		return drivetrain.ErrUnit
	})
	if err != nil || a == nil {
		return err
	}
	return m.robot.wait(m.guard, a)
}

func (m *MotorWrapper) Stop() error {
	d := m.motor()
	if d == nil {
		return nil
	}
	return m.guard.do(d.Stop)
}

// SensorCollection indexes sensor ports by 1-based id or by alias.
type SensorCollection struct {
	robot *RobotWrapper
}

func (c *SensorCollection) Port(id int) *SensorWrapper {
	p, _ := c.robot.robot.Sensors().Port(id)
	return &SensorWrapper{port: p}
}

func (c *SensorCollection) Named(alias string) (*SensorWrapper, error) {
	id, ok := c.robot.robot.SensorAlias(alias)
	if !ok {
		return nil, errors.Wrap(ErrNoSuchPort, alias)
	}
	return c.Port(id), nil
}

// SensorWrapper reads sensors; reading needs no resource.
type SensorWrapper struct {
	port *ports.Port
}

func (s *SensorWrapper) driver() ports.Driver {
	if s.port == nil {
		return nil
	}
	return s.port.Driver()
}

// Distance is the ultrasonic reading in cm, 0 for other sensors.
func (s *SensorWrapper) Distance() float64 {
	if u, ok := s.driver().(*ports.Ultrasonic); ok {
		return u.Read()
	}
	return 0
}

func (s *SensorWrapper) Pressed() bool {
	if b, ok := s.driver().(*ports.Bumper); ok {
		return b.Read()
	}
	return false
}

func (s *SensorWrapper) Color() ports.RGB {
	if c, ok := s.driver().(*ports.ColorSensor); ok {
		return c.Read()
	}
	return ports.RGB{}
}

type DrivetrainWrapper struct {
	robot *RobotWrapper
	dt    *drivetrain.Drivetrain
	guard *guard
}

func (w *DrivetrainWrapper) stop() {
	if err := w.dt.StopRelease(); err != nil {
		w.robot.log.Warn().Err(err).Msg("stop drivetrain")
	}
}

func (w *DrivetrainWrapper) SetSpeed(direction drivetrain.Direction, speed float64, unit drivetrain.Unit) error {
	return w.guard.do(func() error {
		return w.dt.SetSpeed(direction, speed, unit)
	})
}

// SetSpeeds sets wheel speeds in rpm.
func (w *DrivetrainWrapper) SetSpeeds(left, right float64) error {
	return w.guard.do(func() error {
		return w.dt.SetSpeeds(float32(left*rpmToDps), float32(right*rpmToDps), 0)
	})
}

func (w *DrivetrainWrapper) motion(start func() (*observable.Awaiter, error)) error {
	var a *observable.Awaiter
	err := w.guard.do(func() (err error) {
		a, err = start()
		return err
	})
	if err != nil || a == nil {
		return err
	}
	return w.robot.wait(w.guard, a)
}

func (w *DrivetrainWrapper) Drive(direction drivetrain.Direction, magnitude float64, unitMagnitude drivetrain.Unit, speed float64, unitSpeed drivetrain.Unit) error {
	return w.motion(func() (*observable.Awaiter, error) {
		return w.dt.Drive(direction, magnitude, unitMagnitude, speed, unitSpeed)
	})
}

func (w *DrivetrainWrapper) Turn(direction drivetrain.Direction, magnitude float64, unitMagnitude drivetrain.Unit, speed float64, unitSpeed drivetrain.Unit) error {
	return w.motion(func() (*observable.Awaiter, error) {
		return w.dt.Turn(direction, magnitude, unitMagnitude, speed, unitSpeed)
	})
}

func (w *DrivetrainWrapper) Stop() error {
	return w.guard.do(w.dt.StopRelease)
}

type LEDWrapper struct {
	ring  LEDRing
	guard *guard
}

func (l *LEDWrapper) Count() int {
	return l.ring.Count()
}

func (l *LEDWrapper) SetScenario(scenario uint8) error {
	return l.guard.do(func() error {
		return l.ring.SetScenario(scenario)
	})
}

// Set colours individual LEDs, 1-based, leaving the others dark.
func (l *LEDWrapper) Set(leds []int, color uint32) error {
	frame := make([]uint32, l.ring.Count())
	for _, i := range leds {
		if i >= 1 && i <= len(frame) {
			frame[i-1] = color
		}
	}
	return l.guard.do(func() error {
		return l.ring.Display(frame)
	})
}

type SoundWrapper struct {
	robot  *RobotWrapper
	player SoundPlayer
	guard  *guard
}

// Play plays a sound and returns when it ends.
func (s *SoundWrapper) Play(name string) error {
	var a *observable.Awaiter
	err := s.guard.do(func() (err error) {
		a, err = s.player.Play(name)
		return err
	})
	if err != nil || a == nil {
		return err
	}
	return s.robot.wait(s.guard, a)
}

func (s *SoundWrapper) SetVolume(percent int) error {
	return s.guard.do(func() error {
		return s.player.SetVolume(percent)
	})
}
