package drivetrain

import (
	"math"
	"time"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

type outcome int

const (
	running outcome = iota
	finished
	failed
)

// controller is one motion strategy. update runs with the command lock held
// on every status change of a drivetrain motor.
type controller interface {
	awaiter() *observable.Awaiter
	update(d *Drivetrain) outcome
	stopsOnFinish() bool
	release()
}

type base struct {
	a *observable.Awaiter
}

func newBase() base {
	return base{a: observable.NewAwaiter()}
}

func (b base) awaiter() *observable.Awaiter { return b.a }
func (b base) release()                     {}

// timeController runs open loop until its timer fires.
type timeController struct {
	base
	timer *time.Timer
}

func (c *timeController) update(*Drivetrain) outcome { return running }
func (c *timeController) stopsOnFinish() bool        { return true }

func (c *timeController) release() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// moveController waits for every motor to report its position request
// done.
type moveController struct {
	base
	motors []*observable.Awaiter
}

func (c *moveController) stopsOnFinish() bool { return false }

func (c *moveController) update(*Drivetrain) outcome {
	for _, a := range c.motors {
		switch a.State() {
		case observable.AwaiterPending:
			return running
		case observable.AwaiterCancelled:
			return failed
		}
	}
	return finished
}

// turnController turns on the spot, proportional to the remaining yaw.
type turnController struct {
	base
	kp         float64
	maxSpeed   float64
	powerLimit float32

	target     float64
	start      float64
	lastYaw    float64
	lastChange time.Time
}

func (c *turnController) stopsOnFinish() bool { return true }

// speeds returns wheel speeds in deg/s for a turned angle.
func (c *turnController) speeds(turned float64) (left, right float32) {
	rpm := c.kp * (c.target - turned)
	rpm = math.Max(-c.maxSpeed, math.Min(c.maxSpeed, rpm))
	s := float32(rpm * rpmToDps)
	return -s, s
}

func (c *turnController) update(d *Drivetrain) outcome {
	yaw := d.yaw.Yaw()
	turned := yaw - c.start

	if math.Abs(c.target-turned) < d.config.TurnTolerance {
		return finished
	}
	// someone picked the robot up and turned it
	if math.Abs(turned) > 2*math.Abs(c.target) {
		return finished
	}

	now := d.now()
	if math.Abs(yaw-c.lastYaw) > d.config.StallAngle {
		c.lastYaw = yaw
		c.lastChange = now
	} else if now.Sub(c.lastChange) > d.config.StallTime {
		d.log.Info().Float64("turned", turned).Float64("target", c.target).Msg("turn stalled")
		return failed
	}

	left, right := c.speeds(turned)
	if err := d.sendSpeeds(left, right, c.powerLimit); err != nil {
		d.log.Warn().Err(err).Msg("turn update")
	}
	return running
}
