package onboard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	ButtonCount        = 32
	AnalogChannelCount = 6

	// FirstMessageTimeout bounds the wait for the first control message.
	FirstMessageTimeout = 5 * time.Second
	// MinMessageWait is the shortest time the controller may go silent.
	MinMessageWait = 200 * time.Millisecond
)

type BackgroundCommand uint8

const (
	BackgroundNone BackgroundCommand = iota
	BackgroundStart
	BackgroundPause
	BackgroundResume
	BackgroundReset
)

func (c BackgroundCommand) String() string {
	if int(c) > int(BackgroundReset) {
		return "unknown"
	}
	return [...]string{"none", "start", "pause", "resume", "reset"}[c]
}

type AutonomousState int

const (
	AutonomousStopped AutonomousState = iota
	AutonomousRunning
	AutonomousPaused
)

func (s AutonomousState) String() string {
	return [...]string{"stopped", "running", "paused"}[s]
}

// ControlMessage is one periodic message from the mobile's controller.
type ControlMessage struct {
	Analog     [AnalogChannelCount]uint8
	Buttons    [ButtonCount]bool
	Background BackgroundCommand
	// NextDeadline is how long until the next message is due; zero if
	// the mobile did not say.
	NextDeadline time.Duration
}

// EdgeDetector reports rising edges of a boolean signal.
type EdgeDetector struct {
	previous bool
}

func (e *EdgeDetector) Handle(v bool) (rising bool) {
	rising = v && !e.previous
	e.previous = v
	return
}

type analogBinding struct {
	channels []int
	handler  func(values []uint8)
}

// RemoteController turns control messages into script starts and tracks
// the autonomous mode timer.
type RemoteController struct {
	lock         sync.Mutex
	buttons      [ButtonCount]EdgeDetector
	onButton     [ButtonCount][]func()
	analog       []analogBinding
	previous     *[AnalogChannelCount]uint8
	onBackground func(cmd BackgroundCommand, state AutonomousState)

	autonomous AutonomousState
	elapsed    time.Duration
	lastTick   time.Time
	now        func() time.Time
}

func NewRemoteController() *RemoteController {
	return &RemoteController{now: time.Now}
}

// Reset drops every binding and stops the timer.
func (rc *RemoteController) Reset() {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	rc.buttons = [ButtonCount]EdgeDetector{}
	rc.onButton = [ButtonCount][]func(){}
	rc.analog = nil
	rc.previous = nil
	rc.autonomous = AutonomousStopped
	rc.elapsed = 0
	rc.lastTick = time.Time{}
}

// OnButton runs fn when the button is pressed. A button may start several
// scripts; they run in the order they were bound.
func (rc *RemoteController) OnButton(button int, fn func()) {
	if button < 0 || button >= ButtonCount {
		return
	}
	rc.lock.Lock()
	defer rc.lock.Unlock()
	rc.onButton[button] = append(rc.onButton[button], fn)
}

// OnAnalog runs fn with all channel values whenever one of channels
// changed.
func (rc *RemoteController) OnAnalog(channels []int, fn func(values []uint8)) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	rc.analog = append(rc.analog, analogBinding{channels: channels, handler: fn})
}

// OnBackground runs fn for every background command that changed the
// autonomous state.
func (rc *RemoteController) OnBackground(fn func(cmd BackgroundCommand, state AutonomousState)) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	rc.onBackground = fn
}

func (rc *RemoteController) State() AutonomousState {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.autonomous
}

// Timer is the time spent in the running state.
func (rc *RemoteController) Timer() time.Duration {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.elapsed
}

// Tick processes one message. Handlers run after the lock is released.
func (rc *RemoteController) Tick(msg ControlMessage) {
	var calls []func()

	rc.lock.Lock()
	now := rc.now()
	if rc.autonomous == AutonomousRunning && !rc.lastTick.IsZero() {
		rc.elapsed += now.Sub(rc.lastTick)
	}
	rc.lastTick = now

	if cmd := msg.Background; cmd != BackgroundNone {
		if next, ok := transition(rc.autonomous, cmd); ok {
			if cmd == BackgroundStart || cmd == BackgroundReset {
				rc.elapsed = 0
			}
			rc.autonomous = next
			if fn := rc.onBackground; fn != nil {
				calls = append(calls, func() { fn(cmd, next) })
			}
		}
	}

	values := msg.Analog
	for _, b := range rc.analog {
		if rc.previous == nil || changed(*rc.previous, values, b.channels) {
			handler := b.handler
			calls = append(calls, func() { handler(values[:]) })
		}
	}
	rc.previous = &values

	for i, pressed := range msg.Buttons {
		if rc.buttons[i].Handle(pressed) {
			calls = append(calls, rc.onButton[i]...)
		}
	}
	rc.lock.Unlock()

	for _, call := range calls {
		call()
	}
}

func transition(from AutonomousState, cmd BackgroundCommand) (AutonomousState, bool) {
	switch {
	case cmd == BackgroundStart && from == AutonomousStopped:
		return AutonomousRunning, true
	case cmd == BackgroundPause && from == AutonomousRunning:
		return AutonomousPaused, true
	case cmd == BackgroundResume && from == AutonomousPaused:
		return AutonomousRunning, true
	case cmd == BackgroundReset && from != AutonomousStopped:
		return AutonomousStopped, true
	}
	return from, false
}

func changed(previous, current [AnalogChannelCount]uint8, channels []int) bool {
	for _, c := range channels {
		if c >= 0 && c < AnalogChannelCount && previous[c] != current[c] {
			return true
		}
	}
	return false
}

// Scheduler feeds control messages to the RemoteController on its own
// goroutine and watches for the controller going silent.
type Scheduler struct {
	OnDetected func()
	OnLost     func()
	// AfterTick runs after every processed message.
	AfterTick func()

	firstTimeout time.Duration
	minWait      time.Duration
	rc           *RemoteController
	ready        chan struct{}
	log          zerolog.Logger

	lock    sync.Mutex
	pending *ControlMessage
}

func NewScheduler(rc *RemoteController, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		firstTimeout: FirstMessageTimeout,
		minWait:      MinMessageWait,
		rc:           rc,
		ready:        make(chan struct{}, 1),
		log:          log,
	}
}

// Data hands over a message. It never blocks; a message that was not
// processed yet is replaced.
func (s *Scheduler) Data(msg ControlMessage) {
	s.lock.Lock()
	s.pending = &msg
	s.lock.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Scheduler) take() (msg ControlMessage, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending == nil {
		return msg, false
	}
	msg = *s.pending
	s.pending = nil
	return msg, true
}

// Run processes messages until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	detected := false
	wait := s.firstTimeout

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			if detected {
				detected = false
				s.log.Info().Msg("controller lost")
				if s.OnLost != nil {
					s.OnLost()
				}
			}
			wait = s.firstTimeout

		case <-s.ready:
			timer.Stop()
			msg, ok := s.take()
			if !ok {
				continue
			}
			if !detected {
				detected = true
				s.log.Info().Msg("controller detected")
				if s.OnDetected != nil {
					s.OnDetected()
				}
			}
			s.rc.Tick(msg)
			if s.AfterTick != nil {
				s.AfterTick()
			}

			wait = msg.NextDeadline
			if wait < s.minWait {
				wait = s.minWait
			}
		}
	}
}

// Button script states as shown on the mobile.
const (
	ButtonUnbound uint8 = iota
	ButtonIdle
	ButtonRunning
	ButtonError
)

// PackButtonStates puts four 2-bit states in each byte, lowest bits first.
func PackButtonStates(states [ButtonCount]uint8) []byte {
	raw := make([]byte, ButtonCount/4)
	for i, s := range states {
		raw[i/4] |= (s & 0x03) << (2 * uint(i%4))
	}
	return raw
}

func UnpackButtonStates(raw []byte) (states [ButtonCount]uint8) {
	for i := range states {
		if i/4 < len(raw) {
			states[i] = (raw[i/4] >> (2 * uint(i%4))) & 0x03
		}
	}
	return
}
