package onboard

import (
	"sync"
)

// Ring LED scenarios in MCU order.
const (
	LEDOff uint8 = iota
	LEDUserFrame
	LEDColorWheel
	LEDRainbowFade
	LEDBusyIndicator
	LEDBreathingGreen
	LEDSiren
	LEDTrafficLight
	LEDBugIndicator
)

type LEDMCU interface {
	SetRingLedScenario(scenario uint8) error
	SendRingLedUserFrame(colors []uint16) error
}

// LEDRing drives the ring of RGB LEDs around the robot.
type LEDRing struct {
	mcu   LEDMCU
	count int

	lock     sync.Mutex
	scenario uint8
}

func NewLEDRing(mcu LEDMCU, count int) *LEDRing {
	return &LEDRing{mcu: mcu, count: count}
}

func (l *LEDRing) Count() int {
	return l.count
}

func (l *LEDRing) Scenario() uint8 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.scenario
}

func (l *LEDRing) SetScenario(scenario uint8) error {
	if err := l.mcu.SetRingLedScenario(scenario); err != nil {
		return err
	}
	l.lock.Lock()
	l.scenario = scenario
	l.lock.Unlock()
	return nil
}

// Display sends one frame; missing LEDs are off and extra colours ignored.
func (l *LEDRing) Display(colors []uint32) error {
	frame := make([]uint16, l.count)
	for i := 0; i < len(frame) && i < len(colors); i++ {
		frame[i] = RGB565(colors[i])
	}
	if err := l.mcu.SendRingLedUserFrame(frame); err != nil {
		return err
	}
	l.lock.Lock()
	l.scenario = LEDUserFrame
	l.lock.Unlock()
	return nil
}

// RGB565 packs a 0xRRGGBB colour.
func RGB565(c uint32) uint16 {
	r := uint16(c>>16) & 0xFF
	g := uint16(c>>8) & 0xFF
	b := uint16(c) & 0xFF
	return (r>>3)<<11 | (g>>2)<<5 | b>>3
}
