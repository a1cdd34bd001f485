package onboard

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

var ErrVolume = errors.New("volume must be between 0 and 100")

// LogSound is the sound player used when no audio output is available. It
// records what would be played and finishes immediately.
type LogSound struct {
	lock   sync.Mutex
	volume int
	played []string
	log    zerolog.Logger
}

func NewLogSound(log zerolog.Logger) *LogSound {
	return &LogSound{volume: 90, log: log}
}

func (s *LogSound) Play(name string) (*observable.Awaiter, error) {
	s.lock.Lock()
	s.played = append(s.played, name)
	volume := s.volume
	s.lock.Unlock()

	s.log.Info().Str("sound", name).Int("volume", volume).Msg("play")
	return observable.FinishedAwaiter(), nil
}

func (s *LogSound) Stop() {}

func (s *LogSound) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return errors.Wrapf(ErrVolume, "got %d", percent)
	}
	s.lock.Lock()
	s.volume = percent
	s.lock.Unlock()
	return nil
}

// Played lists the sounds requested so far.
func (s *LogSound) Played() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.played...)
}
