package observable

import (
	"math"
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Reducer folds the current window into one value.
type Reducer func(window *movingaverage.MovingAverage) float64

func Mean(window *movingaverage.MovingAverage) float64 {
	return window.Avg()
}

func Min(window *movingaverage.MovingAverage) float64 {
	min := math.Inf(1)
	for _, v := range window.Values() {
		min = math.Min(min, v)
	}
	return min
}

// Majority is 1 when more than half of the window is non-zero.
func Majority(window *movingaverage.MovingAverage) float64 {
	values := window.Values()
	set := 0
	for _, v := range values {
		if v != 0 {
			set++
		}
	}
	if 2*set > len(values) {
		return 1
	}
	return 0
}

// Smoothing is an Observable fed through a fixed size window.
type Smoothing struct {
	*Observable[float64]

	lock    sync.Mutex
	size    int
	window  *movingaverage.MovingAverage
	reducer Reducer
}

func NewSmoothing(size int, reducer Reducer, opts ...Option) *Smoothing {
	return &Smoothing{
		Observable: New[float64](0, opts...),
		size:       size,
		window:     movingaverage.New(size),
		reducer:    reducer,
	}
}

// Push adds a sample and publishes the reduced window.
func (s *Smoothing) Push(sample float64) {
	s.lock.Lock()
	s.window.Add(sample)
	value := s.reducer(s.window)
	s.lock.Unlock()

	s.Set(value)
}

// Reset empties the window.
func (s *Smoothing) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.window = movingaverage.New(s.size)
}
