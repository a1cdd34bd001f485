package observable

import (
	"sync"
	"time"
)

type AwaiterState int

const (
	AwaiterPending AwaiterState = iota
	AwaiterFinished
	AwaiterCancelled
	// AwaiterTimeout is returned by Wait only; the awaiter stays pending.
	AwaiterTimeout
)

func (s AwaiterState) String() string {
	switch s {
	case AwaiterPending:
		return "pending"
	case AwaiterFinished:
		return "finished"
	case AwaiterCancelled:
		return "cancelled"
	case AwaiterTimeout:
		return "timeout"
	}
	return "unknown"
}

// Awaiter tracks one asynchronous hardware operation. It leaves the pending
// state at most once, and only the callbacks of the state it reaches run.
type Awaiter struct {
	lock        sync.Mutex
	state       AwaiterState
	done        chan struct{}
	onFinished  []func()
	onCancelled []func()
}

func NewAwaiter() *Awaiter {
	return &Awaiter{done: make(chan struct{})}
}

// FinishedAwaiter returns an awaiter that has already finished, for
// operations that complete synchronously.
func FinishedAwaiter() *Awaiter {
	a := NewAwaiter()
	a.Finish()
	return a
}

func (a *Awaiter) State() AwaiterState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Done is closed once the awaiter reaches a terminal state.
func (a *Awaiter) Done() <-chan struct{} {
	return a.done
}

func (a *Awaiter) Finish() bool {
	return a.settle(AwaiterFinished)
}

func (a *Awaiter) Cancel() bool {
	return a.settle(AwaiterCancelled)
}

func (a *Awaiter) settle(state AwaiterState) bool {
	a.lock.Lock()
	if a.state != AwaiterPending {
		a.lock.Unlock()
		return false
	}
	a.state = state

	var callbacks []func()
	if state == AwaiterFinished {
		callbacks = a.onFinished
	} else {
		callbacks = a.onCancelled
	}
	a.onFinished, a.onCancelled = nil, nil
	close(a.done)
	a.lock.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// OnFinished registers cb; it runs immediately if the awaiter already
// finished.
func (a *Awaiter) OnFinished(cb func()) {
	a.on(AwaiterFinished, cb)
}

func (a *Awaiter) OnCancelled(cb func()) {
	a.on(AwaiterCancelled, cb)
}

func (a *Awaiter) on(state AwaiterState, cb func()) {
	a.lock.Lock()
	switch a.state {
	case AwaiterPending:
		if state == AwaiterFinished {
			a.onFinished = append(a.onFinished, cb)
		} else {
			a.onCancelled = append(a.onCancelled, cb)
		}
		a.lock.Unlock()
		return
	case state:
		a.lock.Unlock()
		cb()
		return
	}
	a.lock.Unlock()
}

// Wait blocks until the awaiter settles or timeout elapses. A timeout of
// zero waits forever.
func (a *Awaiter) Wait(timeout time.Duration) AwaiterState {
	return a.WaitOrStop(timeout, nil)
}

// WaitOrStop also returns AwaiterCancelled, after cancelling the awaiter,
// when stop is closed first.
func (a *Awaiter) WaitOrStop(timeout time.Duration, stop <-chan struct{}) AwaiterState {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-a.done:
		return a.State()
	case <-stop:
		a.Cancel()
		return a.State()
	case <-expired:
		return AwaiterTimeout
	}
}
