package scripting

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

var (
	// ErrInterrupted is returned by blocking calls once a stop was
	// requested. Script bodies return it to unwind.
	ErrInterrupted = errors.New("script interrupted")
	ErrExited      = errors.New("thread has exited")
)

type ThreadState int

const (
	ThreadStopped ThreadState = iota
	ThreadStarting
	ThreadRunning
	ThreadStopping
	ThreadExited
)

func (s ThreadState) String() string {
	return [...]string{"stopped", "starting", "running", "stopping", "exited"}[s]
}

type ThreadEvent int

const (
	EventStart ThreadEvent = iota
	EventStop
	EventError
)

// Body is the code a thread runs.
type Body func(ctx *ThreadContext) error

// ThreadContext is handed to a running body.
type ThreadContext struct {
	thread *Thread
	stop   chan struct{}
	once   sync.Once
}

func newContext(t *Thread) *ThreadContext {
	return &ThreadContext{thread: t, stop: make(chan struct{})}
}

func (c *ThreadContext) requestStop() {
	c.once.Do(func() { close(c.stop) })
}

// Sleep waits d or returns ErrInterrupted as soon as a stop is requested.
func (c *ThreadContext) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.stop:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}

func (c *ThreadContext) StopRequested() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Stopping is closed when a stop is requested.
func (c *ThreadContext) Stopping() <-chan struct{} {
	return c.stop
}

// Wait blocks on an awaiter. A stop request cancels it and returns
// ErrInterrupted; a timeout of zero waits forever.
func (c *ThreadContext) Wait(a *observable.Awaiter, timeout time.Duration) (observable.AwaiterState, error) {
	state := a.WaitOrStop(timeout, c.stop)
	if c.StopRequested() && state == observable.AwaiterCancelled {
		return state, ErrInterrupted
	}
	return state, nil
}

// Terminate stops the calling thread.
func (c *ThreadContext) Terminate() {
	c.requestStop()
}

// TerminateAll stops every thread of the manager the thread belongs to.
func (c *ThreadContext) TerminateAll() {
	if c.thread.onTerminateAll != nil {
		c.thread.onTerminateAll()
	}
	c.requestStop()
}

// Thread runs a body on its own goroutine and can be stopped and started
// again until it exits.
type Thread struct {
	Name   string
	Events *observable.Emitter[ThreadEvent]

	body           Body
	log            zerolog.Logger
	onTerminateAll func()

	lock    sync.Mutex
	state   ThreadState
	restart bool
	ctx     *ThreadContext
	done    chan struct{}
}

func NewThread(name string, body Body, log zerolog.Logger) *Thread {
	done := make(chan struct{})
	close(done)
	return &Thread{
		Name:   name,
		Events: observable.NewEmitter[ThreadEvent](),
		body:   body,
		log:    log,
		done:   done,
	}
}

func (t *Thread) State() ThreadState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

func (t *Thread) IsRunning() bool {
	s := t.State()
	return s == ThreadStarting || s == ThreadRunning
}

// Start runs the body unless it already runs. A thread that is stopping
// starts again once it stopped.
func (t *Thread) Start() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	switch t.state {
	case ThreadExited:
		return ErrExited
	case ThreadStopping:
		t.restart = true
		return nil
	case ThreadStopped:
		t.launch()
	}
	return nil
}

// launch starts the goroutine. Callers hold the lock.
func (t *Thread) launch() {
	t.state = ThreadStarting
	t.ctx = newContext(t)
	t.done = make(chan struct{})
	go t.run(t.ctx, t.done)
}

func (t *Thread) run(ctx *ThreadContext, done chan struct{}) {
	t.lock.Lock()
	if t.state == ThreadStarting {
		t.state = ThreadRunning
	}
	t.lock.Unlock()

	t.Events.Emit(EventStart, nil)
	err := t.call(ctx)
	if err != nil && !errors.Is(err, ErrInterrupted) {
		t.log.Warn().Err(err).Str("script", t.Name).Msg("script failed")
		t.Events.Emit(EventError, err)
	}

	t.lock.Lock()
	if t.state != ThreadExited {
		t.state = ThreadStopped
	}
	restart := t.restart && t.state == ThreadStopped
	t.restart = false
	close(done)
	if restart {
		t.launch()
	}
	t.lock.Unlock()

	t.Events.Emit(EventStop, nil)
}

func (t *Thread) call(ctx *ThreadContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.body(ctx)
}

// Stop requests the body to stop and returns a channel closed once it
// returned.
func (t *Thread) Stop() <-chan struct{} {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.restart = false
	if t.state == ThreadStarting || t.state == ThreadRunning {
		t.state = ThreadStopping
		t.ctx.requestStop()
	}
	return t.done
}

// Exit stops the thread for good and waits for the body to return.
func (t *Thread) Exit() {
	for {
		<-t.Stop()

		t.lock.Lock()
		if t.state == ThreadStopped || t.state == ThreadExited {
			t.state = ThreadExited
			t.lock.Unlock()
			break
		}
		t.lock.Unlock()
	}
	t.Events.Clear(EventStart)
	t.Events.Clear(EventError)
}
