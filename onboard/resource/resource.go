package resource

import (
	"sync"
)

// Resource is a shared piece of hardware. At most one live Handle owns it;
// a lower priority number wins.
type Resource struct {
	Name string

	lock     sync.Mutex
	priority int
	active   *Handle
}

func New(name string) *Resource {
	return &Resource{Name: name}
}

// Request grants a handle when the resource is free or held at a strictly
// higher priority number, in which case the holder is interrupted. It
// returns nil otherwise. onInterrupted runs when the handle is taken away.
func (r *Resource) Request(priority int, onInterrupted func()) *Handle {
	r.lock.Lock()

	previous := r.active
	if previous != nil && r.priority <= priority {
		r.lock.Unlock()
		return nil
	}

	h := &Handle{
		resource:      r,
		onInterrupted: onInterrupted,
	}
	r.active = h
	r.priority = priority
	r.lock.Unlock()

	if previous != nil {
		previous.interrupt()
	}
	return h
}

// Reset interrupts the active handle, if any, and frees the resource.
func (r *Resource) Reset() {
	r.lock.Lock()
	previous := r.active
	r.active = nil
	r.lock.Unlock()

	if previous != nil {
		previous.interrupt()
	}
}

// Active reports whether some handle owns the resource.
func (r *Resource) Active() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.active != nil
}

func (r *Resource) release(h *Handle) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.active != h {
		return false
	}
	r.active = nil
	return true
}

// Handle is a grant of a Resource.
type Handle struct {
	resource *Resource

	lock          sync.Mutex
	onInterrupted func()
	onReleased    []func()
	interrupted   bool
	released      bool
}

func (h *Handle) IsInterrupted() bool {
	if h == nil {
		return true
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.interrupted
}

// OnReleased registers cb to run when the handle is released or
// interrupted.
func (h *Handle) OnReleased(cb func()) {
	h.lock.Lock()
	if !h.released {
		h.onReleased = append(h.onReleased, cb)
		h.lock.Unlock()
		return
	}
	h.lock.Unlock()
	cb()
}

// Release gives the resource back and reports whether the handle still
// owned it. Releasing twice, or releasing a handle that was already taken
// away, does nothing.
func (h *Handle) Release() bool {
	if h == nil {
		return false
	}
	if !h.resource.release(h) {
		return false
	}
	h.finish(false)
	return true
}

func (h *Handle) interrupt() {
	h.finish(true)
}

func (h *Handle) finish(interrupted bool) {
	h.lock.Lock()
	if h.released {
		h.lock.Unlock()
		return
	}
	h.released = true
	h.interrupted = interrupted
	callbacks := h.onReleased
	h.onReleased = nil
	onInterrupted := h.onInterrupted
	h.lock.Unlock()

	if interrupted && onInterrupted != nil {
		onInterrupted()
	}
	for _, cb := range callbacks {
		cb()
	}
}
