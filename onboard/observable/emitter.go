package observable

import "sync"

type listener struct {
	id int
	fn func(data interface{})
}

// Emitter is a small event bus. Handlers run synchronously in registration
// order on the emitting goroutine.
type Emitter[E comparable] struct {
	lock     sync.Mutex
	nextID   int
	handlers map[E][]listener
}

func NewEmitter[E comparable]() *Emitter[E] {
	return &Emitter[E]{
		handlers: make(map[E][]listener),
	}
}

// On registers handler for event. The returned func removes it again.
func (e *Emitter[E]) On(event E, handler func(data interface{})) (off func()) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], listener{id: id, fn: handler})

	return func() {
		e.lock.Lock()
		defer e.lock.Unlock()
		list := e.handlers[event]
		for i, l := range list {
			if l.id == id {
				e.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (e *Emitter[E]) Emit(event E, data interface{}) {
	e.lock.Lock()
	handlers := append([]listener{}, e.handlers[event]...)
	e.lock.Unlock()

	for _, h := range handlers {
		h.fn(data)
	}
}

func (e *Emitter[E]) Clear(event E) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.handlers, event)
}
