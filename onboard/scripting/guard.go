package scripting

import (
	"sync"

	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/resource"
)

// guard holds a resource on behalf of one script. The handle is kept
// between actions until it is taken away or the script ends.
type guard struct {
	res      *resource.Resource
	priority int
	// onInterrupted and onRelease put the hardware in a safe state
	onInterrupted func()
	onRelease     func()

	lock    sync.Mutex
	handle  *resource.Handle
	pending []*observable.Awaiter
}

func newGuard(res *resource.Resource, priority int) *guard {
	return &guard{res: res, priority: priority}
}

func (g *guard) acquire() *resource.Handle {
	if g == nil || g.res == nil {
		return nil
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.handle != nil && !g.handle.IsInterrupted() {
		return g.handle
	}
	g.handle = g.res.Request(g.priority, g.interrupted)
	return g.handle
}

// do runs action while holding the resource. It does nothing when a more
// important script holds it.
func (g *guard) do(action func() error) error {
	if g.acquire() == nil {
		return nil
	}
	return action()
}

// track cancels a on interruption.
func (g *guard) track(a *observable.Awaiter) {
	g.lock.Lock()
	live := g.handle != nil && !g.handle.IsInterrupted()
	if live {
		kept := g.pending[:0]
		for _, p := range g.pending {
			if p.State() == observable.AwaiterPending {
				kept = append(kept, p)
			}
		}
		g.pending = append(kept, a)
	}
	g.lock.Unlock()

	if !live {
		a.Cancel()
	}
}

func (g *guard) interrupted() {
	g.lock.Lock()
	pending := g.pending
	g.pending = nil
	g.lock.Unlock()

	for _, a := range pending {
		a.Cancel()
	}
	if g.onInterrupted != nil {
		g.onInterrupted()
	}
}

func (g *guard) release() {
	g.lock.Lock()
	h := g.handle
	pending := g.pending
	g.handle = nil
	g.pending = nil
	g.lock.Unlock()

	for _, a := range pending {
		a.Cancel()
	}
	if h == nil || h.IsInterrupted() {
		return
	}
	if g.onRelease != nil {
		g.onRelease()
	}
	h.Release()
}
