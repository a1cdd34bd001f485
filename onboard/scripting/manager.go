package scripting

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/observable"
)

// Input is what triggered a script run.
type Input struct {
	Analog   []uint8
	Channels []int
	Button   int
}

// Program is a script compiled into the host. Builtins are looked up by
// name from the robot configuration.
type Program func(r *RobotWrapper, in Input, params map[string]float64) error

// Descriptor describes one script binding. Lower priority numbers win
// resources.
type Descriptor struct {
	Name     string
	Program  Program
	Priority int
	RefID    int
	Source   string
	Params   map[string]float64
}

// Handle is a live script.
type Handle struct {
	Descriptor

	thread *Thread
	lock   sync.Mutex
	input  Input
}

// Start runs the script with the given trigger input.
func (h *Handle) Start(in Input) error {
	h.lock.Lock()
	h.input = in
	h.lock.Unlock()
	return h.thread.Start()
}

func (h *Handle) Stop() <-chan struct{} {
	return h.thread.Stop()
}

func (h *Handle) Exit() {
	h.thread.Exit()
}

func (h *Handle) State() ThreadState {
	return h.thread.State()
}

func (h *Handle) IsRunning() bool {
	return h.thread.IsRunning()
}

func (h *Handle) Events() *observable.Emitter[ThreadEvent] {
	return h.thread.Events
}

func (h *Handle) currentInput() Input {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.input
}

// Manager owns the scripts of the current configuration; a name maps to at
// most one handle.
type Manager struct {
	Variables *Variables

	robot Robot
	log   zerolog.Logger

	lock    sync.Mutex
	scripts map[string]*Handle
}

func NewManager(robot Robot, log zerolog.Logger) *Manager {
	return &Manager{
		Variables: NewVariables(),
		robot:     robot,
		log:       log,
		scripts:   make(map[string]*Handle),
	}
}

// Add creates a handle for d, exiting any script of the same name first.
func (m *Manager) Add(d Descriptor) *Handle {
	m.lock.Lock()
	previous := m.scripts[d.Name]
	delete(m.scripts, d.Name)
	m.lock.Unlock()

	if previous != nil {
		previous.Exit()
	}

	h := &Handle{Descriptor: d}
	log := m.log.With().Str("script", d.Name).Logger()
	h.thread = NewThread(d.Name, func(ctx *ThreadContext) error {
		r := newRobotWrapper(ctx, m.robot, d.Priority, m.Variables, log)
		defer r.release()
		return d.Program(r, h.currentInput(), d.Params)
	}, log)
	h.thread.onTerminateAll = m.StopAll

	m.lock.Lock()
	m.scripts[d.Name] = h
	m.lock.Unlock()
	return h
}

func (m *Manager) Get(name string) (*Handle, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	h, ok := m.scripts[name]
	return h, ok
}

// Handles returns the scripts sorted by name.
func (m *Manager) Handles() []*Handle {
	m.lock.Lock()
	handles := make([]*Handle, 0, len(m.scripts))
	for _, h := range m.scripts {
		handles = append(handles, h)
	}
	m.lock.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles
}

// StopAll asks every script to stop without waiting for them.
func (m *Manager) StopAll() {
	for _, h := range m.Handles() {
		h.Stop()
	}
}

// StopAndWait stops every script and blocks until they returned.
func (m *Manager) StopAndWait() {
	for _, h := range m.Handles() {
		<-h.Stop()
	}
}

// Reset exits and forgets every script.
func (m *Manager) Reset() {
	m.lock.Lock()
	scripts := m.scripts
	m.scripts = make(map[string]*Handle)
	m.lock.Unlock()

	for _, h := range scripts {
		h.Stop()
	}
	for _, h := range scripts {
		h.Exit()
	}
	m.Variables.Reset()
}
