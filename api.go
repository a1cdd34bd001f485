package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrUnavailable(err error) render.Renderer {
	return &ErrResponse{HTTPStatusCode: http.StatusServiceUnavailable, StatusText: "Unavailable", ErrorText: err.Error()}
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, StatusText: "Invalid request", ErrorText: err.Error()}
}

type StatusPayload struct {
	State      string                   `json:"state"`
	Controller string                   `json:"controller"`
	DeviceName string                   `json:"device_name"`
	Validation onboard.ValidationResult `json:"validation"`
	Autonomous string                   `json:"autonomous"`
	Timer      float64                  `json:"timer"`
}

type VersionsPayload struct {
	Hardware string `json:"hardware"`
	Firmware string `json:"firmware"`
	Software string `json:"software"`
}

type ErrorRecordPayload struct {
	ID              uint8  `json:"id"`
	Timestamp       uint32 `json:"timestamp"`
	HardwareVersion uint32 `json:"hardware_version"`
	FirmwareVersion uint32 `json:"firmware_version"`
	Data            string `json:"data"`
}

type ScriptPayload struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Priority int    `json:"priority"`
	State    string `json:"state"`
}

type DeviceNamePayload struct {
	Name string `json:"name"`
}

func (p *DeviceNamePayload) Bind(r *http.Request) error {
	return nil
}

// NewRouter builds the debug API.
func NewRouter(m *onboard.RobotManager, hub *TelemetryHub) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			rc := m.Remote()
			render.JSON(w, r, StatusPayload{
				State:      m.State.Get().String(),
				Controller: m.Controller.Get().String(),
				DeviceName: m.DeviceName.Get(),
				Validation: m.Validation.Get(),
				Autonomous: rc.State().String(),
				Timer:      rc.Timer().Seconds(),
			})
		})

		r.Get("/versions", func(w http.ResponseWriter, r *http.Request) {
			v := m.Versions()
			render.JSON(w, r, VersionsPayload{
				Hardware: v.Hardware.String(),
				Firmware: v.Firmware.String(),
				Software: v.Software,
			})
		})

		r.Get("/errors", func(w http.ResponseWriter, r *http.Request) {
			records := make([]ErrorRecordPayload, 0)
			for _, e := range m.ErrorLog() {
				records = append(records, ErrorRecordPayload{
					ID:              e.ID,
					Timestamp:       e.Timestamp,
					HardwareVersion: e.HardwareVersion,
					FirmwareVersion: e.FirmwareVersion,
					Data:            hex.EncodeToString(e.Data[:]),
				})
			}
			render.JSON(w, r, records)
		})

		r.Get("/scripts", func(w http.ResponseWriter, r *http.Request) {
			scripts := m.Scripts()
			if scripts == nil {
				render.Render(w, r, ErrUnavailable(onboard.ErrNotStarted))
				return
			}
			list := make([]ScriptPayload, 0)
			for _, h := range scripts.Handles() {
				list = append(list, ScriptPayload{
					Name:     h.Name,
					Source:   h.Source,
					Priority: h.Priority,
					State:    h.State().String(),
				})
			}
			render.JSON(w, r, list)
		})

		r.Put("/name", func(w http.ResponseWriter, r *http.Request) {
			data := &DeviceNamePayload{}
			if err := render.Bind(r, data); err != nil {
				render.Render(w, r, ErrInvalidRequest(err))
				return
			}
			if err := m.SetDeviceName(data.Name); err != nil {
				render.Render(w, r, ErrInvalidRequest(err))
				return
			}
			render.JSON(w, r, DeviceNamePayload{m.DeviceName.Get()})
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Get("/telemetry", hub.ServeHTTP)
	})

	return r
}

// Telemetry is the snapshot streamed to websocket clients.
type Telemetry struct {
	Motors      map[string]ports.MotorState `json:"motors"`
	Sensors     map[string][]byte           `json:"sensors"`
	Gyro        [3]float64                  `json:"gyro"`
	Orientation imu.Orientation             `json:"orientation"`
	Battery     onboard.BatteryStatus       `json:"battery"`
	Timer       float64                     `json:"timer"`
	Variables   scripting.VariableSlots     `json:"variables"`
	Buttons     [onboard.ButtonCount]uint8  `json:"buttons"`
}

// TelemetryHub collects robot telemetry and streams it to websocket
// clients. It implements onboard.Surface.
type TelemetryHub struct {
	log zerolog.Logger

	lock    sync.Mutex
	current Telemetry
	dirty   bool
	clients map[*websocket.Conn]struct{}
}

func NewTelemetryHub(log zerolog.Logger) *TelemetryHub {
	return &TelemetryHub{
		log: log,
		current: Telemetry{
			Motors:  map[string]ports.MotorState{},
			Sensors: map[string][]byte{},
		},
		clients: map[*websocket.Conn]struct{}{},
	}
}

func (h *TelemetryHub) change(fn func(t *Telemetry)) {
	h.lock.Lock()
	defer h.lock.Unlock()
	fn(&h.current)
	h.dirty = true
}

func (h *TelemetryHub) UpdateMotor(port int, state ports.MotorState) {
	h.change(func(t *Telemetry) { t.Motors[strconv.Itoa(port)] = state })
}

func (h *TelemetryHub) UpdateSensor(port int, value []byte) {
	h.change(func(t *Telemetry) { t.Sensors[strconv.Itoa(port)] = value })
}

func (h *TelemetryHub) UpdateGyro(rate mgl64.Vec3) {
	h.change(func(t *Telemetry) { t.Gyro = rate })
}

func (h *TelemetryHub) UpdateOrientation(o imu.Orientation) {
	h.change(func(t *Telemetry) { t.Orientation = o })
}

func (h *TelemetryHub) UpdateBattery(b onboard.BatteryStatus) {
	h.change(func(t *Telemetry) { t.Battery = b })
}

func (h *TelemetryHub) UpdateTimer(elapsed time.Duration) {
	h.change(func(t *Telemetry) { t.Timer = elapsed.Seconds() })
}

func (h *TelemetryHub) UpdateVariables(v scripting.VariableSlots) {
	h.change(func(t *Telemetry) { t.Variables = v })
}

func (h *TelemetryHub) UpdateButtons(states [onboard.ButtonCount]uint8) {
	h.change(func(t *Telemetry) { t.Buttons = states })
}

// Snapshot encodes the current telemetry; ok is false when nothing
// changed since the last snapshot.
func (h *TelemetryHub) Snapshot() (msg []byte, ok bool, err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.dirty {
		return nil, false, nil
	}
	h.dirty = false
	msg, err = json.Marshal(h.current)
	return msg, err == nil, err
}

// Run sends a snapshot to every client each interval while telemetry
// changes.
func (h *TelemetryHub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.lock.Unlock()
			return
		case <-ticker.C:
		}

		msg, ok, err := h.Snapshot()
		if err != nil {
			h.log.Warn().Err(err).Msg("encode telemetry")
		}
		if !ok {
			continue
		}

		h.lock.Lock()
		clients := make([]*websocket.Conn, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.lock.Unlock()

		for _, c := range clients {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug().Err(err).Msg("telemetry client dropped")
				h.remove(c)
			}
		}
	}
}

func (h *TelemetryHub) remove(c *websocket.Conn) {
	h.lock.Lock()
	delete(h.clients, c)
	h.lock.Unlock()
	c.Close()
}

// ServeHTTP upgrades to a websocket and keeps it registered until the
// client goes away.
func (h *TelemetryHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade")
		return
	}

	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.dirty = true
	h.lock.Unlock()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}
