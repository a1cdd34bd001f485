package onboard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/firmware"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/imu"
	"github.com/CodedInternet/gorevvy/onboard/longmsg"
	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/ports"
	"github.com/CodedInternet/gorevvy/onboard/scripting"
)

const (
	DeviceNameFile   = "device-name"
	MaxDeviceNameLen = 15
)

var (
	ErrDeviceName = errors.New("device name must be 1 to 15 printable ascii characters")
	ErrNotStarted = errors.New("robot not started")
)

type Versions struct {
	Hardware hardware.Version
	Firmware hardware.Version
	Software string
}

// Surface consumes robot telemetry, e.g. the BLE peripheral or the debug
// API. Updates arrive on the poller goroutine and must not block.
type Surface interface {
	UpdateMotor(port int, state ports.MotorState)
	UpdateSensor(port int, value []byte)
	UpdateGyro(rate mgl64.Vec3)
	UpdateOrientation(o imu.Orientation)
	UpdateBattery(b BatteryStatus)
	UpdateTimer(elapsed time.Duration)
	UpdateVariables(v scripting.VariableSlots)
	UpdateButtons(states [ButtonCount]uint8)
}

type ValidationState int

const (
	ValidationUnknown ValidationState = iota
	ValidationInProgress
	ValidationDone
)

func (s ValidationState) String() string {
	return [...]string{"unknown", "in_progress", "done"}[s]
}

// ValidationRequest asks which ports have something attached.
type ValidationRequest struct {
	// bit n selects motor port n+1
	Motors uint8
	// sensor type to test for on each port, 0 skips the port
	Sensors   [4]uint8
	Power     uint8
	Threshold uint8
}

type ValidationResult struct {
	State   ValidationState
	Motors  uint8
	Sensors uint8
}

type ManagerOptions struct {
	DataDir         string
	AssetDir        string
	SoftwareVersion string
	DefaultName     string
	Drivetrain      drivetrain.Config
	Sound           scripting.SoundPlayer
}

// RobotManager runs the robot: it brings up the MCU, applies
// configurations from the mobile and routes controller input to scripts.
type RobotManager struct {
	State        *observable.Observable[RobotState]
	Controller   *observable.Observable[RemoteControllerState]
	Validation   *observable.Observable[ValidationResult]
	DeviceName   *observable.Observable[string]
	LongMessages *longmsg.Handler

	app       *hardware.RobotControl
	updater   *firmware.Updater
	poller    *poller.Poller
	assets    *longmsg.AssetExtractor
	remote    *RemoteController
	scheduler *Scheduler
	opts      ManagerOptions
	exit      chan ExitCode
	log       zerolog.Logger

	lock sync.Mutex
	// published by Start under lock
	robot   *Robot
	scripts *scripting.Manager
	// last configuration applied successfully
	config     *RobotConfig
	versions   Versions
	errorLog   []hardware.ErrorRecord
	surfaces   []Surface
	background []*scripting.Handle
	buttons    [ButtonCount]uint8
}

func NewRobotManager(app *hardware.RobotControl, updater *firmware.Updater, p *poller.Poller, messages *longmsg.Store, opts ManagerOptions, log zerolog.Logger) *RobotManager {
	if opts.Sound == nil {
		opts.Sound = NewLogSound(log.With().Str("component", "sound").Logger())
	}

	m := &RobotManager{
		State:        observable.New(StateStartingUp),
		Controller:   observable.New(RCNotConnected),
		Validation:   observable.New(ValidationResult{}),
		DeviceName:   observable.New(opts.DefaultName),
		LongMessages: longmsg.NewHandler(messages, log.With().Str("component", "longmsg").Logger()),
		app:          app,
		updater:      updater,
		poller:       p,
		assets:       longmsg.NewAssetExtractor(opts.AssetDir, log.With().Str("component", "assets").Logger()),
		remote:       NewRemoteController(),
		opts:         opts,
		exit:         make(chan ExitCode, 1),
		log:          log,
	}
	m.versions.Software = opts.SoftwareVersion

	if raw, err := os.ReadFile(filepath.Join(opts.DataDir, DeviceNameFile)); err == nil {
		if name := string(raw); validDeviceName(name) {
			m.DeviceName.Set(name)
		}
	}

	m.scheduler = NewScheduler(m.remote, log.With().Str("component", "remote").Logger())
	m.scheduler.OnDetected = func() {
		m.Controller.Set(RCControlled)
	}
	m.scheduler.OnLost = func() {
		m.Controller.Set(RCConnectedNoControl)
		m.Configure(nil, nil)
	}
	m.scheduler.AfterTick = m.publishTimer
	m.remote.OnBackground(m.onBackground)

	m.State.Subscribe(func(RobotState) { m.updateIndicator() })
	m.Controller.Subscribe(func(RemoteControllerState) { m.updateIndicator() })
	return m
}

// AddSurface registers a telemetry consumer. Call before Start.
func (m *RobotManager) AddSurface(s Surface) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.surfaces = append(m.surfaces, s)
}

func (m *RobotManager) each(fn func(s Surface)) {
	m.lock.Lock()
	surfaces := m.surfaces
	m.lock.Unlock()
	for _, s := range surfaces {
		fn(s)
	}
}

// Robot is nil until Start succeeded.
func (m *RobotManager) Robot() *Robot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.robot
}

func (m *RobotManager) Scripts() *scripting.Manager {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.scripts
}

func (m *RobotManager) Remote() *RemoteController {
	return m.remote
}

func (m *RobotManager) Versions() Versions {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.versions
}

// ErrorLog returns the MCU error records read at start.
func (m *RobotManager) ErrorLog() []hardware.ErrorRecord {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]hardware.ErrorRecord{}, m.errorLog...)
}

func (m *RobotManager) updateIndicator() {
	indicator := Indicator(m.State.Get(), m.Controller.Get())
	m.poller.Defer(func() {
		if err := m.app.SetMasterStatus(indicator); err != nil {
			m.log.Warn().Err(err).Msg("set master status")
		}
	})
}

// Start brings the MCU onto the bundled firmware and builds the robot.
// Nothing runs in the background until Run.
func (m *RobotManager) Start(ctx context.Context) error {
	m.State.Set(StateStartingUp)

	res, err := m.updater.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "firmware")
	}
	m.lock.Lock()
	m.versions.Hardware = res.HardwareVersion
	m.versions.Firmware = res.FirmwareVersion
	m.lock.Unlock()
	m.log.Info().
		Stringer("hardware", res.HardwareVersion).
		Stringer("firmware", res.FirmwareVersion).
		Str("software", m.opts.SoftwareVersion).
		Bool("updated", res.Updated).
		Msg("mcu ready")

	if err = m.poller.Reset(); err != nil {
		return errors.Wrap(err, "reset status updater")
	}
	robot, err := NewRobot(m.app, m.poller, m.opts.Sound, m.opts.Drivetrain, m.log.With().Str("component", "robot").Logger())
	if err != nil {
		return err
	}
	scripts := scripting.NewManager(robot, m.log.With().Str("component", "script").Logger())
	m.lock.Lock()
	m.robot, m.scripts = robot, scripts
	m.lock.Unlock()

	m.readErrorMemory()
	m.wireTelemetry()
	if err = m.robot.EnableTelemetry(func() {
		m.log.Error().Msg("mcu reset detected")
		m.RequestExit(ExitError)
	}); err != nil {
		return err
	}

	m.LongMessages.On(longmsg.EventMessageUpdated, func(data interface{}) {
		if msg, ok := data.(longmsg.Message); ok {
			m.onMessage(msg)
		}
	})
	if msg, err := m.LongMessages.Message(longmsg.AssetData); err == nil {
		if err := m.assets.ExtractIfChanged(msg); err != nil {
			m.log.Warn().Err(err).Msg("stored assets could not be extracted")
		}
	}

	m.applyConfig(nil)
	return nil
}

func (m *RobotManager) readErrorMemory() {
	count, err := m.app.ErrorMemoryReadCount()
	if err != nil {
		m.log.Warn().Err(err).Msg("read error memory")
		return
	}

	var records []hardware.ErrorRecord
	for uint32(len(records)) < count {
		batch, err := m.app.ErrorMemoryReadErrors(uint32(len(records)))
		if err != nil {
			m.log.Warn().Err(err).Msg("read error records")
			break
		}
		if len(batch) == 0 {
			break
		}
		records = append(records, batch...)
	}

	for _, r := range records {
		m.log.Warn().
			Uint8("id", r.ID).
			Uint32("timestamp", r.Timestamp).
			Uint32("hardware", r.HardwareVersion).
			Uint32("firmware", r.FirmwareVersion).
			Hex("data", r.Data[:]).
			Msg("mcu error record")
	}

	m.lock.Lock()
	m.errorLog = records
	m.lock.Unlock()

	if len(records) > 0 {
		if err := m.app.ErrorMemoryClear(); err != nil {
			m.log.Warn().Err(err).Msg("clear error memory")
		}
	}
}

func (m *RobotManager) wireTelemetry() {
	for _, p := range m.robot.Motors().Ports() {
		id := p.ID
		p.Events.On(ports.EventStatusChanged, func(data interface{}) {
			if d, ok := data.(*ports.DcMotor); ok {
				state := d.State()
				m.each(func(s Surface) { s.UpdateMotor(id, state) })
			}
		})
	}
	for _, p := range m.robot.Sensors().Ports() {
		id := p.ID
		p.Events.On(ports.EventStatusChanged, func(data interface{}) {
			if d, ok := data.(ports.SensorDriver); ok {
				value := d.Value()
				m.each(func(s Surface) { s.UpdateSensor(id, value) })
			}
		})
	}

	m.robot.IMU().Rotation.Subscribe(func(v mgl64.Vec3) {
		m.each(func(s Surface) { s.UpdateGyro(v) })
	})
	m.robot.IMU().Orientation.Subscribe(func(o imu.Orientation) {
		m.each(func(s Surface) { s.UpdateOrientation(o) })
	})
	m.robot.Battery.Subscribe(func(b BatteryStatus) {
		m.each(func(s Surface) { s.UpdateBattery(b) })
	})
	m.scripts.Variables.Subscribe(func(v scripting.VariableSlots) {
		m.each(func(s Surface) { s.UpdateVariables(v) })
	})
}

func (m *RobotManager) publishTimer() {
	elapsed := m.remote.Timer()
	m.each(func(s Surface) { s.UpdateTimer(elapsed) })
}

func (m *RobotManager) publishButtons() {
	m.lock.Lock()
	states := m.buttons
	m.lock.Unlock()
	m.each(func(s Surface) { s.UpdateButtons(states) })
}

func (m *RobotManager) setButton(button int, state uint8) {
	m.lock.Lock()
	m.buttons[button] = state
	m.lock.Unlock()
	m.publishButtons()
}

func (m *RobotManager) onMessage(msg longmsg.Message) {
	log := m.log.With().Stringer("type", msg.Type).Str("md5", msg.MD5).Logger()

	switch msg.Type {
	case longmsg.ConfigurationData:
		config, err := ParseRobotConfig(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("configuration rejected")
			return
		}
		m.Configure(config, nil)

	case longmsg.AssetData:
		m.poller.Defer(func() {
			if err := m.assets.Extract(msg); err != nil {
				log.Error().Err(err).Msg("asset extraction failed")
			}
		})

	case longmsg.FrameworkData:
		log.Info().Msg("new package received, restarting into the loader")
		m.RequestExit(ExitUpdateRequest)

	default:
		log.Info().Int("length", len(msg.Data)).Msg("message stored")
	}
}

// Configure applies c on the poller goroutine; nil resets to the empty
// configuration. after, if set, runs once the configuration is applied.
func (m *RobotManager) Configure(c *RobotConfig, after func()) {
	m.State.Set(StateConfiguring)
	m.poller.Defer(func() {
		m.applyConfig(c)
		if after != nil {
			after()
		}
	})
}

// applyConfig replaces the running configuration with c. A configuration
// the robot cannot run is rejected and the previous one stays in place.
func (m *RobotManager) applyConfig(c *RobotConfig) {
	robot := m.Robot()
	if robot == nil {
		m.log.Warn().Err(ErrNotStarted).Msg("configuration dropped")
		return
	}

	m.lock.Lock()
	previous := m.config
	m.lock.Unlock()

	if err := c.Check(robot.Motors().Count(), robot.Sensors().Count()); err != nil {
		m.log.Error().Err(err).Msg("configuration rejected")
		m.setConfigured(previous)
		return
	}

	m.State.Set(StateConfiguring)
	m.resetConfig()

	if err := m.configure(c); err != nil {
		m.log.Error().Err(err).Msg("configuration failed, restoring the previous one")
		m.resetConfig()
		c = previous
		if err = m.configure(c); err != nil {
			m.log.Error().Err(err).Msg("previous configuration failed, falling back to empty")
			m.resetConfig()
			c = nil
		}
	}
	m.setConfigured(c)
}

func (m *RobotManager) setConfigured(c *RobotConfig) {
	m.lock.Lock()
	m.config = c
	m.lock.Unlock()

	if c.Empty() {
		m.State.Set(StateNotConfigured)
	} else {
		m.State.Set(StateConfigured)
	}
}

func (m *RobotManager) resetConfig() {
	m.scripts.Reset()
	m.remote.Reset()

	m.lock.Lock()
	m.background = nil
	m.buttons = [ButtonCount]uint8{}
	m.lock.Unlock()

	if err := m.robot.Reset(); err != nil {
		m.log.Error().Err(err).Msg("robot reset failed")
	}
	m.publishButtons()
}

func (m *RobotManager) configure(c *RobotConfig) error {
	if c == nil {
		return nil
	}

	motorAliases := make(map[string]int)
	for i, mc := range c.Robot.Motors {
		if mc == nil || mc.Type == MotorNotConfigured {
			continue
		}
		id := i + 1
		port, err := m.robot.Motors().Port(id)
		if err != nil {
			return err
		}
		config := ports.DefaultMotorConfig()
		config.Reversed = bool(mc.Reversed)
		if _, err = port.Configure(config); err != nil {
			return errors.Wrapf(err, "motor %d", id)
		}
		if mc.Type == MotorDrivetrain {
			if err = m.robot.Drivetrain().Add(id, drivetrain.Side(mc.Side)); err != nil {
				return errors.Wrapf(err, "motor %d", id)
			}
		}
		if mc.Name != "" {
			motorAliases[mc.Name] = id
		}
	}

	sensorAliases := make(map[string]int)
	for i, sc := range c.Robot.Sensors {
		if sc == nil || sc.Type == SensorNotConfigured {
			continue
		}
		id := i + 1
		port, err := m.robot.Sensors().Port(id)
		if err != nil {
			return err
		}
		var config ports.DriverConfig
		switch sc.Type {
		case SensorUltrasonic:
			config = ports.DefaultUltrasonicConfig()
		case SensorBumper:
			config = ports.DefaultBumperConfig()
		case SensorColor:
			config = ports.ColorConfig{}
		}
		if _, err = port.Configure(config); err != nil {
			return errors.Wrapf(err, "sensor %d", id)
		}
		if sc.Name != "" {
			sensorAliases[sc.Name] = id
		}
	}
	m.robot.setAliases(motorAliases, sensorAliases)

	for i, sc := range c.Scripts {
		if sc.program == nil {
			return rerrors.ConfigError{Field: "blocklyList", Reason: "script " + sc.Builtin + " was not validated"}
		}
		descriptor := func(name string, priority int) scripting.Descriptor {
			return scripting.Descriptor{
				Name:     fmt.Sprintf("%s@%d.%s", sc.Builtin, i, name),
				Program:  sc.program,
				Priority: priority,
				RefID:    i,
				Source:   sc.Builtin,
				Params:   sc.Params,
			}
		}

		for _, b := range sc.Assignments.Buttons {
			m.bindButton(b.ID, m.scripts.Add(descriptor(fmt.Sprintf("button%d", b.ID), b.Priority)))
		}
		for j, a := range sc.Assignments.Analog {
			h := m.scripts.Add(descriptor(fmt.Sprintf("analog%d", j), a.Priority))
			channels := a.Channels
			m.remote.OnAnalog(channels, func(values []uint8) {
				m.startScript(h, scripting.Input{Analog: values, Channels: channels})
			})
		}
		if p := sc.Assignments.Background; p != nil {
			h := m.scripts.Add(descriptor("background", *p))
			m.lock.Lock()
			m.background = append(m.background, h)
			m.lock.Unlock()
		}
	}
	return nil
}

func (m *RobotManager) bindButton(button int, h *scripting.Handle) {
	var errored bool
	h.Events().On(scripting.EventStart, func(interface{}) {
		errored = false
		m.setButton(button, ButtonRunning)
	})
	h.Events().On(scripting.EventError, func(interface{}) {
		errored = true
	})
	h.Events().On(scripting.EventStop, func(interface{}) {
		if errored {
			m.setButton(button, ButtonError)
		} else {
			m.setButton(button, ButtonIdle)
		}
	})
	m.setButton(button, ButtonIdle)

	m.remote.OnButton(button, func() {
		m.startScript(h, scripting.Input{Button: button})
	})
}

func (m *RobotManager) startScript(h *scripting.Handle, in scripting.Input) {
	if err := h.Start(in); err != nil {
		m.log.Debug().Err(err).Str("script", h.Name).Msg("script not started")
	}
}

func (m *RobotManager) onBackground(cmd BackgroundCommand, state AutonomousState) {
	m.lock.Lock()
	handles := append([]*scripting.Handle{}, m.background...)
	m.lock.Unlock()

	m.log.Info().Stringer("command", cmd).Stringer("state", state).Msg("autonomous mode")
	for _, h := range handles {
		if state == AutonomousRunning {
			m.startScript(h, scripting.Input{})
		} else {
			h.Stop()
		}
	}
	m.publishTimer()
}

// HandleControlMessage passes a controller message on without blocking.
func (m *RobotManager) HandleControlMessage(msg ControlMessage) {
	m.scheduler.Data(msg)
}

// SetConnected records the mobile connecting or leaving. Leaving resets
// the configuration.
func (m *RobotManager) SetConnected(connected bool) {
	if connected {
		m.Controller.Set(RCConnectedNoControl)
	} else {
		m.Controller.Set(RCNotConnected)
		m.Configure(nil, nil)
	}
	m.poller.Defer(func() {
		if err := m.app.SetBluetoothStatus(connected); err != nil {
			m.log.Warn().Err(err).Msg("set bluetooth status")
		}
	})
}

// ValidateConfig runs presence tests on the requested ports.
func (m *RobotManager) ValidateConfig(req ValidationRequest) {
	m.Validation.Set(ValidationResult{State: ValidationInProgress})
	m.poller.Defer(func() {
		m.Validation.Set(m.validate(req))
	})
}

func (m *RobotManager) validate(req ValidationRequest) ValidationResult {
	res := ValidationResult{State: ValidationDone}
	for i := 0; i < 8; i++ {
		if req.Motors&(1<<uint(i)) == 0 {
			continue
		}
		present, err := m.app.TestMotorOnPort(uint8(i+1), req.Power, req.Threshold)
		if err != nil {
			m.log.Warn().Err(err).Int("port", i+1).Msg("motor presence test")
			continue
		}
		if present {
			res.Motors |= 1 << uint(i)
		}
	}
	for i, t := range req.Sensors {
		if t == 0 {
			continue
		}
		present, err := m.app.TestSensorOnPort(uint8(i+1), t)
		if err != nil {
			m.log.Warn().Err(err).Int("port", i+1).Msg("sensor presence test")
			continue
		}
		if present {
			res.Sensors |= 1 << uint(i)
		}
	}
	return res
}

func validDeviceName(name string) bool {
	if len(name) < 1 || len(name) > MaxDeviceNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7E {
			return false
		}
	}
	return true
}

// SetDeviceName persists the advertised name.
func (m *RobotManager) SetDeviceName(name string) error {
	if !validDeviceName(name) {
		return errors.Wrapf(ErrDeviceName, "%q", name)
	}
	path := filepath.Join(m.opts.DataDir, DeviceNameFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(name), 0644); err != nil {
		return errors.Wrap(err, "write device name")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "write device name")
	}
	m.DeviceName.Set(name)
	m.log.Info().Str("name", name).Msg("device name changed")
	return nil
}

// RequestExit ends Run with code. Only the first request counts.
func (m *RobotManager) RequestExit(code ExitCode) {
	select {
	case m.exit <- code:
	default:
	}
}

// ExitCodeFor maps a start up failure to the code handed to the loader.
func ExitCodeFor(err error) ExitCode {
	var ierr rerrors.IntegrityError
	if errors.As(err, &ierr) {
		return ExitIntegrityError
	}
	return ExitError
}

// Run starts the robot and serves it until ctx is done, an exit is
// requested or the MCU becomes unreachable.
func (m *RobotManager) Run(ctx context.Context) ExitCode {
	if err := m.Start(ctx); err != nil {
		m.log.Error().Err(err).Msg("robot start failed")
		return ExitCodeFor(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	polled := make(chan error, 1)
	go func() {
		polled <- m.poller.Run(ctx)
	}()
	go m.scheduler.Run(ctx)

	var code ExitCode
	select {
	case <-ctx.Done():
		code = ExitOK
	case code = <-m.exit:
	case err := <-polled:
		m.log.Error().Err(err).Msg("status polling stopped")
		polled = nil
		code = ExitError
	}

	cancel()
	if polled != nil {
		<-polled
	}
	m.shutdown()
	m.log.Info().Stringer("code", code).Msg("robot stopped")
	return code
}

func (m *RobotManager) shutdown() {
	m.State.Set(StateStopped)
	m.scripts.Reset()
	m.robot.StopMotors()
}
