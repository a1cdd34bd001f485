package firmware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/hardware"
)

const (
	DefaultProbeTimeout  = 10 * time.Second
	DefaultProbeInterval = 200 * time.Millisecond
	ChunkSize            = 255
)

var (
	ErrBoardUnreachable    = errors.New("mcu did not answer on either address")
	ErrNoFirmwareAvailable = errors.New("no firmware image for this hardware version")
	ErrUpdateFailed        = errors.New("mcu did not return to application mode")
)

// Application is the MCU running its application image.
type Application interface {
	ReadOperationMode() (hardware.OperationMode, error)
	ReadHardwareVersion() (hardware.Version, error)
	ReadFirmwareVersion() (hardware.Version, error)
	ReadFirmwareCrc() (uint32, error)
	RebootToBootloader() error
}

// Bootloader is the MCU running its bootloader.
type Bootloader interface {
	ReadOperationMode() (hardware.OperationMode, error)
	ReadHardwareVersion() (hardware.Version, error)
	InitializeUpdate(length, crc uint32) error
	SendFirmware(chunk []byte) error
	FinalizeUpdate() error
}

type Phase int

const (
	PhaseProbing Phase = iota
	PhaseChecking
	PhaseRebooting
	PhaseFlashing
	PhaseFinalizing
	PhaseComplete
)

func (p Phase) String() string {
	return [...]string{"probing", "checking", "rebooting", "flashing", "finalizing", "complete"}[p]
}

type Progress struct {
	Phase Phase
	Sent  int
	Total int
}

type Config struct {
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	Progress      func(Progress)
	Logger        zerolog.Logger
}

type Option func(*Config)

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ProbeTimeout = d
	}
}

func WithProbeInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ProbeInterval = d
	}
}

func WithProgress(cb func(Progress)) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Result describes the MCU after Run.
type Result struct {
	HardwareVersion hardware.Version
	FirmwareVersion hardware.Version
	Updated         bool
}

// Updater brings the MCU onto the bundled firmware.
type Updater struct {
	app     Application
	boot    Bootloader
	catalog *Catalog
	config  Config
}

func NewUpdater(app Application, boot Bootloader, catalog *Catalog, opts ...Option) *Updater {
	cfg := Config{
		ProbeTimeout:  DefaultProbeTimeout,
		ProbeInterval: DefaultProbeInterval,
		Logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Updater{app: app, boot: boot, catalog: catalog, config: cfg}
}

func (u *Updater) report(p Progress) {
	if u.config.Progress != nil {
		u.config.Progress(p)
	}
}

// Mode polls both addresses until one answers or the ProbeTimeout
// elapses.
func (u *Updater) Mode(ctx context.Context) (hardware.OperationMode, error) {
	deadline := time.Now().Add(u.config.ProbeTimeout)
	for {
		if mode, err := u.app.ReadOperationMode(); err == nil {
			return mode, nil
		}
		if mode, err := u.boot.ReadOperationMode(); err == nil {
			return mode, nil
		}

		if time.Now().After(deadline) {
			return 0, ErrBoardUnreachable
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(u.config.ProbeInterval):
		}
	}
}

// waitForMode polls until the MCU reports want.
func (u *Updater) waitForMode(ctx context.Context, want hardware.OperationMode) error {
	deadline := time.Now().Add(u.config.ProbeTimeout)
	for {
		mode, err := u.Mode(ctx)
		if err != nil {
			return err
		}
		if mode == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("mcu stayed in %s mode", mode)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.config.ProbeInterval):
		}
	}
}

// Run checks the MCU firmware against the catalog and updates it when
// needed. Errors wrapping ErrBoardUnreachable, ErrNoFirmwareAvailable,
// ErrUpdateFailed or an IntegrityError are fatal to start up.
func (u *Updater) Run(ctx context.Context) (res Result, err error) {
	log := u.config.Logger

	u.report(Progress{Phase: PhaseProbing})
	mode, err := u.Mode(ctx)
	if err != nil {
		return res, err
	}
	log.Info().Stringer("mode", mode).Msg("mcu found")

	if mode == hardware.ModeBootloader {
		res.HardwareVersion, err = u.boot.ReadHardwareVersion()
	} else {
		res.HardwareVersion, err = u.app.ReadHardwareVersion()
	}
	if err != nil {
		return res, errors.Wrap(err, "read hardware version")
	}

	u.report(Progress{Phase: PhaseChecking})
	entry, ok := u.catalog.Lookup(res.HardwareVersion)
	if !ok {
		if mode == hardware.ModeBootloader {
			return res, errors.Wrapf(ErrNoFirmwareAvailable, "hardware %s", res.HardwareVersion)
		}
		log.Warn().Stringer("hardware", res.HardwareVersion).Msg("no bundled firmware, keeping the running one")
		res.FirmwareVersion, err = u.app.ReadFirmwareVersion()
		return res, errors.Wrap(err, "read firmware version")
	}

	img, err := u.catalog.Load(entry)
	if err != nil {
		return res, err
	}

	if mode == hardware.ModeApplication {
		if u.upToDate(img) {
			res.FirmwareVersion = img.Version
			log.Info().Stringer("firmware", img.Version).Msg("firmware up to date")
			return res, nil
		}

		u.report(Progress{Phase: PhaseRebooting})
		if err := u.app.RebootToBootloader(); err != nil {
			// the MCU may reset before answering
			log.Debug().Err(err).Msg("reboot to bootloader")
		}
		if err := u.waitForMode(ctx, hardware.ModeBootloader); err != nil {
			return res, errors.Wrap(err, "enter bootloader")
		}
	}

	if err := u.flash(img); err != nil {
		return res, err
	}

	u.report(Progress{Phase: PhaseFinalizing})
	if err := u.waitForMode(ctx, hardware.ModeApplication); err != nil {
		return res, errors.Wrap(ErrUpdateFailed, err.Error())
	}

	res.FirmwareVersion, err = u.app.ReadFirmwareVersion()
	if err != nil {
		return res, errors.Wrap(ErrUpdateFailed, err.Error())
	}
	res.Updated = true

	u.report(Progress{Phase: PhaseComplete, Sent: len(img.Data), Total: len(img.Data)})
	log.Info().Stringer("firmware", res.FirmwareVersion).Msg("firmware updated")
	return res, nil
}

// upToDate compares version and CRC. A firmware that cannot report its CRC
// is updated.
func (u *Updater) upToDate(img Image) bool {
	running, err := u.app.ReadFirmwareVersion()
	if err != nil || !running.Equal(img.Version) {
		return false
	}
	crc, err := u.app.ReadFirmwareCrc()
	if err != nil {
		u.config.Logger.Debug().Err(err).Msg("firmware crc unavailable")
		return false
	}
	return crc == img.CRC32
}

func (u *Updater) flash(img Image) error {
	total := len(img.Data)
	u.config.Logger.Info().Stringer("firmware", img.Version).Int("length", total).Msg("flashing")

	if err := u.boot.InitializeUpdate(uint32(total), img.CRC32); err != nil {
		return errors.Wrap(err, "initialize update")
	}

	for sent := 0; sent < total; sent += ChunkSize {
		end := sent + ChunkSize
		if end > total {
			end = total
		}
		if err := u.boot.SendFirmware(img.Data[sent:end]); err != nil {
			return errors.Wrapf(err, "send firmware at %d", sent)
		}
		u.report(Progress{Phase: PhaseFlashing, Sent: end, Total: total})
	}

	if err := u.boot.FinalizeUpdate(); err != nil {
		// the bootloader jumps to the new image before answering
		u.config.Logger.Debug().Err(err).Msg("finalize update")
	}
	return nil
}
