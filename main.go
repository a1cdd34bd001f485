package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/CodedInternet/gorevvy/comms"
	"github.com/CodedInternet/gorevvy/onboard"
	"github.com/CodedInternet/gorevvy/onboard/drivetrain"
	"github.com/CodedInternet/gorevvy/onboard/firmware"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/i2cbus"
	"github.com/CodedInternet/gorevvy/onboard/longmsg"
	"github.com/CodedInternet/gorevvy/onboard/poller"
	"github.com/CodedInternet/gorevvy/onboard/storage"
)

// set at build time
var version = "0.1.0-dev"

type EnvConfig struct {
	DataDir    string `env:"REVVY_DATA_DIR" envDefault:"./data"`
	PackageDir string `env:"REVVY_PACKAGE_DIR" envDefault:"."`
	I2CBus     int    `env:"REVVY_I2C_BUS" envDefault:"1"`
	Simulated  bool   `env:"REVVY_SIMULATED" envDefault:"0"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr    string `env:"REVVY_API_ADDR"`
	Storage    string `env:"REVVY_STORAGE" envDefault:"file"`
	BLE        bool   `env:"REVVY_BLE" envDefault:"1"`
	Shell      bool   `env:"REVVY_SHELL" envDefault:"0"`
	DeviceName string `env:"REVVY_DEVICE_NAME"`
}

func newLogger(cfg EnvConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.DEBUG {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
		if level > zerolog.DebugLevel {
			level = zerolog.DebugLevel
		}
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// openStorage picks the persistent store for long messages.
func openStorage(cfg EnvConfig, log zerolog.Logger) (storage.Storage, func() error, error) {
	switch cfg.Storage {
	case "bolt":
		s, err := storage.OpenBoltStorage(filepath.Join(cfg.DataDir, "ble.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "file", "":
		s, err := storage.NewFileStorage(filepath.Join(cfg.DataDir, "ble"), log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
	return nil, nil, errors.Errorf("unknown storage %q", cfg.Storage)
}

func drivetrainConfig(c onboard.ServiceConfig) drivetrain.Config {
	config := drivetrain.DefaultConfig()
	if c.Drivetrain.TurnKp > 0 {
		config.TurnKp = c.Drivetrain.TurnKp
	}
	if c.Drivetrain.MaxTurnWheelSpeed > 0 {
		config.MaxTurnWheelSpeed = c.Drivetrain.MaxTurnWheelSpeed
	}
	return config
}

func openBus(cfg EnvConfig) (i2cbus.Bus, error) {
	if cfg.Simulated {
		return onboard.NewSimulatedBus(onboard.NewSimulator("2.0", version)), nil
	}
	return i2cbus.NewBus(cfg.I2CBus)
}

func run() onboard.ExitCode {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Error().Err(err).Msg("invalid environment")
		return onboard.ExitError
	}
	log := newLogger(cfg)
	log.Info().Str("version", version).Bool("simulated", cfg.Simulated).Msg("starting")

	service, err := onboard.LoadServiceConfig(filepath.Join(cfg.PackageDir, "revvy.yaml"))
	if err != nil {
		log.Error().Err(err).Msg("service config")
		return onboard.ExitIntegrityError
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Error().Err(err).Msg("data directory")
		return onboard.ExitError
	}

	bus, err := openBus(cfg)
	if err != nil {
		log.Error().Err(err).Msg("i2c bus")
		return onboard.ExitError
	}
	defer bus.Close()

	opts := append(service.TransportOptions(), hardware.WithLogger(log.With().Str("component", "transport").Logger()))
	iface := hardware.NewInterface(bus, opts...)
	appTransport, err := iface.Transport(i2cbus.AddressApplication)
	if err != nil {
		log.Error().Err(err).Msg("application transport")
		return onboard.ExitError
	}
	bootTransport, err := iface.Transport(i2cbus.AddressBootloader)
	if err != nil {
		log.Error().Err(err).Msg("bootloader transport")
		return onboard.ExitError
	}
	app := hardware.NewRobotControl(appTransport)
	boot := hardware.NewBootloaderControl(bootTransport)

	catalog, err := firmware.LoadCatalog(filepath.Join(cfg.PackageDir, "data", "firmware"))
	if err != nil {
		log.Error().Err(err).Msg("firmware catalog")
		return onboard.ExitIntegrityError
	}
	updater := firmware.NewUpdater(app, boot, catalog, firmware.WithLogger(log.With().Str("component", "updater").Logger()))

	persistent, closeStorage, err := openStorage(cfg, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Error().Err(err).Msg("storage")
		return onboard.ExitError
	}
	defer closeStorage()

	name := "Revvy"
	if service.DeviceName != "" {
		name = service.DeviceName
	}
	if cfg.DeviceName != "" {
		name = cfg.DeviceName
	}

	p := poller.New(app, service.PollInterval, log.With().Str("component", "poller").Logger())
	manager := onboard.NewRobotManager(app, updater, p,
		longmsg.NewStore(persistent, storage.NewMemoryStorage()),
		onboard.ManagerOptions{
			DataDir:         cfg.DataDir,
			AssetDir:        filepath.Join(cfg.DataDir, "assets"),
			SoftwareVersion: version,
			DefaultName:     name,
			Drivetrain:      drivetrainConfig(service),
		}, log)

	conductor := comms.NewConductor(manager, manager.LongMessages, log.With().Str("component", "ble").Logger())
	manager.AddSurface(conductor)
	manager.Validation.Subscribe(conductor.UpdateValidation)
	manager.State.Subscribe(func(onboard.RobotState) {
		conductor.UpdateVersions(manager.Versions())
	})
	manager.DeviceName.Subscribe(conductor.UpdateDeviceName)
	conductor.UpdateDeviceName(manager.DeviceName.Get())

	if cfg.BLE {
		peripheral := comms.NewPeripheral(conductor, log.With().Str("component", "ble").Logger())
		if err := peripheral.Start(manager.DeviceName.Get()); err != nil {
			log.Error().Err(err).Msg("bluetooth unavailable, continuing without")
		} else {
			conductor.SetNotifier(peripheral)
			manager.DeviceName.Subscribe(func(name string) {
				if err := peripheral.Advertise(name); err != nil {
					log.Warn().Err(err).Msg("advertise")
				}
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if cfg.APIAddr != "" {
		hub := NewTelemetryHub(log.With().Str("component", "api").Logger())
		manager.AddSurface(hub)
		go hub.Run(ctx, 100*time.Millisecond)

		server := &http.Server{Addr: cfg.APIAddr, Handler: NewRouter(manager, hub)}
		go func() {
			log.Info().Str("addr", cfg.APIAddr).Msg("debug api listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("debug api")
			}
		}()
		defer server.Close()
	}

	if cfg.Shell {
		go NewShell(manager, app).Run()
	}

	return manager.Run(ctx)
}

func main() {
	os.Exit(int(run()))
}
