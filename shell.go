package main

import (
	"encoding/hex"
	"os"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/pkg/errors"

	"github.com/CodedInternet/gorevvy/onboard"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
	"github.com/CodedInternet/gorevvy/onboard/ports"
)

var errUsage = errors.New("wrong number of arguments")

// NewShell builds the development shell. Commands talk to the MCU
// directly and bypass resource arbitration.
func NewShell(m *onboard.RobotManager, app *hardware.RobotControl) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Revvy development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "ping",
		Help: "ping the mcu",
		Func: func(c *ishell.Context) {
			if err := app.Ping(); err != nil {
				c.Err(err)
				return
			}
			c.Println("pong")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "versions",
		Help: "show hardware, firmware and software versions",
		Func: func(c *ishell.Context) {
			v := m.Versions()
			c.Printf("hw: %s fw: %s sw: %s\n", v.Hardware, v.Firmware, v.Software)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show robot and controller state",
		Func: func(c *ishell.Context) {
			rc := m.Remote()
			c.Printf("%s (%s) controller: %s autonomous: %s %.1fs\n",
				m.DeviceName.Get(), m.State.Get(), m.Controller.Get(), rc.State(), rc.Timer().Seconds())
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "errors",
		Help: "list mcu error records read at startup",
		Func: func(c *ishell.Context) {
			records := m.ErrorLog()
			if len(records) == 0 {
				c.Println("no errors")
				return
			}
			for _, e := range records {
				c.Printf("#%d @%dms hw:%d fw:%#x %s\n", e.ID, e.Timestamp, e.HardwareVersion, e.FirmwareVersion, hex.EncodeToString(e.Data[:]))
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "testerror",
		Help: "record a test error in mcu error memory",
		Func: func(c *ishell.Context) {
			if err := app.ErrorMemoryTestError(); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "motor",
		Help: "motor <port> <power>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(errUsage)
				return
			}
			port, err := strconv.Atoi(c.Args[0])
			if err != nil || port < 1 || port > 6 {
				c.Err(errors.Errorf("invalid motor port %q", c.Args[0]))
				return
			}
			power, err := strconv.Atoi(c.Args[1])
			if err != nil {
				c.Err(errors.Wrap(err, "power"))
				return
			}
			c.Printf("Motor %d to power %d\n", port, power)
			if _, err := app.SetMotorPortControlValue(ports.PowerRequest(port, power).Encode()); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "config",
		Help: "config <file> applies a robot configuration",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errUsage)
				return
			}
			raw, err := os.ReadFile(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			config, err := onboard.ParseRobotConfig(raw)
			if err != nil {
				c.Err(err)
				return
			}
			m.Configure(config, func() {
				c.Println("configuration applied")
			})
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "drop the current configuration",
		Func: func(c *ishell.Context) {
			m.Configure(nil, nil)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "name",
		Help: "name <device name>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errUsage)
				return
			}
			if err := m.SetDeviceName(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	})

	return shell
}
