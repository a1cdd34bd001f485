package onboard

type RobotState int

const (
	StateStartingUp RobotState = iota
	StateNotConfigured
	StateConfiguring
	StateConfigured
	StateUpdating
	StateStopped
)

func (s RobotState) String() string {
	return [...]string{"starting_up", "not_configured", "configuring", "configured", "updating", "stopped"}[s]
}

type RemoteControllerState int

const (
	RCNotConnected RemoteControllerState = iota
	RCConnectedNoControl
	RCControlled
)

func (s RemoteControllerState) String() string {
	return [...]string{"not_connected", "connected_no_control", "controlled"}[s]
}

// ExitCode tells the package loader what to do after the process ends.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitError
	// ExitIntegrityError asks the loader to fall back to an older package
	ExitIntegrityError
	// ExitUpdateRequest asks the loader to install a newly uploaded package
	ExitUpdateRequest
)

func (c ExitCode) String() string {
	return [...]string{"ok", "error", "integrity_error", "update_request"}[c]
}

// Master status indicators shown by the MCU on the status LEDs.
const (
	IndicatorUnknown       uint8 = 0
	IndicatorNotConfigured uint8 = 1
	IndicatorConfigured    uint8 = 2
	IndicatorControlled    uint8 = 3
	IndicatorConfiguring   uint8 = 4
	IndicatorUpdating      uint8 = 5
)

// Indicator combines the robot and controller states into the master
// status sent to the MCU.
func Indicator(robot RobotState, rc RemoteControllerState) uint8 {
	switch robot {
	case StateNotConfigured:
		return IndicatorNotConfigured
	case StateConfiguring:
		return IndicatorConfiguring
	case StateUpdating:
		return IndicatorUpdating
	case StateConfigured:
		if rc == RCControlled {
			return IndicatorControlled
		}
		return IndicatorConfigured
	}
	return IndicatorUnknown
}
