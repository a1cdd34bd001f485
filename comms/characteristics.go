package comms

import (
	"fmt"
)

// Characteristic names one GATT characteristic of the robot.
type Characteristic int

const (
	CharSimpleControl Characteristic = iota
	CharStateControl
	CharValidateConfig
	CharValidationResult
	CharLongMessage
	CharLongMessageStatus
	CharSystemID
	CharGyro
	CharOrientation
	CharTimer
	CharBattery
	CharVariables
	CharButtons
	CharHardwareVersion
	CharFirmwareVersion
	CharSoftwareVersion
	CharMotor1
	CharSensor1 = CharMotor1 + MotorCharacteristics

	MotorCharacteristics  = 6
	SensorCharacteristics = 4
	characteristicCount   = int(CharSensor1) + SensorCharacteristics
)

var characteristicNames = [...]string{
	"simple_control", "state_control", "validate_config", "validation_result",
	"long_message", "long_message_status", "system_id", "gyro", "orientation",
	"timer", "battery", "variables", "buttons",
	"hardware_version", "firmware_version", "software_version",
}

func (c Characteristic) String() string {
	switch {
	case c >= CharSensor1 && int(c) < characteristicCount:
		return fmt.Sprintf("sensor%d", c-CharSensor1+1)
	case c >= CharMotor1 && c < CharSensor1:
		return fmt.Sprintf("motor%d", c-CharMotor1+1)
	case c >= 0 && int(c) < len(characteristicNames):
		return characteristicNames[c]
	}
	return fmt.Sprintf("characteristic(%d)", int(c))
}

// MotorCharacteristic maps a 1-based motor port; ok is false for ports
// without a characteristic.
func MotorCharacteristic(port int) (Characteristic, bool) {
	if port < 1 || port > MotorCharacteristics {
		return 0, false
	}
	return CharMotor1 + Characteristic(port-1), true
}

func SensorCharacteristic(port int) (Characteristic, bool) {
	if port < 1 || port > SensorCharacteristics {
		return 0, false
	}
	return CharSensor1 + Characteristic(port-1), true
}
