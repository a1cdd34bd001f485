package onboard

// Charger states as reported by the MCU.
const (
	ChargerNotConnected uint8 = 0
	ChargerCharging     uint8 = 1
	ChargerCharged      uint8 = 2
	ChargerError        uint8 = 3
)

// BatteryStatus is the battery slot record. Levels are percentages.
type BatteryStatus struct {
	Charger      uint8
	Main         uint8
	MotorPresent bool
	Motor        uint8
}

// DecodeBattery reads [charger, main, motor_present, motor].
func DecodeBattery(raw []byte) (b BatteryStatus, ok bool) {
	if len(raw) != 4 {
		return b, false
	}
	return BatteryStatus{
		Charger:      raw[0],
		Main:         raw[1],
		MotorPresent: raw[2] != 0,
		Motor:        raw[3],
	}, true
}

// EncodeBattery is the inverse of DecodeBattery.
func EncodeBattery(b BatteryStatus) []byte {
	present := uint8(0)
	if b.MotorPresent {
		present = 1
	}
	return []byte{b.Charger, b.Main, present, b.Motor}
}
