package comms

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

const (
	LiveServiceUUID        = "d2d5558c-5b9d-11e9-8647-d663bd873d93"
	LongMessageServiceUUID = "97148a03-5b9d-11e9-8647-d663bd873d93"

	deviceInformationService = 0x180A
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}

// characteristicUUID derives the custom characteristic UUIDs from the
// characteristic number.
func characteristicUUID(c Characteristic) bluetooth.UUID {
	switch c {
	case CharSystemID:
		return bluetooth.New16BitUUID(0x2A23)
	case CharHardwareVersion:
		return bluetooth.New16BitUUID(0x2A27)
	case CharFirmwareVersion:
		return bluetooth.New16BitUUID(0x2A26)
	case CharSoftwareVersion:
		return bluetooth.New16BitUUID(0x2A28)
	}
	return mustParseUUID(fmt.Sprintf("7d%06x-5b9d-11e9-8647-d663bd873d93", 0x1000+int(c)))
}

const (
	notify   = bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission
	writable = bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
)

type service struct {
	uuid            bluetooth.UUID
	characteristics []Characteristic
}

func services() []service {
	live := []Characteristic{
		CharSimpleControl, CharStateControl, CharValidateConfig, CharValidationResult,
		CharGyro, CharOrientation, CharTimer, CharBattery, CharVariables, CharButtons,
	}
	for i := 1; i <= MotorCharacteristics; i++ {
		c, _ := MotorCharacteristic(i)
		live = append(live, c)
	}
	for i := 1; i <= SensorCharacteristics; i++ {
		c, _ := SensorCharacteristic(i)
		live = append(live, c)
	}

	return []service{
		{mustParseUUID(LiveServiceUUID), live},
		{mustParseUUID(LongMessageServiceUUID), []Characteristic{CharLongMessage, CharLongMessageStatus}},
		{bluetooth.New16BitUUID(deviceInformationService), []Characteristic{
			CharHardwareVersion, CharFirmwareVersion, CharSoftwareVersion, CharSystemID,
		}},
	}
}

func permissions(c Characteristic) bluetooth.CharacteristicPermissions {
	switch c {
	case CharSimpleControl, CharStateControl, CharValidateConfig, CharLongMessage:
		return writable
	case CharSystemID:
		return writable | notify
	case CharHardwareVersion, CharFirmwareVersion, CharSoftwareVersion:
		return bluetooth.CharacteristicReadPermission
	}
	return notify
}

// Peripheral serves the robot's GATT services over the host's BLE
// adapter.
type Peripheral struct {
	adapter   *bluetooth.Adapter
	conductor ConductorInterface
	log       zerolog.Logger

	lock    sync.Mutex
	adv     *bluetooth.Advertisement
	handles map[Characteristic]*bluetooth.Characteristic
}

func NewPeripheral(conductor ConductorInterface, log zerolog.Logger) *Peripheral {
	return &Peripheral{
		adapter:   bluetooth.DefaultAdapter,
		conductor: conductor,
		log:       log,
		handles:   make(map[Characteristic]*bluetooth.Characteristic),
	}
}

// Start registers the services and advertises under name.
func (p *Peripheral) Start(name string) error {
	if err := p.adapter.Enable(); err != nil {
		return errors.Wrap(err, "enable bluetooth adapter")
	}
	p.adapter.SetConnectHandler(func(device bluetooth.Address, connected bool) {
		p.log.Info().Str("device", device.String()).Bool("connected", connected).Msg("central")
		p.conductor.Connected(connected)
	})

	for _, s := range services() {
		config := bluetooth.Service{UUID: s.uuid}
		for _, c := range s.characteristics {
			handle := new(bluetooth.Characteristic)
			p.lock.Lock()
			p.handles[c] = handle
			p.lock.Unlock()

			cc := bluetooth.CharacteristicConfig{
				Handle: handle,
				UUID:   characteristicUUID(c),
				Flags:  permissions(c),
			}
			if cc.Flags&writable != 0 {
				ch := c
				cc.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
					data := append([]byte{}, value...)
					if err := p.conductor.ProcessWrite(ch, data); err != nil {
						p.log.Warn().Err(err).Stringer("characteristic", ch).Msg("write rejected")
					}
				}
			}
			config.Characteristics = append(config.Characteristics, cc)
		}
		if err := p.adapter.AddService(&config); err != nil {
			return errors.Wrapf(err, "add service %s", s.uuid.String())
		}
	}

	return p.Advertise(name)
}

// Advertise (re)starts advertising with name.
func (p *Peripheral) Advertise(name string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.adv == nil {
		p.adv = p.adapter.DefaultAdvertisement()
	} else if err := p.adv.Stop(); err != nil {
		p.log.Debug().Err(err).Msg("stop advertisement")
	}

	err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{mustParseUUID(LiveServiceUUID)},
	})
	if err != nil {
		return errors.Wrap(err, "configure advertisement")
	}
	if err = p.adv.Start(); err != nil {
		return errors.Wrap(err, "start advertisement")
	}
	p.log.Info().Str("name", name).Msg("advertising")
	return nil
}

func (p *Peripheral) Notify(c Characteristic, data []byte) {
	p.lock.Lock()
	handle := p.handles[c]
	p.lock.Unlock()
	if handle == nil {
		return
	}
	if _, err := handle.Write(data); err != nil {
		p.log.Debug().Err(err).Stringer("characteristic", c).Msg("notify")
	}
}
