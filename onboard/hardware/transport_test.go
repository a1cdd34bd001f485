package hardware

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/i2cbus"
)

// testLink plays back queued MCU responses. Reads are non-destructive the
// way the MCU's are: a header read leaves the response in place until the
// full frame has been read.
type testLink struct {
	writes    [][]byte
	responses [][]byte
	sticky    []byte
	reads     int
	writeErr  error
}

func (l *testLink) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	l.writes = append(l.writes, buf)
	return l.writeErr
}

func (l *testLink) Read(n int) ([]byte, error) {
	l.reads++
	var frame []byte
	if len(l.responses) > 0 {
		frame = l.responses[0]
		if n >= len(frame) || len(frame) == ResponseHeaderSize {
			l.responses = l.responses[1:]
		}
	} else if l.sticky != nil {
		frame = l.sticky
	} else {
		return nil, errors.New("nothing to read")
	}

	out := make([]byte, n)
	copy(out, frame)
	return out, nil
}

func (l *testLink) queue(status ResponseStatus, payload []byte) {
	l.responses = append(l.responses, EncodeResponse(status, payload))
}

type testBus struct {
	links map[uint8]*testLink
}

func (b *testBus) Bind(address uint8) (i2cbus.Link, error) {
	if l, ok := b.links[address]; ok {
		return l, nil
	}
	return nil, i2cbus.ErrNoDevice
}

func (b *testBus) Close() error {
	return nil
}

func createTestTransport(opts ...Option) (link *testLink, t *Transport, sleeps *[]time.Duration) {
	link = &testLink{}
	t = NewTransport(link, opts...)
	sleeps = new([]time.Duration)
	t.sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return
}

func TestFrames(t *testing.T) {
	Convey("empty payloads use the 0xFFFF crc sentinel", t, func() {
		So(CRC16(nil), ShouldEqual, 0xFFFF)

		frame, err := EncodeCommand(OpStart, CMD_PING, nil)
		So(err, ShouldBeNil)
		So(frame, ShouldResemble, []byte{0x00, 0x00, 0x00, 0xFF, 0xFF, 0x57})
	})

	Convey("crc16 matches the reflected ccitt check value", t, func() {
		So(CRC16([]byte("123456789")), ShouldEqual, 0x6F91)
	})

	Convey("every encoded frame carries valid crcs", t, func() {
		for n := 0; n <= MaxPayloadLength; n += 17 {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			frame, err := EncodeCommand(OpStart, 0x14, payload)
			So(err, ShouldBeNil)
			So(CRC7(frame[0:5]), ShouldEqual, frame[5])

			decoded, status := DecodeCommand(frame)
			So(status, ShouldEqual, StatusOk)
			So(decoded.Payload, ShouldResemble, payload)
		}
	})

	Convey("oversized payloads fail before any io", t, func() {
		_, err := EncodeCommand(OpStart, 0x09, make([]byte, 256))
		So(err, ShouldEqual, ErrPayloadTooLong)

		link, tr, _ := createTestTransport()
		_, err = tr.SendCommand(0x09, make([]byte, 256))
		So(err, ShouldEqual, ErrPayloadTooLong)
		So(link.writes, ShouldBeEmpty)
	})

	Convey("a corrupted header is rejected", t, func() {
		raw := EncodeResponse(StatusOk, nil)
		So(raw, ShouldResemble, []byte{0x00, 0x00, 0xFF, 0xFF, 0x75})
		raw[4] ^= 0x01
		_, err := DecodeResponseHeader(raw)
		So(err, ShouldEqual, ErrHeaderCRC)
	})
}

func TestTransport(t *testing.T) {
	Convey("ping round trip", t, func() {
		link, tr, _ := createTestTransport()
		link.queue(StatusOk, nil)

		resp, err := tr.SendCommand(CMD_PING, nil)
		So(err, ShouldBeNil)
		So(resp.Status, ShouldEqual, StatusOk)
		So(resp.Payload, ShouldBeEmpty)
		So(len(link.writes), ShouldEqual, 1)
		So(link.reads, ShouldEqual, 1)
	})

	Convey("pending is polled with a single GetResult frame", t, func() {
		link, tr, sleeps := createTestTransport()
		link.queue(StatusPending, nil)
		link.queue(StatusPending, nil)
		link.queue(StatusPending, nil)
		link.queue(StatusOk, []byte{0x01})

		present, err := NewRobotControl(tr).TestMotorOnPort(1, 30, 10)
		So(err, ShouldBeNil)
		So(present, ShouldBeTrue)

		So(len(link.writes), ShouldEqual, 4)
		So(link.writes[0][0], ShouldEqual, OpStart)
		So(link.writes[0][6:], ShouldResemble, []byte{1, 30, 10})
		getResult, _ := EncodeCommand(OpGetResult, CMD_TEST_MOTOR_ON_PORT, nil)
		for _, w := range link.writes[1:] {
			So(w, ShouldResemble, getResult)
		}
		So(*sleeps, ShouldResemble, []time.Duration{
			PRESENCE_TEST_POLL_DELAY, PRESENCE_TEST_POLL_DELAY, PRESENCE_TEST_POLL_DELAY,
		})
	})

	Convey("header crc errors are retried", t, func() {
		link, tr, _ := createTestTransport()
		bad := EncodeResponse(StatusOk, nil)
		bad[4] ^= 0xFF
		link.responses = append(link.responses, bad)
		link.queue(StatusOk, nil)

		resp, err := tr.SendCommand(CMD_PING, nil)
		So(err, ShouldBeNil)
		So(resp.Status, ShouldEqual, StatusOk)

		Convey("until the budget is exhausted", func() {
			link.responses = nil
			link.sticky = bad
			link.reads = 0

			_, err := tr.SendCommand(CMD_PING, nil)
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrBrokenPipe), ShouldBeTrue)
			_, ok := err.(rerrors.TransportError)
			So(ok, ShouldBeTrue)
			So(link.reads, ShouldEqual, DefaultHeaderRetries)
		})
	})

	Convey("a busy mcu times out", t, func() {
		link, tr, _ := createTestTransport(WithBusyTimeout(10 * time.Second))
		clock := time.Unix(0, 0)
		tr.now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
		link.sticky = EncodeResponse(StatusBusy, nil)

		resp, err := tr.SendCommand(CMD_PING, nil)
		So(err, ShouldBeNil)
		So(resp.Status, ShouldEqual, StatusTimeout)
		So(len(link.writes), ShouldEqual, 1)
	})

	Convey("busy then ok reads the payload", t, func() {
		link, tr, _ := createTestTransport()
		link.queue(StatusBusy, nil)
		link.queue(StatusBusy, nil)
		link.queue(StatusOk, []byte("1.0"))

		resp, err := tr.SendCommand(CMD_READ_HARDWARE_VERSION, nil)
		So(err, ShouldBeNil)
		So(string(resp.Payload), ShouldEqual, "1.0")
	})

	Convey("command integrity errors resend the start frame", t, func() {
		link, tr, _ := createTestTransport()
		link.queue(StatusCommandIntegrityError, nil)
		link.queue(StatusOk, []byte{6})

		resp, err := tr.SendCommand(CMD_MOTOR_PORT_AMOUNT, nil)
		So(err, ShouldBeNil)
		So(resp.Payload, ShouldResemble, []byte{6})
		So(len(link.writes), ShouldEqual, 2)
		So(link.writes[0], ShouldResemble, link.writes[1])
	})

	Convey("payload reads must match the header they were predicated on", t, func() {
		link, tr, _ := createTestTransport()
		good := EncodeResponse(StatusOk, []byte{1, 2, 3})
		changed := EncodeResponse(StatusOk, []byte{1, 2, 4})
		// header read sees good; first payload read sees a different frame
		link.responses = [][]byte{good[:ResponseHeaderSize], changed, good}

		resp, err := tr.SendCommand(CMD_STATUS_UPDATER_READ, nil)
		So(err, ShouldBeNil)
		So(resp.Payload, ShouldResemble, []byte{1, 2, 3})

		Convey("and give up after the payload budget", func() {
			link, tr, _ := createTestTransport(WithPayloadRetries(3))
			corrupt := EncodeResponse(StatusOk, []byte{9, 9})
			corrupt[ResponseHeaderSize] = 0
			link.sticky = corrupt

			_, err := tr.SendCommand(CMD_STATUS_UPDATER_READ, nil)
			So(errors.Is(err, ErrBrokenPipe), ShouldBeTrue)
			So(link.reads, ShouldEqual, 1+3)
		})
	})

	Convey("write failures surface as transport errors", t, func() {
		link, tr, _ := createTestTransport()
		link.writeErr = errors.New("remote i/o error")

		_, err := tr.SendCommand(CMD_PING, nil)
		_, ok := err.(rerrors.TransportError)
		So(ok, ShouldBeTrue)
	})
}

func TestInterface(t *testing.T) {
	Convey("transports on one interface share the bus lock", t, func() {
		bus := &testBus{links: map[uint8]*testLink{
			i2cbus.AddressApplication: {},
			i2cbus.AddressBootloader:  {},
		}}
		iface := NewInterface(bus, WithHeaderRetries(2))

		app, err := iface.Transport(i2cbus.AddressApplication)
		So(err, ShouldBeNil)
		boot, err := iface.Transport(i2cbus.AddressBootloader)
		So(err, ShouldBeNil)

		So(app.lock, ShouldEqual, boot.lock)
		So(app.config.HeaderRetries, ShouldEqual, 2)

		Convey("binding an absent device fails", func() {
			_, err := iface.Transport(0x10)
			So(err, ShouldNotBeNil)
		})
	})
}
