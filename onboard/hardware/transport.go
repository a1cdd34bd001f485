package hardware

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/i2cbus"
)

const (
	DefaultHeaderRetries  = 5
	DefaultPayloadRetries = 100
	DefaultBusyTimeout    = 75 * time.Second
)

var (
	ErrBrokenPipe = errors.New("broken pipe")
)

type Response struct {
	Status  ResponseStatus
	Payload []byte
}

// Sender is what the command wrappers need from a transport.
type Sender interface {
	SendCommand(cmd uint8, payload []byte) (Response, error)
	SendCommandDelayed(cmd uint8, payload []byte, pollDelay time.Duration) (Response, error)
}

type Config struct {
	HeaderRetries  int
	PayloadRetries int
	BusyTimeout    time.Duration
	Logger         zerolog.Logger
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		HeaderRetries:  DefaultHeaderRetries,
		PayloadRetries: DefaultPayloadRetries,
		BusyTimeout:    DefaultBusyTimeout,
		Logger:         zerolog.Nop(),
	}
}

func WithHeaderRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.HeaderRetries = n
		}
	}
}

func WithPayloadRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PayloadRetries = n
		}
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.BusyTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Interface owns the bus and the single lock every transport on it shares;
// the bus cannot carry two transactions at once.
type Interface struct {
	bus  i2cbus.Bus
	lock *sync.Mutex
	opts []Option
}

func NewInterface(bus i2cbus.Bus, opts ...Option) *Interface {
	return &Interface{
		bus:  bus,
		lock: new(sync.Mutex),
		opts: opts,
	}
}

func (i *Interface) Transport(address uint8) (*Transport, error) {
	link, err := i.bus.Bind(address)
	if err != nil {
		return nil, rerrors.TransportError{Op: "bind", Err: err}
	}
	t := NewTransport(link, i.opts...)
	t.lock = i.lock
	return t, nil
}

func (i *Interface) Close() error {
	return i.bus.Close()
}

// Transport runs the framed request/response protocol on one link.
type Transport struct {
	link   i2cbus.Link
	lock   *sync.Mutex
	config Config

	now   func() time.Time
	sleep func(time.Duration)
}

func NewTransport(link i2cbus.Link, opts ...Option) *Transport {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Transport{
		link:   link,
		lock:   new(sync.Mutex),
		config: cfg,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (t *Transport) SendCommand(cmd uint8, payload []byte) (Response, error) {
	return t.SendCommandDelayed(cmd, payload, 0)
}

// SendCommandDelayed sends cmd and polls with GetResult while the MCU reports
// Pending, sleeping pollDelay between polls. It blocks until the bus lock is
// free.
func (t *Transport) SendCommandDelayed(cmd uint8, payload []byte, pollDelay time.Duration) (resp Response, err error) {
	start, err := EncodeCommand(OpStart, cmd, payload)
	if err != nil {
		return resp, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	var getResult []byte
	var header ResponseHeader

	for {
		header, err = t.exchange(start)
		if err != nil {
			return resp, err
		}

		if header.Status == StatusPending {
			if getResult == nil {
				getResult, _ = EncodeCommand(OpGetResult, cmd, nil)
			}
			for header.Status == StatusPending {
				if pollDelay > 0 {
					t.sleep(pollDelay)
				}
				header, err = t.exchange(getResult)
				if err != nil {
					return resp, err
				}
			}
		}

		if header.Status != StatusCommandIntegrityError {
			break
		}
		t.config.Logger.Debug().Uint8("command", cmd).Msg("command integrity error, resending")
	}

	resp.Status = header.Status
	if header.Status == StatusTimeout || header.PayloadLength == 0 {
		return resp, nil
	}

	resp.Payload, err = t.readPayload(header)
	return resp, err
}

// exchange writes a frame and returns the first non-busy header.
func (t *Transport) exchange(frame []byte) (header ResponseHeader, err error) {
	if err = t.link.Write(frame); err != nil {
		return header, rerrors.TransportError{Op: "write", Err: err}
	}

	deadline := t.now().Add(t.config.BusyTimeout)
	for {
		header, err = t.readHeader()
		if err != nil {
			return header, err
		}
		if header.Status != StatusBusy {
			return header, nil
		}
		if t.now().After(deadline) {
			t.config.Logger.Warn().Dur("timeout", t.config.BusyTimeout).Msg("mcu stayed busy")
			header.Status = StatusTimeout
			return header, nil
		}
	}
}

func (t *Transport) readHeader() (header ResponseHeader, err error) {
	for i := 0; i < t.config.HeaderRetries; i++ {
		var raw []byte
		raw, err = t.link.Read(ResponseHeaderSize)
		if err != nil {
			return header, rerrors.TransportError{Op: "read header", Err: err}
		}

		header, err = DecodeResponseHeader(raw)
		if err == nil {
			return header, nil
		}
	}

	return header, rerrors.TransportError{Op: "read header", Err: ErrBrokenPipe}
}

// readPayload re-reads the whole response until the header is unchanged and
// the payload CRC matches. Reads do not consume the response on the MCU.
func (t *Transport) readPayload(header ResponseHeader) ([]byte, error) {
	n := ResponseHeaderSize + int(header.PayloadLength)
	for i := 0; i < t.config.PayloadRetries; i++ {
		raw, err := t.link.Read(n)
		if err != nil {
			return nil, rerrors.TransportError{Op: "read payload", Err: err}
		}

		if !header.Matches(raw) {
			continue
		}
		payload := raw[ResponseHeaderSize:]
		if header.ValidatePayload(payload) {
			return payload, nil
		}
	}

	return nil, rerrors.TransportError{Op: "read payload", Err: ErrBrokenPipe}
}
