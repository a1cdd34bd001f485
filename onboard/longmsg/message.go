package longmsg

import (
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CodedInternet/gorevvy/onboard/storage"
)

type Type uint8

const (
	FirmwareData      Type = 1
	FrameworkData     Type = 2
	ConfigurationData Type = 3
	TestKit           Type = 4
	AssetData         Type = 5
)

func (t Type) Valid() bool {
	return t >= FirmwareData && t <= AssetData
}

// Persistent messages survive a restart.
func (t Type) Persistent() bool {
	return t == FirmwareData || t == FrameworkData || t == AssetData
}

func (t Type) String() string {
	switch t {
	case FirmwareData:
		return "FirmwareData"
	case FrameworkData:
		return "FrameworkData"
	case ConfigurationData:
		return "ConfigurationData"
	case TestKit:
		return "TestKit"
	case AssetData:
		return "AssetData"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// key is the storage name of a message type.
func (t Type) key() string {
	return strconv.Itoa(int(t))
}

// Message is a completely received long message.
type Message struct {
	Type Type
	MD5  string
	Data []byte
}

// BytesToHex and HexToBytes convert between the 16 byte md5 sent over BLE
// and the hex digest kept in storage.
func BytesToHex(digest []byte) string {
	return hex.EncodeToString(digest)
}

func HexToBytes(digest string) ([]byte, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid digest %q", digest)
	}
	return raw, nil
}

// Store routes each message type to persistent or transient storage.
type Store struct {
	persistent storage.Storage
	transient  storage.Storage
}

func NewStore(persistent, transient storage.Storage) *Store {
	return &Store{persistent: persistent, transient: transient}
}

func (s *Store) storage(t Type) storage.Storage {
	if t.Persistent() {
		return s.persistent
	}
	return s.transient
}

func (s *Store) Save(m Message) error {
	return s.storage(m.Type).Write(m.Type.key(), m.Data, m.MD5)
}

func (s *Store) Load(t Type) (m Message, err error) {
	st := s.storage(t)
	meta, err := st.ReadMetadata(t.key())
	if err != nil {
		return
	}
	data, err := st.Read(t.key())
	if err != nil {
		return
	}
	return Message{Type: t, MD5: meta.MD5, Data: data}, nil
}

func (s *Store) Metadata(t Type) (storage.Metadata, error) {
	return s.storage(t).ReadMetadata(t.key())
}
