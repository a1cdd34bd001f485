package longmsg

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"hash"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/CodedInternet/gorevvy/onboard/observable"
	"github.com/CodedInternet/gorevvy/onboard/storage"
)

var (
	ErrNoTypeSelected = errors.New("no long message type selected")
	ErrNotUploading   = errors.New("no upload in progress")
	ErrInvalidType    = errors.New("invalid long message type")
)

type state int

const (
	stateIdle state = iota
	stateRead
	stateWrite
	stateInvalid
)

type Status uint8

const (
	StatusUnused Status = iota
	StatusUpload
	StatusReady
	StatusValidationError
)

func (s Status) String() string {
	return [...]string{"Unused", "Upload", "Ready", "ValidationError"}[s]
}

// ReadStatus is what the mobile reads back after selecting a type.
type ReadStatus struct {
	Status Status
	MD5    []byte
	Length uint32
}

// Encode gives a single byte for Unused and ValidationError and
// [status, md5[16], length u32 big endian] otherwise.
func (r ReadStatus) Encode() []byte {
	if r.Status == StatusUnused || r.Status == StatusValidationError {
		return []byte{byte(r.Status)}
	}
	raw := make([]byte, 1+md5.Size+4)
	raw[0] = byte(r.Status)
	copy(raw[1:1+md5.Size], r.MD5)
	binary.BigEndian.PutUint32(raw[1+md5.Size:], r.Length)
	return raw
}

type Event int

const (
	EventUploadStarted Event = iota
	EventUploadProgress
	EventUploadFinished
	EventMessageUpdated
)

// Progress is the payload of EventUploadProgress.
type Progress struct {
	Type     Type
	Received int
	Expected int
}

// upload is a message being written.
type upload struct {
	md5      []byte
	expected int
	received int
	data     bytes.Buffer
	hash     hash.Hash
}

// Handler implements the long message state machine. Events are emitted
// after the handler lock is released.
type Handler struct {
	*observable.Emitter[Event]

	lock     sync.Mutex
	store    *Store
	state    state
	selected Type
	current  *upload
	log      zerolog.Logger
}

func NewHandler(store *Store, log zerolog.Logger) *Handler {
	return &Handler{
		Emitter: observable.NewEmitter[Event](),
		store:   store,
		log:     log,
	}
}

// SelectType switches to t, abandoning any unfinished upload.
func (h *Handler) SelectType(t Type) error {
	if !t.Valid() {
		return errors.Wrapf(ErrInvalidType, "type %d", t)
	}

	h.lock.Lock()
	interrupted := h.state == stateWrite
	previous := h.selected
	h.state = stateRead
	h.selected = t
	h.current = nil
	h.lock.Unlock()

	if interrupted {
		h.log.Info().Stringer("type", previous).Msg("upload abandoned")
		h.Emit(EventUploadFinished, previous)
	}
	return nil
}

// InitTransfer starts an upload of the selected type. expected is the chunk
// count, 0 when unknown.
func (h *Handler) InitTransfer(digest []byte, expected int) error {
	if len(digest) != md5.Size {
		return errors.Errorf("md5 must be %d bytes, got %d", md5.Size, len(digest))
	}

	h.lock.Lock()
	if h.state == stateIdle {
		h.lock.Unlock()
		return ErrNoTypeSelected
	}
	h.state = stateWrite
	h.current = &upload{
		md5:      append([]byte{}, digest...),
		expected: expected,
		hash:     md5.New(),
	}
	t := h.selected
	h.lock.Unlock()

	h.log.Info().Stringer("type", t).Str("md5", BytesToHex(digest)).Int("chunks", expected).Msg("upload started")
	h.Emit(EventUploadStarted, t)
	return nil
}

func (h *Handler) UploadMessage(chunk []byte) error {
	h.lock.Lock()
	if h.state != stateWrite {
		h.lock.Unlock()
		return ErrNotUploading
	}
	u := h.current
	u.data.Write(chunk)
	u.hash.Write(chunk)
	u.received++
	progress := Progress{Type: h.selected, Received: u.received, Expected: u.expected}
	h.lock.Unlock()

	h.Emit(EventUploadProgress, progress)
	return nil
}

// Finalize completes the upload. A valid message is stored and announced;
// an invalid one moves the handler to the validation error state. With no
// upload in progress the stored message is announced again.
func (h *Handler) Finalize() error {
	h.lock.Lock()
	switch h.state {
	case stateRead:
		t := h.selected
		h.lock.Unlock()

		msg, err := h.store.Load(t)
		if err != nil {
			return errors.Wrapf(err, "finalize %s", t)
		}
		h.Emit(EventMessageUpdated, msg)
		return nil

	case stateWrite:
		u := h.current
		t := h.selected
		valid := (u.expected == 0 || u.received == u.expected) && bytes.Equal(u.hash.Sum(nil), u.md5)
		h.current = nil
		if !valid {
			h.state = stateInvalid
			h.lock.Unlock()

			h.log.Warn().Stringer("type", t).Int("received", u.received).Int("expected", u.expected).Msg("upload failed validation")
			h.Emit(EventUploadFinished, t)
			return nil
		}

		msg := Message{Type: t, MD5: BytesToHex(u.md5), Data: u.data.Bytes()}
		if err := h.store.Save(msg); err != nil {
			h.state = stateInvalid
			h.lock.Unlock()
			h.Emit(EventUploadFinished, t)
			return errors.Wrapf(err, "store %s", t)
		}
		h.state = stateRead
		h.lock.Unlock()

		h.log.Info().Stringer("type", t).Int("length", len(msg.Data)).Msg("upload finished")
		h.Emit(EventUploadFinished, t)
		h.Emit(EventMessageUpdated, msg)
		return nil
	}

	h.lock.Unlock()
	return ErrNotUploading
}

// ReadStatus reports on the selected type.
func (h *Handler) ReadStatus() (rs ReadStatus, err error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	switch h.state {
	case stateIdle:
		rs.Status = StatusUnused
		return rs, nil
	case stateInvalid:
		rs.Status = StatusValidationError
		return rs, nil
	case stateWrite:
		rs.Status = StatusUpload
		rs.MD5 = h.current.md5
		rs.Length = uint32(h.current.data.Len())
		return rs, nil
	}

	meta, err := h.store.Metadata(h.selected)
	if errors.Is(err, storage.ErrNotFound) {
		rs.Status = StatusUnused
		return rs, nil
	}
	if err != nil {
		return rs, errors.Wrapf(err, "read %s metadata", h.selected)
	}
	digest, err := HexToBytes(meta.MD5)
	if err != nil {
		return rs, errors.Wrapf(err, "stored %s digest", h.selected)
	}
	rs.Status = StatusReady
	rs.MD5 = digest
	rs.Length = uint32(meta.Length)
	return rs, nil
}

// Message returns the stored message of type t.
func (h *Handler) Message(t Type) (Message, error) {
	return h.store.Load(t)
}
