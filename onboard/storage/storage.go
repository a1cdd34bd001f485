package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
)

var ErrNotFound = errors.New("not found in storage")

// Metadata is stored next to every blob.
type Metadata struct {
	MD5    string `json:"md5"`
	Length int    `json:"length"`
}

// Storage is a flat key/value store of checksummed blobs.
type Storage interface {
	// Write stores data under name. An empty md5 is computed from data;
	// a given one is stored as is.
	Write(name string, data []byte, md5hex string) error
	// Read returns the blob after checking it against its metadata.
	Read(name string) ([]byte, error)
	ReadMetadata(name string) (Metadata, error)
	Delete(name string) error
}

func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func verify(name string, data []byte, meta Metadata) error {
	if len(data) != meta.Length {
		return rerrors.IntegrityError{What: name, Expected: sizeString(meta.Length), Actual: sizeString(len(data))}
	}
	if sum := Checksum(data); sum != meta.MD5 {
		return rerrors.IntegrityError{What: name, Expected: meta.MD5, Actual: sum}
	}
	return nil
}

func sizeString(n int) string {
	return strconv.Itoa(n) + " bytes"
}

// MemoryStorage keeps blobs for the lifetime of the process.
type MemoryStorage struct {
	lock  sync.RWMutex
	data  map[string][]byte
	metas map[string]Metadata
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data:  make(map[string][]byte),
		metas: make(map[string]Metadata),
	}
}

func (s *MemoryStorage) Write(name string, data []byte, md5hex string) error {
	if md5hex == "" {
		md5hex = Checksum(data)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.data[name] = buf
	s.metas[name] = Metadata{MD5: md5hex, Length: len(data)}
	return nil
}

func (s *MemoryStorage) Read(name string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	data, ok := s.data[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	if err := verify(name, data, s.metas[name]); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MemoryStorage) ReadMetadata(name string) (Metadata, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	meta, ok := s.metas[name]
	if !ok {
		return meta, errors.Wrap(ErrNotFound, name)
	}
	return meta, nil
}

func (s *MemoryStorage) Delete(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.data, name)
	delete(s.metas, name)
	return nil
}

// FileStorage keeps <name>.data and <name>.meta files in a directory.
type FileStorage struct {
	dir string
	log zerolog.Logger
}

func NewFileStorage(dir string, log zerolog.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create storage directory %s", dir)
	}
	return &FileStorage{dir: dir, log: log}, nil
}

func (s *FileStorage) path(name, ext string) string {
	return filepath.Join(s.dir, name+ext)
}

func (s *FileStorage) Write(name string, data []byte, md5hex string) error {
	if md5hex == "" {
		md5hex = Checksum(data)
	}
	meta, err := json.Marshal(Metadata{MD5: md5hex, Length: len(data)})
	if err != nil {
		return err
	}

	if err := writeFileAtomic(s.path(name, ".data"), data); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	if err := writeFileAtomic(s.path(name, ".meta"), meta); err != nil {
		return errors.Wrapf(err, "write %s metadata", name)
	}

	s.log.Debug().Str("name", name).Int("length", len(data)).Msg("stored")
	return nil
}

func (s *FileStorage) Read(name string) ([]byte, error) {
	meta, err := s.ReadMetadata(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(name, ".data"))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, name)
	} else if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}

	if err := verify(name, data, meta); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStorage) ReadMetadata(name string) (meta Metadata, err error) {
	raw, err := os.ReadFile(s.path(name, ".meta"))
	if os.IsNotExist(err) {
		return meta, errors.Wrap(ErrNotFound, name)
	} else if err != nil {
		return meta, errors.Wrapf(err, "read %s metadata", name)
	}

	if err = json.Unmarshal(raw, &meta); err != nil {
		return meta, errors.Wrapf(err, "decode %s metadata", name)
	}
	return meta, nil
}

func (s *FileStorage) Delete(name string) error {
	for _, ext := range []string{".meta", ".data"} {
		if err := os.Remove(s.path(name, ext)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "delete %s", name)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
