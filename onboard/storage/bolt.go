package storage

import (
	"github.com/asdine/storm/v3"
	"github.com/pkg/errors"
)

type blob struct {
	Name   string `storm:"id"`
	MD5    string
	Length int
	Data   []byte
}

// BoltStorage keeps blobs in a bolt database, one storm record per name.
type BoltStorage struct {
	db *storm.DB
}

func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	if err := db.Init(&blob{}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init blob bucket")
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Write(name string, data []byte, md5hex string) error {
	if md5hex == "" {
		md5hex = Checksum(data)
	}
	b := &blob{Name: name, MD5: md5hex, Length: len(data), Data: data}
	return errors.Wrapf(s.db.Save(b), "write %s", name)
}

func (s *BoltStorage) load(name string) (b blob, err error) {
	err = s.db.One("Name", name, &b)
	if err == storm.ErrNotFound {
		return b, errors.Wrap(ErrNotFound, name)
	}
	return b, errors.Wrapf(err, "read %s", name)
}

func (s *BoltStorage) Read(name string) ([]byte, error) {
	b, err := s.load(name)
	if err != nil {
		return nil, err
	}
	if err := verify(name, b.Data, Metadata{MD5: b.MD5, Length: b.Length}); err != nil {
		return nil, err
	}
	return b.Data, nil
}

func (s *BoltStorage) ReadMetadata(name string) (Metadata, error) {
	b, err := s.load(name)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{MD5: b.MD5, Length: b.Length}, nil
}

func (s *BoltStorage) Delete(name string) error {
	err := s.db.DeleteStruct(&blob{Name: name})
	if err == storm.ErrNotFound {
		return nil
	}
	return errors.Wrapf(err, "delete %s", name)
}
