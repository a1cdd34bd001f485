package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
)

func behavesLikeStorage(s Storage) {
	Convey("missing names are not found", func() {
		_, err := s.Read("nope")
		So(errors.Cause(err), ShouldEqual, ErrNotFound)
		_, err = s.ReadMetadata("nope")
		So(errors.Cause(err), ShouldEqual, ErrNotFound)
	})

	Convey("written data reads back with metadata", func() {
		So(s.Write("2", []byte("framework"), ""), ShouldBeNil)

		data, err := s.Read("2")
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "framework")

		meta, err := s.ReadMetadata("2")
		So(err, ShouldBeNil)
		So(meta.Length, ShouldEqual, 9)
		So(meta.MD5, ShouldEqual, Checksum([]byte("framework")))

		Convey("and can be deleted", func() {
			So(s.Delete("2"), ShouldBeNil)
			_, err := s.Read("2")
			So(errors.Cause(err), ShouldEqual, ErrNotFound)
		})
	})

	Convey("a wrong checksum is an integrity error on read", func() {
		So(s.Write("5", []byte("assets"), Checksum([]byte("other"))), ShouldBeNil)
		_, err := s.Read("5")
		_, ok := err.(rerrors.IntegrityError)
		So(ok, ShouldBeTrue)
	})
}

func TestMemoryStorage(t *testing.T) {
	Convey("memory storage", t, func() {
		behavesLikeStorage(NewMemoryStorage())
	})
}

func TestFileStorage(t *testing.T) {
	Convey("file storage", t, func() {
		dir, err := os.MkdirTemp("", "storage")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		s, err := NewFileStorage(filepath.Join(dir, "ble"), zerolog.Nop())
		So(err, ShouldBeNil)
		behavesLikeStorage(s)

		Convey("truncated data files fail verification", func() {
			So(s.Write("1", []byte("firmware"), ""), ShouldBeNil)
			So(os.WriteFile(filepath.Join(dir, "ble", "1.data"), []byte("firm"), 0644), ShouldBeNil)
			_, err := s.Read("1")
			_, ok := err.(rerrors.IntegrityError)
			So(ok, ShouldBeTrue)
		})
	})
}

func TestBoltStorage(t *testing.T) {
	Convey("bolt storage", t, func() {
		dir, err := os.MkdirTemp("", "storage")
		So(err, ShouldBeNil)

		s, err := OpenBoltStorage(filepath.Join(dir, "revvy.db"))
		So(err, ShouldBeNil)
		Reset(func() {
			s.Close()
			os.RemoveAll(dir)
		})

		behavesLikeStorage(s)
	})
}
