package longmsg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/gorevvy/onboard/storage"
)

func createTestHandler() (h *Handler, persistent, transient *storage.MemoryStorage) {
	persistent = storage.NewMemoryStorage()
	transient = storage.NewMemoryStorage()
	h = NewHandler(NewStore(persistent, transient), zerolog.Nop())
	return
}

func digest(chunks ...[]byte) []byte {
	sum := md5.Sum(bytes.Join(chunks, nil))
	return sum[:]
}

func TestHandler(t *testing.T) {
	Convey("a valid upload becomes ready", t, func() {
		h, persistent, _ := createTestHandler()
		var events []Event
		var updated Message
		for _, e := range []Event{EventUploadStarted, EventUploadProgress, EventUploadFinished, EventMessageUpdated} {
			e := e
			h.On(e, func(data interface{}) {
				events = append(events, e)
				if m, ok := data.(Message); ok {
					updated = m
				}
			})
		}

		chunks := [][]byte{[]byte("abc"), []byte("defg"), []byte("hi")}
		So(h.SelectType(FrameworkData), ShouldBeNil)
		So(h.InitTransfer(digest(chunks...), 3), ShouldBeNil)
		for _, c := range chunks {
			So(h.UploadMessage(c), ShouldBeNil)
		}

		rs, err := h.ReadStatus()
		So(err, ShouldBeNil)
		So(rs.Status, ShouldEqual, StatusUpload)

		So(h.Finalize(), ShouldBeNil)

		rs, err = h.ReadStatus()
		So(err, ShouldBeNil)
		So(rs.Status, ShouldEqual, StatusReady)
		So(rs.Length, ShouldEqual, 9)
		So(rs.MD5, ShouldResemble, digest(chunks...))

		So(events, ShouldResemble, []Event{
			EventUploadStarted,
			EventUploadProgress, EventUploadProgress, EventUploadProgress,
			EventUploadFinished, EventMessageUpdated,
		})
		So(string(updated.Data), ShouldEqual, "abcdefghi")

		_, err = persistent.Read("2")
		So(err, ShouldBeNil)

		msg, err := h.Message(FrameworkData)
		So(err, ShouldBeNil)
		So(string(msg.Data), ShouldEqual, "abcdefghi")

		Convey("finalizing again announces the stored message", func() {
			updated = Message{}
			So(h.Finalize(), ShouldBeNil)
			So(string(updated.Data), ShouldEqual, "abcdefghi")
		})
	})

	Convey("configuration goes to transient storage", t, func() {
		h, persistent, transient := createTestHandler()
		data := []byte(`{"robotConfig":{}}`)
		So(h.SelectType(ConfigurationData), ShouldBeNil)
		So(h.InitTransfer(digest(data), 0), ShouldBeNil)
		So(h.UploadMessage(data), ShouldBeNil)
		So(h.Finalize(), ShouldBeNil)

		_, err := transient.Read("3")
		So(err, ShouldBeNil)
		_, err = persistent.Read("3")
		So(err, ShouldNotBeNil)
	})

	Convey("a checksum mismatch is a validation error", t, func() {
		h, _, _ := createTestHandler()
		So(h.SelectType(FirmwareData), ShouldBeNil)
		So(h.InitTransfer(digest([]byte("expected")), 0), ShouldBeNil)
		So(h.UploadMessage([]byte("actual")), ShouldBeNil)
		So(h.Finalize(), ShouldBeNil)

		rs, _ := h.ReadStatus()
		So(rs.Status, ShouldEqual, StatusValidationError)
		So(rs.Encode(), ShouldResemble, []byte{3})
	})

	Convey("a missing chunk is a validation error", t, func() {
		h, _, _ := createTestHandler()
		So(h.SelectType(FirmwareData), ShouldBeNil)
		So(h.InitTransfer(digest([]byte("ab")), 2), ShouldBeNil)
		So(h.UploadMessage([]byte("ab")), ShouldBeNil)
		So(h.Finalize(), ShouldBeNil)

		rs, _ := h.ReadStatus()
		So(rs.Status, ShouldEqual, StatusValidationError)
	})

	Convey("operations out of order fail", t, func() {
		h, _, _ := createTestHandler()
		So(h.InitTransfer(make([]byte, 16), 0), ShouldEqual, ErrNoTypeSelected)
		So(h.UploadMessage([]byte("x")), ShouldEqual, ErrNotUploading)
		So(h.Finalize(), ShouldEqual, ErrNotUploading)
		So(h.SelectType(9), ShouldNotBeNil)

		So(h.SelectType(AssetData), ShouldBeNil)
		rs, err := h.ReadStatus()
		So(err, ShouldBeNil)
		So(rs.Status, ShouldEqual, StatusUnused)
	})

	Convey("nothing selected reads as unused", t, func() {
		h, _, _ := createTestHandler()
		rs, err := h.ReadStatus()
		So(err, ShouldBeNil)
		So(rs.Status, ShouldEqual, StatusUnused)
		So(rs.Encode(), ShouldResemble, []byte{0})
	})

	Convey("broken stored metadata is reported", t, func() {
		h, persistent, transient := createTestHandler()
		So(persistent.Write(AssetData.key(), []byte("x"), "not-hex"), ShouldBeNil)
		So(transient.Write(AssetData.key(), []byte("x"), "not-hex"), ShouldBeNil)

		So(h.SelectType(AssetData), ShouldBeNil)
		_, err := h.ReadStatus()
		So(err, ShouldNotBeNil)
	})

	Convey("selecting another type abandons the upload", t, func() {
		h, _, _ := createTestHandler()
		var finished []Type
		h.On(EventUploadFinished, func(data interface{}) {
			finished = append(finished, data.(Type))
		})

		So(h.SelectType(FrameworkData), ShouldBeNil)
		So(h.InitTransfer(make([]byte, 16), 0), ShouldBeNil)
		So(h.SelectType(AssetData), ShouldBeNil)
		So(finished, ShouldResemble, []Type{FrameworkData})
		So(h.UploadMessage([]byte("x")), ShouldEqual, ErrNotUploading)
	})
}

func TestReadStatusEncoding(t *testing.T) {
	Convey("ready status carries md5 and big endian length", t, func() {
		rs := ReadStatus{Status: StatusReady, MD5: bytes.Repeat([]byte{0xAB}, 16), Length: 0x01020304}
		raw := rs.Encode()
		So(len(raw), ShouldEqual, 21)
		So(raw[0], ShouldEqual, byte(StatusReady))
		So(binary.BigEndian.Uint32(raw[17:]), ShouldEqual, 0x01020304)
		So(ReadStatus{Status: StatusUnused}.Encode(), ShouldResemble, []byte{0})
	})

	Convey("hex digests round trip", t, func() {
		d := digest([]byte("revvy"))
		back, err := HexToBytes(BytesToHex(d))
		So(err, ShouldBeNil)
		So(back, ShouldResemble, d)
	})
}

func buildTarball(files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestAssetExtractor(t *testing.T) {
	Convey("assets are extracted and recorded", t, func() {
		dir, err := os.MkdirTemp("", "assets")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		assetDir := filepath.Join(dir, "assets")
		a := NewAssetExtractor(assetDir, zerolog.Nop())
		data := buildTarball(map[string]string{"sounds/horn.mp3": "honk"})
		msg := Message{Type: AssetData, MD5: BytesToHex(digest(data)), Data: data}

		So(a.Extract(msg), ShouldBeNil)
		body, err := os.ReadFile(filepath.Join(assetDir, "sounds", "horn.mp3"))
		So(err, ShouldBeNil)
		So(string(body), ShouldEqual, "honk")
		So(a.Current(), ShouldEqual, msg.MD5)

		Convey("unchanged assets are not extracted again", func() {
			So(os.Remove(filepath.Join(assetDir, "sounds", "horn.mp3")), ShouldBeNil)
			So(a.ExtractIfChanged(msg), ShouldBeNil)
			_, err := os.Stat(filepath.Join(assetDir, "sounds", "horn.mp3"))
			So(os.IsNotExist(err), ShouldBeTrue)
		})

		Convey("a broken archive keeps the old assets", func() {
			bad := Message{Type: AssetData, MD5: "00", Data: []byte("not a tarball")}
			So(a.Extract(bad), ShouldNotBeNil)
			So(a.Current(), ShouldEqual, msg.MD5)
		})
	})
}
