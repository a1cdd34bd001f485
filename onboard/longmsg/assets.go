package longmsg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const hashFile = ".hash"

// AssetExtractor unpacks AssetData messages into a directory.
type AssetExtractor struct {
	dir string
	log zerolog.Logger
}

func NewAssetExtractor(dir string, log zerolog.Logger) *AssetExtractor {
	return &AssetExtractor{dir: dir, log: log}
}

func (a *AssetExtractor) Dir() string {
	return a.dir
}

// Current returns the md5 of the last extracted message.
func (a *AssetExtractor) Current() string {
	raw, err := os.ReadFile(filepath.Join(a.dir, hashFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ExtractIfChanged extracts m unless the directory already holds it.
func (a *AssetExtractor) ExtractIfChanged(m Message) error {
	if a.Current() == m.MD5 {
		a.log.Debug().Str("md5", m.MD5).Msg("assets up to date")
		return nil
	}
	return a.Extract(m)
}

// Extract replaces the directory with the gzipped tarball in m and records
// its md5. The tarball is unpacked next to the directory first so a broken
// archive leaves the old assets in place.
func (a *AssetExtractor) Extract(m Message) error {
	staging := a.dir + ".new"
	if err := os.RemoveAll(staging); err != nil {
		return errors.Wrap(err, "clear staging directory")
	}
	if err := untar(m.Data, staging); err != nil {
		os.RemoveAll(staging)
		return errors.Wrap(err, "extract assets")
	}
	if err := os.WriteFile(filepath.Join(staging, hashFile), []byte(m.MD5), 0644); err != nil {
		os.RemoveAll(staging)
		return errors.Wrap(err, "write asset hash")
	}

	if err := os.RemoveAll(a.dir); err != nil {
		return errors.Wrap(err, "remove old assets")
	}
	if err := os.Rename(staging, a.dir); err != nil {
		return errors.Wrap(err, "install assets")
	}

	a.log.Info().Str("md5", m.MD5).Str("dir", a.dir).Msg("assets extracted")
	return nil
}

func untar(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.Clean("/"+hdr.Name))
		if target == filepath.Clean(dest) {
			continue
		}
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return errors.Errorf("archive entry %q escapes the asset directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
}
