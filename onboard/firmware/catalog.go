package firmware

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	rerrors "github.com/CodedInternet/gorevvy/onboard/errors"
	"github.com/CodedInternet/gorevvy/onboard/hardware"
)

const CatalogFile = "catalog.json"

// Entry describes the image bundled for one hardware version.
type Entry struct {
	Version  string `json:"version"`
	Filename string `json:"filename"`
	MD5      string `json:"md5"`
	Length   int    `json:"length"`
}

// Image is a verified firmware binary.
type Image struct {
	Version hardware.Version
	Data    []byte
	CRC32   uint32
}

// Catalog maps hardware version strings to bundled images.
type Catalog struct {
	dir     string
	entries map[string]Entry
}

func LoadCatalog(dir string) (*Catalog, error) {
	raw, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	if os.IsNotExist(err) {
		return &Catalog{dir: dir, entries: map[string]Entry{}}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read firmware catalog")
	}

	c := &Catalog{dir: dir}
	if err := json.Unmarshal(raw, &c.entries); err != nil {
		return nil, errors.Wrap(err, "decode firmware catalog")
	}
	return c, nil
}

func NewCatalog(dir string, entries map[string]Entry) *Catalog {
	return &Catalog{dir: dir, entries: entries}
}

// Lookup finds the entry for a hardware version, comparing versions
// semantically so "1.0" matches "1.0.0".
func (c *Catalog) Lookup(hw hardware.Version) (Entry, bool) {
	if e, ok := c.entries[hw.String()]; ok {
		return e, true
	}
	for key, e := range c.entries {
		v, err := hardware.ParseVersion(key)
		if err == nil && v.Equal(hw) {
			return e, true
		}
	}
	return Entry{}, false
}

// Load reads and verifies the image of an entry.
func (c *Catalog) Load(e Entry) (img Image, err error) {
	img.Version, err = hardware.ParseVersion(e.Version)
	if err != nil {
		return img, errors.Wrap(err, "catalog entry version")
	}

	img.Data, err = os.ReadFile(filepath.Join(c.dir, e.Filename))
	if err != nil {
		return img, errors.Wrapf(err, "read firmware image %s", e.Filename)
	}

	if len(img.Data) != e.Length {
		return img, rerrors.IntegrityError{
			What:     e.Filename,
			Expected: strconv.Itoa(e.Length) + " bytes",
			Actual:   strconv.Itoa(len(img.Data)) + " bytes",
		}
	}
	sum := md5.Sum(img.Data)
	if actual := hex.EncodeToString(sum[:]); actual != e.MD5 {
		return img, rerrors.IntegrityError{What: e.Filename, Expected: e.MD5, Actual: actual}
	}

	img.CRC32 = crc32.ChecksumIEEE(img.Data)
	return img, nil
}
