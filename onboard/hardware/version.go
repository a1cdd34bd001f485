package hardware

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?$`)

// Version is a MAJOR.MINOR[.REV][-BRANCH] version as reported by the MCU
// or written into a firmware catalog.
type Version struct {
	*semver.Version
}

func ParseVersion(s string) (v Version, err error) {
	s = strings.TrimRight(s, "\x00 \r\n")
	if !versionPattern.MatchString(s) {
		return v, errors.Errorf("invalid version %q", s)
	}

	sv, err := semver.NewVersion(s)
	if err != nil {
		return v, errors.Wrapf(err, "invalid version %q", s)
	}
	return Version{sv}, nil
}

func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) IsZero() bool {
	return v.Version == nil
}

// String keeps the text the version was parsed from.
func (v Version) String() string {
	if v.Version == nil {
		return ""
	}
	return v.Original()
}

func (v Version) Equal(o Version) bool {
	if v.Version == nil || o.Version == nil {
		return v.Version == o.Version
	}
	return v.Version.Equal(o.Version)
}

func (v Version) LessThan(o Version) bool {
	if v.Version == nil || o.Version == nil {
		return v.Version == nil && o.Version != nil
	}
	return v.Version.LessThan(o.Version)
}

// Satisfies checks the version against a constraint such as "~0.1".
func (v Version) Satisfies(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(err, "invalid constraint %q", constraint)
	}
	if v.Version == nil {
		return false, nil
	}
	return c.Check(v.Version), nil
}
