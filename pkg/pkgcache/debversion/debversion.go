// Package debversion orders package versions the way dpkg does.
package debversion

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"pault.ag/go/debian/version"
)

// Label is the version system name recorded in caches.
const Label = "Standard .deb"

// System compares Debian versions. Versions of equal precedence are
// ordered by architecture preference.
type System struct {
	archs []string
}

// New returns a System preferring archs in the given order. The first
// entry is normally the native architecture.
func New(archs ...string) *System {
	return &System{archs: archs}
}

func (s *System) Label() string { return Label }

// Architectures returns the preference list.
func (s *System) Architectures() []string { return s.archs }

// CmpVersion compares a and b by dpkg rules.
func (s *System) CmpVersion(a, b string) int {
	if a == b {
		return 0
	}
	return sign(version.Compare(parse(a), parse(b)))
}

// CmpVersionArch compares by version, then by architecture preference,
// then by architecture name so that distinct architectures never tie.
func (s *System) CmpVersionArch(aVer, aArch, bVer, bArch string) int {
	if r := s.CmpVersion(aVer, bVer); r != 0 {
		return r
	}
	if aArch == bArch {
		return 0
	}
	sa, sb := s.score(aArch), s.score(bArch)
	switch {
	case sa > sb:
		return 1
	case sa < sb:
		return -1
	}
	return strings.Compare(bArch, aArch)
}

// OptionsHash fingerprints the architecture preference list.
func (s *System) OptionsHash() uint64 {
	return xxhash.Sum64String(Label + "\x00" + strings.Join(s.archs, ","))
}

// score ranks listed architectures by position, then "all", then
// everything else.
func (s *System) score(arch string) int {
	for i, a := range s.archs {
		if a == arch {
			return len(s.archs) - i + 1
		}
	}
	if arch == "all" {
		return 1
	}
	return 0
}

func parse(s string) version.Version {
	v, err := version.Parse(s)
	if err != nil {
		return version.Version{Version: s}
	}
	return v
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
