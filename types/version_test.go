package types //nolint:revive // types is a valid package name

import (
	"regexp"
	"testing"
)

var semver = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.]+)?$`)

func TestVersions(t *testing.T) {
	if !semver.MatchString(Version) {
		t.Errorf("Version %q is not semver", Version)
	}
	// Capture files written by any release must stay decodable.
	if CaptureFormatVersion < 1 {
		t.Errorf("CaptureFormatVersion = %d, want >= 1", CaptureFormatVersion)
	}
}
