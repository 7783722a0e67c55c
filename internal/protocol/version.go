package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// EnvelopeVersion is the envelope version this daemon emits.
const EnvelopeVersion = 1

var supportedEnvelopes = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(raw string) *semver.Constraints {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// CheckEnvelopeVersion reports whether a peer envelope version is within the
// supported major range.
func CheckEnvelopeVersion(v uint64) error {
	ver := semver.New(v, 0, 0, "", "")
	if !supportedEnvelopes.Check(ver) {
		return fmt.Errorf("%w: %s (want %s)", ErrUnsupportedVersion, ver, supportedEnvelopes)
	}
	return nil
}
