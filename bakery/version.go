package bakery

import "gopkg.in/macaroon.v2"

// Version represents a version of the bakery protocol.
type Version int

const (
	// Version0 is the version historically used when discharge-required
	// errors used HTTP status 407 and caveat ids were plain JSON.
	Version0 Version = 0
	// Version1 switched discharge-required errors to HTTP status 401.
	Version1 Version = 1
	// Version2 added support for binary macaroons and binary caveat ids.
	Version2 Version = 2
	// Version3 added namespace support and external third party
	// caveat payload storage.
	Version3 Version = 3

	// LatestVersion holds the most recent version of the bakery
	// protocol known by this package.
	LatestVersion = Version3
)

// MacaroonVersion returns the macaroon-library version that should be
// used to create a macaroon with the given bakery version.
func MacaroonVersion(v Version) macaroon.Version {
	if v < Version2 {
		return macaroon.V1
	}
	return macaroon.V2
}
