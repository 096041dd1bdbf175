package bakery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// ThirdPartyInfo holds information on a given third party discharge
// service, as returned by a ThirdPartyLocator.
type ThirdPartyInfo struct {
	// PublicKey holds the public key of the third party.
	PublicKey PublicKey

	// Version holds the latest bakery protocol version supported
	// by the discharger.
	Version Version
}

// ThirdPartyLocator is used to find information on third parties
// when adding third party caveats to a macaroon.
type ThirdPartyLocator interface {
	// ThirdPartyInfo returns information on the third party at
	// the given location. It returns ErrNotFound if no match is
	// found.
	ThirdPartyInfo(ctx context.Context, loc string) (ThirdPartyInfo, error)
}

type emptyLocator struct{}

// ThirdPartyInfo implements ThirdPartyLocator by always returning
// ErrNotFound.
func (emptyLocator) ThirdPartyInfo(ctx context.Context, loc string) (ThirdPartyInfo, error) {
	return ThirdPartyInfo{}, ErrNotFound
}

// ThirdPartyStore is a simple in-memory implementation of
// ThirdPartyLocator keyed by exact location string.
type ThirdPartyStore struct {
	mu   sync.Mutex
	info map[string]ThirdPartyInfo
}

// NewThirdPartyStore returns a new, empty ThirdPartyStore.
func NewThirdPartyStore() *ThirdPartyStore {
	return &ThirdPartyStore{
		info: make(map[string]ThirdPartyInfo),
	}
}

// AddInfo records the third party info to be returned for the given
// location, overwriting any previous entry.
func (s *ThirdPartyStore) AddInfo(location string, info ThirdPartyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[location] = info
}

// ThirdPartyInfo implements ThirdPartyLocator.ThirdPartyInfo.
func (s *ThirdPartyStore) ThirdPartyInfo(ctx context.Context, loc string) (ThirdPartyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.info[loc]
	if !ok {
		return ThirdPartyInfo{}, ErrNotFound
	}
	return info, nil
}

// ThirdPartyCaveatInfo holds the information decoded from a third
// party caveat id.
type ThirdPartyCaveatInfo struct {
	// Condition holds the third party condition to be discharged.
	// This is the only field that most third party dischargers will
	// need to consider.
	Condition []byte

	// FirstPartyPublicKey holds the public key of the party that
	// created the third party caveat.
	FirstPartyPublicKey PublicKey

	// ThirdPartyKeyPair holds the key pair used to decrypt the
	// caveat - the key pair of the discharging service.
	ThirdPartyKeyPair KeyPair

	// RootKey holds the secret root key encoded by the caveat.
	RootKey []byte

	// Caveat holds the full encoded caveat, from which all the
	// other fields are derived.
	Caveat []byte

	// Version holds the version that was used to encode the
	// caveat id.
	Version Version

	// Namespace holds the namespace of the first party that
	// created the caveat, as encoded in the caveat (version 3 and
	// later) or implied by the version (earlier versions).
	Namespace *checkers.Namespace
}

// ThirdPartyCaveatChecker is used to check third party caveats for
// validity. If the caveat is valid, it returns a nil error and
// optionally a slice of extra caveats that will be added to the
// discharge macaroon.
//
// If the caveat kind was not recognised, the checker should return an
// error with a checkers.ErrCaveatNotRecognized cause.
type ThirdPartyCaveatChecker interface {
	CheckThirdPartyCaveat(ctx context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error)
}

// ThirdPartyCaveatCheckerFunc implements ThirdPartyCaveatChecker by
// calling the given function.
type ThirdPartyCaveatCheckerFunc func(ctx context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error)

// CheckThirdPartyCaveat implements ThirdPartyCaveatChecker.
func (c ThirdPartyCaveatCheckerFunc) CheckThirdPartyCaveat(ctx context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error) {
	return c(ctx, info)
}

// LocalThirdPartyCaveat returns a third-party caveat that, when added
// to a macaroon with AddCaveat, results in a caveat with the location
// "local", encrypted with the given public key. This can be
// automatically discharged by DischargeAllWithKey.
func LocalThirdPartyCaveat(key *PublicKey, version Version) checkers.Caveat {
	var loc string
	if version < Version2 {
		loc = "local " + key.String()
	} else {
		loc = fmt.Sprintf("local %d %s", version, key)
	}
	return checkers.Caveat{
		Location: loc,
	}
}

// parseLocalLocation parses a local caveat location as generated by
// LocalThirdPartyCaveat. This is of the form:
//
//	local <version> <pubkey>
//
// where <version> is the bakery version of the client that we're
// adding the local caveat for.
//
// It returns false if the location does not represent a local
// caveat location.
func parseLocalLocation(loc string) (ThirdPartyInfo, bool) {
	if !strings.HasPrefix(loc, "local ") {
		return ThirdPartyInfo{}, false
	}
	version := Version1
	fields := strings.Fields(loc)
	fields = fields[1:] // Skip "local"
	switch len(fields) {
	case 2:
		v, err := strconv.Atoi(fields[0])
		if err != nil {
			return ThirdPartyInfo{}, false
		}
		version = Version(v)
		fields = fields[1:]
		fallthrough
	case 1:
		var key PublicKey
		if err := key.UnmarshalText([]byte(fields[0])); err != nil {
			return ThirdPartyInfo{}, false
		}
		return ThirdPartyInfo{
			PublicKey: key,
			Version:   version,
		}, true
	default:
		return ThirdPartyInfo{}, false
	}
}
