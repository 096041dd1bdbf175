package bakery

import (
	"bytes"
	"context"
	"encoding/json"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// Macaroon wraps a macaroon.v2 macaroon, associating it with the
// bakery protocol version it was minted with, the namespace used to
// resolve its first party caveat conditions, and (for version 3 and
// later) the external caveat data referred to by its third party
// caveat ids.
type Macaroon struct {
	m       *macaroon.Macaroon
	version Version
	ns      *checkers.Namespace

	// caveatIdPrefix, when non-empty, is prepended to every
	// generated third party caveat id, so that the ids remain short
	// even after many rounds of delegation.
	caveatIdPrefix []byte

	// caveatData holds, for version 3 and later macaroons, the full
	// encrypted third party caveat keyed by the short caveat id
	// actually stored in the underlying macaroon.
	caveatData map[string][]byte
}

// NewMacaroon creates a new macaroon with the given root key, id and
// location, using the given bakery version, and associates it with ns
// (which may be nil, meaning an empty namespace).
func NewMacaroon(rootKey, id []byte, loc string, version Version, ns *checkers.Namespace) (*Macaroon, error) {
	m, err := macaroon.New(rootKey, id, loc, MacaroonVersion(version))
	if err != nil {
		return nil, errgo.Mask(err)
	}
	return &Macaroon{
		m:          m,
		version:    version,
		ns:         ns,
		caveatData: make(map[string][]byte),
	}, nil
}

// M returns the underlying macaroon.
func (m *Macaroon) M() *macaroon.Macaroon {
	return m.m
}

// Version returns the bakery protocol version that the macaroon was
// minted with.
func (m *Macaroon) Version() Version {
	return m.version
}

// Namespace returns the namespace associated with the macaroon, used
// to resolve the schema prefixes of any first party caveats added to
// it.
func (m *Macaroon) Namespace() *checkers.Namespace {
	return m.ns
}

// Clone returns an independent copy of the macaroon.
func (m *Macaroon) Clone() *Macaroon {
	m1 := *m
	m1.m = m.m.Clone()
	m1.caveatData = make(map[string][]byte, len(m.caveatData))
	for k, v := range m.caveatData {
		m1.caveatData[k] = v
	}
	return &m1
}

// usesExternalCaveatData reports whether third party caveat ids added
// to the macaroon should be stored externally in caveatData rather
// than inline in the macaroon itself.
func (m *Macaroon) usesExternalCaveatData() bool {
	return m.version >= Version3
}

// AddCaveat adds a caveat to the macaroon.
//
// If it's a third party caveat, key and loc are used to encrypt it for
// the third party addressed by cav.Location, looking up the relevant
// public key with loc (key and loc may be nil for a first party
// caveat).
//
// As a special case, if cav.Location has the prefix "local " the
// caveat is added as a client self-discharge caveat using the public
// key base64-encoded in the rest of the location, as created by
// LocalThirdPartyCaveat.
func (m *Macaroon) AddCaveat(ctx context.Context, cav checkers.Caveat, key *KeyPair, loc ThirdPartyLocator) error {
	if cav.Location == "" {
		resolved := m.ns.ResolveCaveat(cav)
		if err := m.m.AddFirstPartyCaveat([]byte(resolved.Condition)); err != nil {
			return errgo.Mask(err)
		}
		return nil
	}
	var info ThirdPartyInfo
	if localInfo, ok := parseLocalLocation(cav.Location); ok {
		info = localInfo
		cav.Location = "local"
		if cav.Condition != "" {
			return errgo.New("cannot specify caveat condition in local third-party caveat")
		}
		cav.Condition = "true"
	} else {
		if loc == nil {
			return errgo.Newf("no locator available to find public key for location %q", cav.Location)
		}
		var err error
		info, err = loc.ThirdPartyInfo(ctx, cav.Location)
		if err != nil {
			return errgo.Notef(err, "cannot find public key for location %q", cav.Location)
		}
	}
	rootKey, err := randomBytes(24)
	if err != nil {
		return errgo.Notef(err, "cannot generate third party secret")
	}
	if m.m.Version() < macaroon.V2 && info.Version >= Version2 {
		// We can't use later versions of caveat ids in earlier macaroons.
		info.Version = Version1
	}
	encoded, err := encodeCaveat(cav.Condition, rootKey, info, key, m.ns)
	if err != nil {
		return errgo.Notef(err, "cannot create third party caveat id at %q", cav.Location)
	}
	id := encoded
	if m.usesExternalCaveatData() {
		id = m.newCaveatId(m.caveatIdPrefix)
		m.caveatData[string(id)] = encoded
	}
	if err := m.m.AddThirdPartyCaveat(rootKey, id, cav.Location); err != nil {
		return errgo.Notef(err, "cannot add third party caveat")
	}
	return nil
}

// newCaveatId returns a new small caveat id to use for an externally
// stored third party caveat, built from base (or, if base is empty,
// from the macaroon's protocol version) followed by one byte holding
// the number of third party caveats whose id already has that form.
func (m *Macaroon) newCaveatId(base []byte) []byte {
	prefix := base
	if len(prefix) == 0 {
		prefix = []byte{byte(m.version)}
	}
	n := 0
	for _, cav := range m.m.Caveats() {
		if cav.VerificationId == nil {
			continue
		}
		if len(cav.Id) == len(prefix)+1 && bytes.HasPrefix(cav.Id, prefix) {
			n++
		}
	}
	id := make([]byte, 0, len(prefix)+1)
	id = append(id, prefix...)
	id = append(id, byte(n))
	return id
}

// macaroonJSON defines the JSON form of a version 3 (or later)
// Macaroon.
type macaroonJSON struct {
	Macaroon   *macaroon.Macaroon  `json:"m"`
	Version    Version             `json:"v"`
	Namespace  *checkers.Namespace `json:"ns,omitempty"`
	CaveatData map[string][]byte   `json:"cdata,omitempty"`
}

// MarshalJSON implements json.Marshaler. For bakery versions earlier
// than Version3, it marshals exactly as the underlying macaroon would
// (so that the result may also be unmarshaled directly as a
// *macaroon.Macaroon); namespace and external caveat data did not
// exist at those versions and are not retained. Version3 and later
// macaroons are marshaled in a wrapper that also carries the version,
// namespace and external caveat data.
func (m *Macaroon) MarshalJSON() ([]byte, error) {
	if m.version < Version3 {
		data, err := m.m.MarshalJSON()
		if err != nil {
			return nil, errgo.Mask(err)
		}
		return data, nil
	}
	data, err := json.Marshal(macaroonJSON{
		Macaroon:   m.m,
		Version:    m.version,
		Namespace:  m.ns,
		CaveatData: m.caveatData,
	})
	if err != nil {
		return nil, errgo.Mask(err)
	}
	return data, nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting both the
// wrapped form produced for Version3 and later macaroons and the bare
// macaroon.v2 form produced for earlier versions.
func (m *Macaroon) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errgo.Mask(err)
	}
	if _, ok := fields["m"]; !ok {
		var m0 macaroon.Macaroon
		if err := json.Unmarshal(data, &m0); err != nil {
			return errgo.Mask(err)
		}
		version := Version2
		if m0.Version() == macaroon.V1 {
			version = Version1
		}
		*m = Macaroon{
			m:          &m0,
			version:    version,
			ns:         legacyNamespace(),
			caveatData: make(map[string][]byte),
		}
		return nil
	}
	var wrapped macaroonJSON
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return errgo.Mask(err)
	}
	if wrapped.Version > LatestVersion {
		return errgo.Newf("unexpected bakery macaroon version; got %d want %d", wrapped.Version, LatestVersion)
	}
	wantMacVersion := MacaroonVersion(wrapped.Version)
	if wrapped.Macaroon.Version() != wantMacVersion {
		return errgo.Newf("underlying macaroon has inconsistent version; got %d want %d", wrapped.Macaroon.Version()+1, wantMacVersion+1)
	}
	ns := wrapped.Namespace
	if ns == nil {
		ns = checkers.NewNamespace(nil)
	}
	caveatData := wrapped.CaveatData
	if caveatData == nil {
		caveatData = make(map[string][]byte)
	}
	*m = Macaroon{
		m:          wrapped.Macaroon,
		version:    wrapped.Version,
		ns:         ns,
		caveatData: caveatData,
	}
	return nil
}
