package bakery

import (
	"context"
	"time"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// Slice holds a set of macaroons, the first of which is considered
// the primary macaroon that's being authorized, with the rest being
// discharge macaroons for its (and each other's) third party caveats.
//
// Unlike macaroon.Slice, a Slice may hold a partial set of discharges
// - DischargeAll can be called repeatedly on a Slice to incrementally
// gather the discharges it's still missing.
type Slice []*Macaroon

// Bind returns the macaroons in s in a form suitable for sending in a
// request: the primary macaroon unchanged and the rest bound to its
// signature.
func (s Slice) Bind() macaroon.Slice {
	if len(s) == 0 {
		return nil
	}
	sig := s[0].M().Signature()
	ms := make(macaroon.Slice, len(s))
	ms[0] = s[0].M()
	for i, m := range s[1:] {
		bound := m.M().Clone()
		bound.Bind(sig)
		ms[i+1] = bound
	}
	return ms
}

// Purge returns a copy of s with all macaroons that have expired by
// now removed. If the primary macaroon has expired, the result is
// empty, since none of the discharges are useful without it.
func (s Slice) Purge(now time.Time) Slice {
	if len(s) == 0 || isExpired(s[0], now) {
		return nil
	}
	purged := make(Slice, 0, len(s))
	purged = append(purged, s[0])
	for _, m := range s[1:] {
		if !isExpired(m, now) {
			purged = append(purged, m)
		}
	}
	return purged
}

func isExpired(m *Macaroon, now time.Time) bool {
	for _, cav := range m.M().Caveats() {
		if cav.Location != "" {
			continue
		}
		cond, arg, err := checkers.ParseCaveat(string(cav.Id))
		if err != nil || cond != checkers.CondTimeBefore {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			continue
		}
		if !now.Before(t) {
			return true
		}
	}
	return false
}

// DischargeAll attempts to acquire discharge macaroons for every third
// party caveat reachable from s that is not already discharged by a
// macaroon present in s, using getDischarge to do so (falling back to
// a local discharge, as in DischargeAllWithKey, when localKey is not
// nil).
//
// Unlike the package-level DischargeAll, it gathers as many discharges
// as it can: on failure it returns every discharge macaroon it managed
// to acquire, along with the first error encountered, so that the
// returned Slice can be passed back into DischargeAll later to retry
// only the caveats that are still outstanding.
func (s Slice) DischargeAll(
	ctx context.Context,
	getDischarge func(ctx context.Context, cav macaroon.Caveat, encryptedCaveat []byte) (*Macaroon, error),
	localKey *KeyPair,
) (Slice, error) {
	if len(s) == 0 {
		return nil, errgo.New("cannot discharge empty macaroon slice")
	}
	have := make(map[string]bool)
	for _, m := range s {
		have[string(m.M().Id())] = true
	}
	type needCaveat struct {
		cav             macaroon.Caveat
		encryptedCaveat []byte
	}
	var need []needCaveat
	addCaveats := func(m *Macaroon) {
		for _, cav := range m.M().Caveats() {
			if cav.Location == "" || have[string(cav.Id)] {
				continue
			}
			need = append(need, needCaveat{
				cav:             cav,
				encryptedCaveat: m.caveatData[string(cav.Id)],
			})
		}
	}
	result := make(Slice, len(s))
	copy(result, s)
	for _, m := range s {
		addCaveats(m)
	}
	var firstErr error
	for len(need) > 0 {
		cav := need[0]
		need = need[1:]
		if have[string(cav.cav.Id)] {
			continue
		}
		var dm *Macaroon
		var err error
		if localKey != nil && cav.cav.Location == "local" {
			dm, err = Discharge(ctx, DischargeParams{
				Key:     localKey,
				Checker: localDischargeChecker,
				Caveat:  cav.encryptedCaveat,
				Id:      cav.cav.Id,
				Locator: emptyLocator{},
			})
		} else {
			dm, err = getDischarge(ctx, cav.cav, cav.encryptedCaveat)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = errgo.Notef(err, "cannot get discharge from %q", cav.cav.Location)
			}
			continue
		}
		have[string(cav.cav.Id)] = true
		result = append(result, dm)
		addCaveats(dm)
	}
	return result, firstErr
}
