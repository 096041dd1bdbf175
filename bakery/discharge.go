package bakery

import (
	"context"
	"fmt"
	"strings"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// DischargeParams holds the parameters for a Discharge call.
type DischargeParams struct {
	// Id holds the id of the third party caveat to be discharged,
	// as found in the macaroon that requires discharge.
	Id []byte

	// Caveat holds the external caveat data, if any, associated
	// with Id. This is empty unless the macaroon that required the
	// discharge held its caveat data externally (bakery version 3
	// and later).
	Caveat []byte

	// Key holds the key of the discharging service.
	Key *KeyPair

	// Checker is used to check the third party condition and
	// return any additional first or third party caveats to add to
	// the discharge macaroon.
	Checker ThirdPartyCaveatChecker

	// Locator is used to find out information on third parties
	// referred to by caveats returned by the checker.
	Locator ThirdPartyLocator
}

// Discharge creates a macaroon that discharges the third party caveat
// identified by p.Id (and, for later bakery versions, p.Caveat). The
// condition implicit in the caveat id is checked for validity using
// p.Checker. If it is valid, the returned macaroon discharges the
// caveat, with any additional caveats returned by the checker added to
// it.
//
// The returned macaroon is created with a version derived from the
// version that was used to encode the caveat id.
func Discharge(ctx context.Context, p DischargeParams) (*Macaroon, error) {
	caveatBytes := p.Caveat
	if len(caveatBytes) == 0 {
		// The macaroon that needs discharging didn't store its
		// caveat data externally, so the id itself holds the
		// encoded caveat.
		caveatBytes = p.Id
	}
	cavInfo, err := decodeCaveat(p.Key, caveatBytes)
	if err != nil {
		return nil, errgo.Notef(err, "discharger cannot decode caveat id")
	}
	// Note that we don't check the error - we allow the third party
	// checker to see even caveats that we can't understand.
	cond, arg, _ := checkers.ParseCaveat(string(cavInfo.Condition))

	var caveats []checkers.Caveat
	if cond == checkers.CondNeedDeclared {
		cavInfo.Condition = []byte(arg)
		caveats, err = checkNeedDeclared(ctx, cavInfo, p.Checker)
	} else {
		caveats, err = p.Checker.CheckThirdPartyCaveat(ctx, cavInfo)
	}
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	// Note that the discharge macaroon does not need to be stored
	// persistently. Indeed, it would be a problem if we did,
	// because then the macaroon could potentially be used for
	// normal authorization with the third party.
	m, err := NewMacaroon(cavInfo.RootKey, p.Id, "", cavInfo.Version, cavInfo.Namespace)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	for _, cav := range caveats {
		if err := m.AddCaveat(ctx, cav, p.Key, p.Locator); err != nil {
			return nil, errgo.Notef(err, "cannot add caveat")
		}
	}
	return m, nil
}

func checkNeedDeclared(ctx context.Context, cavInfo *ThirdPartyCaveatInfo, checker ThirdPartyCaveatChecker) ([]checkers.Caveat, error) {
	arg := string(cavInfo.Condition)
	i := strings.Index(arg, " ")
	if i <= 0 {
		return nil, errgo.Newf("need-declared caveat requires an argument, got %q", arg)
	}
	needDeclared := strings.Split(arg[0:i], ",")
	for _, d := range needDeclared {
		if d == "" {
			return nil, errgo.New("need-declared caveat with empty required attribute")
		}
	}
	cavInfo.Condition = []byte(arg[i+1:])
	caveats, err := checker.CheckThirdPartyCaveat(ctx, cavInfo)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	declared := make(map[string]bool)
	for _, cav := range caveats {
		if cav.Location != "" {
			continue
		}
		// Note that we ignore the error. We allow the checker to
		// generate caveats that we don't understand here.
		cond, arg, _ := checkers.ParseCaveat(cav.Condition)
		if cond != checkers.CondDeclared {
			continue
		}
		parts := strings.SplitN(arg, " ", 2)
		if len(parts) != 2 {
			return nil, errgo.Newf("declared caveat has no value")
		}
		declared[parts[0]] = true
	}
	// Add empty declarations for everything mentioned in
	// need-declared that was not actually declared.
	for _, d := range needDeclared {
		if !declared[d] {
			caveats = append(caveats, checkers.DeclaredCaveat(d, ""))
		}
	}
	return caveats, nil
}

// DischargeAll gathers discharge macaroons for all the third party
// caveats in m (and any subsequent caveats required by those) using
// getDischarge to acquire each discharge macaroon. It returns a slice
// with m as the first element, followed by all the discharge macaroons.
// All the discharge macaroons will be bound to the primary macaroon.
//
// The getDischarge function is passed the caveat to be discharged;
// encryptedCaveat will be passed the external caveat payload found
// in m, if any.
func DischargeAll(
	ctx context.Context,
	m *Macaroon,
	getDischarge func(ctx context.Context, cav macaroon.Caveat, encryptedCaveat []byte) (*Macaroon, error),
) (macaroon.Slice, error) {
	return DischargeAllWithKey(ctx, m, getDischarge, nil)
}

// DischargeAllWithKey is like DischargeAll except that the localKey
// parameter may optionally hold the key of the client, in which case it
// will be used to discharge any third party caveats with the special
// location "local". In this case, the caveat itself must be "true". This
// can be used be a server to ask a client to prove ownership of the
// private key.
//
// When localKey is nil, DischargeAllWithKey is exactly the same as
// DischargeAll.
func DischargeAllWithKey(
	ctx context.Context,
	m *Macaroon,
	getDischarge func(ctx context.Context, cav macaroon.Caveat, encodedCaveat []byte) (*Macaroon, error),
	localKey *KeyPair,
) (macaroon.Slice, error) {
	primary := m.M()
	discharges := macaroon.Slice{primary}

	type needCaveat struct {
		// cav holds the caveat that needs discharge.
		cav macaroon.Caveat
		// encryptedCaveat holds encrypted caveat
		// if it was held externally.
		encryptedCaveat []byte
	}
	var need []needCaveat
	addCaveats := func(m *Macaroon) {
		for _, cav := range m.M().Caveats() {
			if cav.Location == "" {
				continue
			}
			need = append(need, needCaveat{
				cav:             cav,
				encryptedCaveat: m.caveatData[string(cav.Id)],
			})
		}
	}
	sig := primary.Signature()
	addCaveats(m)
	for len(need) > 0 {
		cav := need[0]
		need = need[1:]
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
			return nil, errgo.NoteMask(err, fmt.Sprintf("cannot get discharge from %q", cav.cav.Location), errgo.Any)
		}
		// It doesn't matter that we're invalidating dm here because we're
		// about to throw it away.
		discharge := dm.M()
		discharge.Bind(sig)
		discharges = append(discharges, discharge)
		addCaveats(dm)
	}
	return discharges, nil
}

var localDischargeChecker = ThirdPartyCaveatCheckerFunc(func(_ context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error) {
	if string(info.Condition) != "true" {
		return nil, checkers.ErrCaveatNotRecognized
	}
	return nil, nil
})
