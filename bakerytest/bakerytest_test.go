package bakerytest_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
	"github.com/hashlock/macaroon-bakery/bakerytest"
	"github.com/hashlock/macaroon-bakery/httpbakery"
)

var (
	ages        = time.Now().Add(time.Hour)
	dischargeOp = bakery.Op{Entity: "thirdparty", Action: "x"}
)

func mustGenerateKey(c *qt.C) *bakery.KeyPair {
	key, err := bakery.GenerateKey()
	c.Assert(err, qt.IsNil)
	return key
}

func TestDischargerSimple(t *testing.T) {
	c := qt.New(t)
	d := bakerytest.NewDischarger(nil)
	defer d.Close()

	b := bakery.New(bakery.BakeryParams{
		Location: "here",
		Locator:  d,
		Key:      mustGenerateKey(c),
	})
	m, err := b.Oven.NewMacaroon(context.Background(), bakery.LatestVersion, []checkers.Caveat{
		checkers.TimeBeforeCaveat(ages),
		{
			Location:  d.Location(),
			Condition: "something",
		},
	}, dischargeOp)
	c.Assert(err, qt.IsNil)

	client := httpbakery.NewClient()
	ms, err := client.DischargeAll(context.Background(), m)
	c.Assert(err, qt.IsNil)
	c.Assert(ms, qt.HasLen, 2)

	_, err = b.Checker.Auth(ms).Allow(context.Background(), dischargeOp)
	c.Assert(err, qt.IsNil)
}

func TestDischargerTwoLevels(t *testing.T) {
	c := qt.New(t)
	d1checker := func(cond, arg string) ([]checkers.Caveat, error) {
		if cond != "xtrue" {
			return nil, fmt.Errorf("caveat refused")
		}
		return nil, nil
	}
	d1 := bakerytest.NewDischarger(nil)
	d1.Checker = bakerytest.ConditionParser(d1checker)
	defer d1.Close()

	d2checker := func(cond, arg string) ([]checkers.Caveat, error) {
		return []checkers.Caveat{{
			Location:  d1.Location(),
			Condition: "x" + cond,
		}}, nil
	}
	d2 := bakerytest.NewDischarger(d1)
	d2.Checker = bakerytest.ConditionParser(d2checker)
	defer d2.Close()

	locator := bakery.NewThirdPartyStore()
	locator.AddInfo(d1.Location(), bakery.ThirdPartyInfo{
		PublicKey: d1.Key.Public,
		Version:   bakery.LatestVersion,
	})
	locator.AddInfo(d2.Location(), bakery.ThirdPartyInfo{
		PublicKey: d2.Key.Public,
		Version:   bakery.LatestVersion,
	})
	b := bakery.New(bakery.BakeryParams{
		Location: "here",
		Locator:  locator,
		Key:      mustGenerateKey(c),
	})
	m, err := b.Oven.NewMacaroon(context.Background(), bakery.LatestVersion, []checkers.Caveat{
		checkers.TimeBeforeCaveat(ages),
		{
			Location:  d2.Location(),
			Condition: "true",
		},
	}, dischargeOp)
	c.Assert(err, qt.IsNil)

	client := httpbakery.NewClient()
	ms, err := client.DischargeAll(context.Background(), m)
	c.Assert(err, qt.IsNil)
	c.Assert(ms, qt.HasLen, 3)

	_, err = b.Checker.Auth(ms).Allow(context.Background(), dischargeOp)
	c.Assert(err, qt.IsNil)

	err = b.Oven.AddCaveat(context.Background(), m, checkers.Caveat{
		Location:  d2.Location(),
		Condition: "nope",
	})
	c.Assert(err, qt.IsNil)

	_, err = client.DischargeAll(context.Background(), m)
	c.Assert(err, qt.ErrorMatches, `cannot get discharge from "https://[^"]*": third party refused discharge.*caveat refused`)
}

func TestInsecureSkipVerifyRestoration(t *testing.T) {
	c := qt.New(t)
	d1 := bakerytest.NewDischarger(nil)
	d2 := bakerytest.NewDischarger(nil)
	d2.Close()
	c.Assert(http.DefaultTransport.(*http.Transport).TLSClientConfig.InsecureSkipVerify, qt.Equals, true)
	d1.Close()
	c.Assert(http.DefaultTransport.(*http.Transport).TLSClientConfig.InsecureSkipVerify, qt.Equals, false)

	// When InsecureSkipVerify is already true, it should not
	// be restored to false.
	http.DefaultTransport.(*http.Transport).TLSClientConfig.InsecureSkipVerify = true
	d3 := bakerytest.NewDischarger(nil)
	d3.Close()

	c.Assert(http.DefaultTransport.(*http.Transport).TLSClientConfig.InsecureSkipVerify, qt.Equals, true)
}

func TestConcurrentDischargers(t *testing.T) {
	c := qt.New(t)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			d := bakerytest.NewDischarger(nil)
			d.Close()
			wg.Done()
		}()
	}
	wg.Wait()
	c.Assert(http.DefaultTransport.(*http.Transport).TLSClientConfig.InsecureSkipVerify, qt.Equals, false)
}

// rendezvousInteractor completes a discharge by waiting on the
// discharge id advertised in the interaction-required error, standing
// in for a real browser round trip.
type rendezvousInteractor struct {
	rv *bakerytest.Rendezvous
}

func (rendezvousInteractor) Kind() string {
	return "rendezvous-test"
}

func (i rendezvousInteractor) Interact(ctx context.Context, client *httpbakery.Client, location string, irErr *httpbakery.Error) (*httpbakery.DischargeToken, error) {
	var p struct {
		DischargeId string
	}
	if err := irErr.InteractionMethod(i.Kind(), &p); err != nil {
		return nil, err
	}
	return i.rv.DischargeToken(p.DischargeId), nil
}

func TestInteractiveDischarger(t *testing.T) {
	c := qt.New(t)
	rv := bakerytest.NewRendezvous()
	d := bakerytest.NewDischarger(nil)
	defer d.Close()
	d.Checker = httpbakery.ThirdPartyCaveatCheckerFunc(
		func(ctx context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *httpbakery.DischargeToken) ([]checkers.Caveat, error) {
			if token != nil {
				return rv.CheckToken(token, info)
			}
			dischargeId := rv.NewDischarge(info)
			rv.DischargeComplete(dischargeId, []checkers.Caveat{{
				Condition: "test pass",
			}})
			err := httpbakery.NewInteractionRequiredError(nil, req)
			err.SetInteraction("rendezvous-test", struct{ DischargeId string }{dischargeId})
			return nil, err
		},
	)

	var r recordingChecker
	b := bakery.New(bakery.BakeryParams{
		Location: "here",
		Locator:  d,
		Checker:  &r,
		Key:      mustGenerateKey(c),
	})
	m, err := b.Oven.NewMacaroon(context.Background(), bakery.LatestVersion, []checkers.Caveat{
		checkers.TimeBeforeCaveat(ages),
		{
			Location:  d.Location(),
			Condition: "something",
		},
	}, dischargeOp)
	c.Assert(err, qt.IsNil)

	client := httpbakery.NewClient()
	client.AddInteractor(rendezvousInteractor{rv: rv})
	ms, err := client.DischargeAll(context.Background(), m)
	c.Assert(err, qt.IsNil)
	c.Assert(ms, qt.HasLen, 2)

	_, err = b.Checker.Auth(ms).Allow(context.Background(), dischargeOp)
	c.Assert(err, qt.IsNil)
	// First caveat is the time-before caveat added by NewMacaroon.
	// Second is the one added by the discharger above.
	c.Assert(r.caveats, qt.HasLen, 2)
	c.Assert(r.caveats[1], qt.Equals, "test pass")
}

type recordingChecker struct {
	caveats []string
}

func (c *recordingChecker) CheckFirstPartyCaveat(ctx context.Context, caveat string) error {
	c.caveats = append(c.caveats, caveat)
	return nil
}

func (c *recordingChecker) Namespace() *checkers.Namespace {
	return nil
}
