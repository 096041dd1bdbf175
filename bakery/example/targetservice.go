package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	errgo "gopkg.in/errgo.v1"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
	"github.com/hashlock/macaroon-bakery/httpbakery"
)

type targetServiceHandler struct {
	oven         *bakery.Oven
	checker      *bakery.Checker
	authEndpoint string
}

// targetService implements a "target service", representing
// an arbitrary web service that wants to delegate authorization
// to third parties.
func targetService(endpoint, authEndpoint string, authPK *bakery.PublicKey) (http.Handler, error) {
	key, err := bakery.GenerateKey()
	if err != nil {
		return nil, err
	}
	cache := bakery.NewThirdPartyStore()
	cache.AddInfo(authEndpoint, bakery.ThirdPartyInfo{
		PublicKey: *authPK,
		Version:   bakery.LatestVersion,
	})
	locator := httpbakery.NewThirdPartyLocator(nil, cache)
	locator.AllowInsecure()
	oven := bakery.NewOven(bakery.OvenParams{
		Key:      key,
		Location: endpoint,
		Locator:  locator,
	})
	checker := bakery.NewChecker(bakery.CheckerParams{
		MacaroonOpStore: oven,
	})
	mux := http.NewServeMux()
	srv := &targetServiceHandler{
		oven:         oven,
		checker:      checker,
		authEndpoint: authEndpoint,
	}
	mux.HandleFunc("/gold/", srv.serveGold)
	mux.HandleFunc("/silver/", srv.serveSilver)
	return mux, nil
}

var goldOp = bakery.Op{Entity: "treasure", Action: "gold"}
var silverOp = bakery.Op{Entity: "treasure", Action: "silver"}

func (srv *targetServiceHandler) serveGold(w http.ResponseWriter, req *http.Request) {
	if err := srv.authorize(req, goldOp); err != nil {
		srv.writeError(w, req, goldOp, err)
		return
	}
	fmt.Fprintf(w, "all is golden")
}

func (srv *targetServiceHandler) serveSilver(w http.ResponseWriter, req *http.Request) {
	if err := srv.authorize(req, silverOp); err != nil {
		srv.writeError(w, req, silverOp, err)
		return
	}
	fmt.Fprintf(w, "every cloud has a silver lining")
}

func (srv *targetServiceHandler) authorize(req *http.Request, op bakery.Op) error {
	ctx := context.Background()
	ms := httpbakery.RequestMacaroons(req)
	_, err := srv.checker.Auth(ms...).Allow(ctx, op)
	return err
}

// writeError writes an error to w in response to req. If the error was
// generated because of a required macaroon that the client does not
// have, we mint a macaroon that, when discharged, will grant the client
// the right to execute the given operation.
//
// The logic in this function is crucial to the security of the service
// - it must determine for a given operation what caveats to attach.
func (srv *targetServiceHandler) writeError(w http.ResponseWriter, req *http.Request, op bakery.Op, verr error) {
	fail := func(code int, msg string, args ...interface{}) {
		if code == http.StatusInternalServerError {
			msg = "internal error: " + msg
		}
		http.Error(w, fmt.Sprintf(msg, args...), code)
	}

	if !bakery.IsDischargeRequiredError(verr) {
		fail(http.StatusForbidden, "%v", verr)
		return
	}

	// Work out what caveats we need to apply for the given operation.
	// Could special-case the operation here if desired.
	caveats := []checkers.Caveat{
		checkers.TimeBeforeCaveat(time.Now().Add(5 * time.Minute)),
		{
			Location:  srv.authEndpoint,
			Condition: "access-allowed",
		},
	}
	m, err := srv.oven.NewMacaroon(req.Context(), httpbakery.RequestVersion(req), caveats, op)
	if err != nil {
		fail(http.StatusInternalServerError, "cannot mint macaroon: %v", errgo.Mask(err))
		return
	}
	httpbakery.WriteError(req.Context(), w, httpbakery.NewDischargeRequiredError(m, "", verr, req))
}
