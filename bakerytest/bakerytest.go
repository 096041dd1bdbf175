// Package bakerytest provides test helper functions for
// the bakery.
package bakerytest

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/julienschmidt/httprouter"
	"gopkg.in/httprequest.v1"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
	"github.com/hashlock/macaroon-bakery/httpbakery"
)

// NoCaveatChecker is a third party caveat checker that
// always allows any caveat and adds no third party caveats.
var NoCaveatChecker = httpbakery.ThirdPartyCaveatCheckerFunc(func(ctx context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *httpbakery.DischargeToken) ([]checkers.Caveat, error) {
	return nil, nil
})

// Discharger is a third-party caveat discharger suitable for testing.
// It listens on a local network port for discharge requests. It
// should be shut down by calling Close when done with.
//
// Checker may be set at any time to change the third party caveat
// checker used by the discharger; if it is nil, NoCaveatChecker is
// used.
type Discharger struct {
	Key     *bakery.KeyPair
	Locator bakery.ThirdPartyLocator
	Checker httpbakery.ThirdPartyCaveatChecker

	// Mux holds the ServeMux used to serve the discharger's HTTP
	// endpoints. Additional handlers may be registered on it with
	// AddHTTPHandlers.
	Mux *http.ServeMux

	server *httptest.Server
}

var skipVerify struct {
	mu            sync.Mutex
	refCount      int
	oldSkipVerify bool
}

func startSkipVerify() {
	v := &skipVerify
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refCount++; v.refCount > 1 {
		return
	}
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return
	}
	if transport.TLSClientConfig != nil {
		v.oldSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		transport.TLSClientConfig.InsecureSkipVerify = true
	} else {
		v.oldSkipVerify = false
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
}

func stopSkipVerify() {
	v := &skipVerify
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refCount--; v.refCount > 0 {
		return
	}
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return
	}
	// Technically this doesn't return us to the original state, as
	// TLSClientConfig may have been nil before but won't be now, but
	// that should be equivalent.
	transport.TLSClientConfig.InsecureSkipVerify = v.oldSkipVerify
}

// NewDischarger returns a new third party caveat discharger that
// discharges caveats unconditionally (see NoCaveatChecker). Set the
// Checker field to change that behavior.
//
// If locator is non-nil, it will be used to find public keys for any
// third party caveats returned by the checker.
//
// Calling this function has the side-effect of setting
// InsecureSkipVerify in http.DefaultTransport.TLSClientConfig until
// all the dischargers are closed.
func NewDischarger(locator bakery.ThirdPartyLocator) *Discharger {
	key, err := bakery.GenerateKey()
	if err != nil {
		panic(err)
	}
	d := &Discharger{
		Key:     key,
		Locator: locator,
		Mux:     http.NewServeMux(),
	}
	bd := httpbakery.NewDischarger(httpbakery.DischargerParams{
		Key:     key,
		Locator: locator,
		Checker: httpbakery.ThirdPartyCaveatCheckerFunc(d.checkThirdPartyCaveat),
	})
	bd.AddMuxHandlers(d.Mux, "/")
	d.server = httptest.NewTLSServer(d.Mux)
	startSkipVerify()
	return d
}

func (d *Discharger) checkThirdPartyCaveat(ctx context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *httpbakery.DischargeToken) ([]checkers.Caveat, error) {
	checker := d.Checker
	if checker == nil {
		checker = NoCaveatChecker
	}
	return checker.CheckThirdPartyCaveat(ctx, req, info, token)
}

// AddHTTPHandlers registers the given handlers on the discharger's
// HTTP mux, alongside the standard discharge endpoints. Handlers that
// share a path but differ by method (for example a GET and a POST on
// the same login URL) are dispatched from a single mux registration,
// since http.ServeMux keys only on pattern.
func (d *Discharger) AddHTTPHandlers(handlers []httprequest.Handler) {
	byPath := make(map[string]map[string]httprouter.Handle)
	for _, h := range handlers {
		methods := byPath[h.Path]
		if methods == nil {
			methods = make(map[string]httprouter.Handle)
			byPath[h.Path] = methods
		}
		methods[h.Method] = h.Handle
	}
	for path, methods := range byPath {
		methods := methods
		d.Mux.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			handle, ok := methods[req.Method]
			if !ok {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			handle(w, req, nil)
		}))
	}
}

// ConditionParser adapts the given function into a
// httpbakery.ThirdPartyCaveatChecker. It parses the caveat's
// condition and calls the function with the result.
func ConditionParser(check func(cond, arg string) ([]checkers.Caveat, error)) httpbakery.ThirdPartyCaveatChecker {
	f := func(ctx context.Context, req *http.Request, cav *bakery.ThirdPartyCaveatInfo, token *httpbakery.DischargeToken) ([]checkers.Caveat, error) {
		cond, arg, err := checkers.ParseCaveat(string(cav.Condition))
		if err != nil {
			return nil, err
		}
		return check(cond, arg)
	}
	return httpbakery.ThirdPartyCaveatCheckerFunc(f)
}

// Close shuts down the server. It may be called more than once on
// the same discharger.
func (d *Discharger) Close() {
	if d.server == nil {
		return
	}
	d.server.Close()
	stopSkipVerify()
	d.server = nil
}

// Location returns the location of the discharger, suitable for
// setting as the location in a third party caveat.
func (d *Discharger) Location() string {
	return d.server.URL
}

// ThirdPartyInfo implements bakery.ThirdPartyLocator, allowing a
// Discharger to be used directly as the locator for caveats it will
// itself discharge.
func (d *Discharger) ThirdPartyInfo(ctx context.Context, loc string) (bakery.ThirdPartyInfo, error) {
	if loc == d.Location() {
		return bakery.ThirdPartyInfo{
			PublicKey: d.Key.Public,
			Version:   bakery.LatestVersion,
		}, nil
	}
	return bakery.ThirdPartyInfo{}, bakery.ErrNotFound
}
