package httpbakery

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"path"

	"github.com/julienschmidt/httprouter"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// legacyNamespace holds the standard namespace as used by
// pre-version3 macaroons.
var legacyNamespace = checkers.New(nil).Namespace()

// ThirdPartyCaveatChecker is used to check third party caveats.
type ThirdPartyCaveatChecker interface {
	// CheckThirdPartyCaveat is used to check whether a client
	// making the given request should be allowed a discharge for
	// the given caveat. On success, the caveat will be discharged,
	// with any returned caveats also added to the discharge
	// macaroon.
	//
	// Note than when used in the context of a discharge handler
	// created by Discharger, any returned errors will be marshaled
	// as documented in DischargerParams.ErrorToResponse.
	//
	// If the client supplied a discharge token along with the
	// request (see DischargeToken), it is passed in token;
	// otherwise token is nil.
	CheckThirdPartyCaveat(ctxt context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *DischargeToken) ([]checkers.Caveat, error)
}

// ThirdPartyCaveatCheckerFunc implements ThirdPartyCaveatChecker
// by calling a function.
type ThirdPartyCaveatCheckerFunc func(ctx context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *DischargeToken) ([]checkers.Caveat, error)

func (f ThirdPartyCaveatCheckerFunc) CheckThirdPartyCaveat(ctx context.Context, req *http.Request, info *bakery.ThirdPartyCaveatInfo, token *DischargeToken) ([]checkers.Caveat, error) {
	return f(ctx, req, info, token)
}

// newDischargeClient returns a discharge client that addresses the
// third party discharger at the given location URL and uses
// the given client to make HTTP requests.
//
// If client is nil, http.DefaultClient is used.
func newDischargeClient(location string, client httprequest.Doer) *dischargeClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &dischargeClient{
		Client: httprequest.Client{
			BaseURL:        location,
			Doer:           client,
			UnmarshalError: unmarshalError,
		},
	}
}

// unmarshalError unmarshals an error response from a discharge server
// into an *Error value.
func unmarshalError(resp *http.Response) error {
	var errResp Error
	if err := httprequest.UnmarshalJSONResponse(resp, &errResp); err != nil {
		return errgo.Notef(err, "cannot unmarshal error response")
	}
	return &errResp
}

// DischargerParams holds parameters for creating a new Discharger.
type DischargerParams struct {
	// Checker is used to actually check the caveats.
	Checker ThirdPartyCaveatChecker

	// Key holds the key pair of the discharger.
	Key *bakery.KeyPair

	// Locator is used to find public keys when adding
	// third-party caveats on discharge macaroons.
	// If this is nil, no third party caveats may be added.
	Locator bakery.ThirdPartyLocator

	// ErrorToResponse is used to convert errors returned by the third
	// party caveat checker to the form that will be JSON-marshaled
	// on the wire. If zero, this defaults to ErrorToResponse.
	// If set, it should handle errors that it does not understand
	// by falling back to calling ErrorToResponse to ensure
	// that the standard bakery errors are marshaled in the expected way.
	ErrorToResponse func(ctx context.Context, err error) (int, interface{})
}

// Discharger represents a third-party caveat discharger.
// can discharge caveats in an HTTP server.
//
// The name space served by dischargers is as follows.
// All parameters can be provided either as URL attributes
// or form attributes. The result is always formatted as a JSON
// object.
//
// On failure, all endpoints return an error described by
// the Error type.
//
// POST /discharge
//	params:
//		id: all-UTF-8 third party caveat id
//		id64: non-padded URL-base64 encoded caveat id
//		caveat64: (optional) non-padded URL-base64 encoded caveat,
//			for caveats whose id does not hold the caveat itself
//		token, token64: (optional) discharge token, plain or
//			non-padded URL-base64 encoded
//		token-kind: (optional) kind of the discharge token
//	result on success (http.StatusOK):
//		{
//			Macaroon *macaroon.Macaroon
//		}
//
// GET /publickey
//	result:
//		public key of service
type Discharger struct {
	p DischargerParams
}

// NewDischarger returns a new third-party caveat discharger
// using the given parameters.
func NewDischarger(p DischargerParams) *Discharger {
	if p.ErrorToResponse == nil {
		p.ErrorToResponse = ErrorToResponse
	}
	if p.Locator == nil {
		p.Locator = emptyLocator{}
	}
	return &Discharger{
		p: p,
	}
}

type emptyLocator struct{}

func (emptyLocator) ThirdPartyInfo(ctxt context.Context, loc string) (bakery.ThirdPartyInfo, error) {
	return bakery.ThirdPartyInfo{}, bakery.ErrNotFound
}

// AddMuxHandlers adds handlers to the given ServeMux to provide
// a third-party caveat discharge service.
func (d *Discharger) AddMuxHandlers(mux *http.ServeMux, rootPath string) {
	for _, h := range d.Handlers() {
		// Note: this only works because we don't have any wildcard
		// patterns in the discharger paths.
		mux.Handle(path.Join(rootPath, h.Path), mkHTTPHandler(h.Handle))
	}
}

// Handlers returns a slice of handlers that can handle a third-party
// caveat discharge service when added to an httprouter.Router.
// TODO provide some way of customizing the context so that
// ErrorToResponse can see a request-specific context.
func (d *Discharger) Handlers() []httprequest.Handler {
	f := func(p httprequest.Params) (dischargeHandler, context.Context, error) {
		return dischargeHandler{
			discharger: d,
		}, p.Context, nil
	}
	srv := httprequest.Server{
		ErrorMapper: d.p.ErrorToResponse,
	}
	return srv.Handlers(f)
}

// dischargeHandler is the type used to define the httprequest handler
// methods for a discharger.
type dischargeHandler struct {
	discharger *Discharger
}

// dischargeClient is the client counterpart of dischargeHandler,
// calling the /discharge, /publickey and /discharge/info endpoints
// of a Discharger.
type dischargeClient struct {
	Client httprequest.Client
}

// Discharge calls the /discharge endpoint.
func (c *dischargeClient) Discharge(p *dischargeRequest) (*dischargeResponse, error) {
	var resp dischargeResponse
	if err := c.Client.Call(p, &resp); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return &resp, nil
}

// PublicKey calls the /publickey endpoint.
func (c *dischargeClient) PublicKey(p *publicKeyRequest) (*publicKeyResponse, error) {
	var resp publicKeyResponse
	if err := c.Client.Call(p, &resp); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return &resp, nil
}

// DischargeInfo calls the /discharge/info endpoint.
func (c *dischargeClient) DischargeInfo(p *dischargeInfoRequest) (*dischargeInfoResponse, error) {
	var resp dischargeInfoResponse
	if err := c.Client.Call(p, &resp); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return &resp, nil
}

// dischargeRequest is a request to create a macaroon that discharges the
// supplied third-party caveat. Discharging caveats will normally be
// handled by the bakery it would be unusual to use this type directly in
// client software.
type dischargeRequest struct {
	httprequest.Route `httprequest:"POST /discharge"`
	Id                string `httprequest:"id,form"`
	Id64              string `httprequest:"id64,form"`
	Caveat            string `httprequest:"caveat64,form"`

	// Token and Token64 optionally hold a discharge token acquired
	// from an interaction method, in plain or base64-encoded form
	// respectively. TokenKind holds the kind of the token.
	Token     string `httprequest:"token,form,omitempty"`
	Token64   string `httprequest:"token64,form,omitempty"`
	TokenKind string `httprequest:"token-kind,form,omitempty"`
}

// dischargeResponse contains the response from a /discharge POST request.
type dischargeResponse struct {
	Macaroon *bakery.Macaroon `json:",omitempty"`
}

// Discharge discharges a third party caveat.
func (h dischargeHandler) Discharge(p httprequest.Params, r *dischargeRequest) (*dischargeResponse, error) {
	var id []byte
	if r.Id64 != "" {
		id1, err := base64.RawURLEncoding.DecodeString(r.Id64)
		if err != nil {
			return nil, errgo.Notef(err, "bad base64-encoded caveat id: %v", err)
		}
		id = id1
	} else {
		id = []byte(r.Id)
	}
	var caveat []byte
	if r.Caveat != "" {
		caveat1, err := base64.RawURLEncoding.DecodeString(r.Caveat)
		if err != nil {
			return nil, errgo.Notef(err, "bad base64-encoded caveat: %v", err)
		}
		caveat = caveat1
	}
	var token *DischargeToken
	if r.TokenKind != "" {
		var value []byte
		if r.Token64 != "" {
			t, err := base64.RawURLEncoding.DecodeString(r.Token64)
			if err != nil {
				return nil, errgo.Notef(err, "bad base64-encoded token: %v", err)
			}
			value = t
		} else {
			value = []byte(r.Token)
		}
		token = &DischargeToken{Kind: r.TokenKind, Value: value}
	}
	m, err := bakery.Discharge(p.Context, bakery.DischargeParams{
		Id:     id,
		Caveat: caveat,
		Key:    h.discharger.p.Key,
		Checker: bakery.ThirdPartyCaveatCheckerFunc(
			func(ctx context.Context, cav *bakery.ThirdPartyCaveatInfo) ([]checkers.Caveat, error) {
				return h.discharger.p.Checker.CheckThirdPartyCaveat(ctx, p.Request, cav, token)
			},
		),
		Locator: h.discharger.p.Locator,
	})
	if err != nil {
		return nil, errgo.NoteMask(err, "cannot discharge", errgo.Any)
	}
	return &dischargeResponse{m}, nil
}

// publicKeyRequest specifies the /publickey endpoint.
type publicKeyRequest struct {
	httprequest.Route `httprequest:"GET /publickey"`
}

// publicKeyResponse is the response to a /publickey GET request.
type publicKeyResponse struct {
	PublicKey *bakery.PublicKey
}

// dischargeInfoRequest specifies the /discharge/info endpoint.
type dischargeInfoRequest struct {
	httprequest.Route `httprequest:"GET /discharge/info"`
}

// dischargeInfoResponse is the response to a /discharge/info GET
// request.
type dischargeInfoResponse struct {
	PublicKey *bakery.PublicKey
	Version   bakery.Version
}

// PublicKey returns the public key of the discharge service.
func (h dischargeHandler) PublicKey(*publicKeyRequest) (publicKeyResponse, error) {
	return publicKeyResponse{
		PublicKey: &h.discharger.p.Key.Public,
	}, nil
}

// DischargeInfo returns information on the discharger.
func (h dischargeHandler) DischargeInfo(*dischargeInfoRequest) (dischargeInfoResponse, error) {
	return dischargeInfoResponse{
		PublicKey: &h.discharger.p.Key.Public,
		Version:   bakery.LatestVersion,
	}, nil
}

// mkHTTPHandler converts an httprouter handler to an http.Handler,
// assuming that the httprouter handler has no wildcard path
// parameters.
func mkHTTPHandler(h httprouter.Handle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h(w, req, nil)
	})
}

// randomBytes returns n random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("cannot generate %d random bytes: %v", n, err)
	}
	return b, nil
}
