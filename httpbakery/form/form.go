// Package form enables interactive login without using a web browser.
package form

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"
	"gopkg.in/juju/environschema.v1"
	"gopkg.in/juju/environschema.v1/form"

	"github.com/hashlock/macaroon-bakery/httpbakery"
)

/*
PROTOCOL

A form login works as follows:

	   Client                            Login Service
	      |                                    |
	      | interaction-required error         |
	      | advertises "form" kind with a      |
	      | login URL                          |
	      |<-----------------------------------|
	      |                                    |
	      | GET login URL                      |
	      |----------------------------------->|
	      |                                    |
	      |                  Schema definition |
	      |<-----------------------------------|
	      |                                    |
	+-------------+                            |
	|   Client    |                            |
	| Interaction |                            |
	+-------------+                            |
	      |                                    |
	      | POST filled-in form to login URL   |
	      |----------------------------------->|
	      |                                    |
	      |          Discharge token response |
	      |<-----------------------------------|
	      |                                    |

The schema is provided as an environschema.Fields object. It is the
client's responsibility to interpret the schema and present it to the
user.
*/

// Kind is the interaction kind advertised by a discharger that wants
// the client to fill in a login form.
const Kind = "form"

// InteractionInfo holds the interaction-method-specific data advertised
// by a discharger that supports form login: the URL to fetch the
// schema from and later post the filled-in form to.
type InteractionInfo struct {
	URL string `json:"url"`
}

// SetInteraction sets form-interaction information on the given
// interaction-required error.
func SetInteraction(e *httpbakery.Error, loginURL string) {
	e.SetInteraction(Kind, InteractionInfo{URL: loginURL})
}

// SchemaRequest is a request for a form schema. Dischargers register
// it under whatever path they advertise in their interaction-required
// error; /form-login is the path used by this package's own tests.
type SchemaRequest struct {
	httprequest.Route `httprequest:"GET /form-login"`
}

// SchemaResponse contains the message expected in response to the schema
// request.
type SchemaResponse struct {
	Schema environschema.Fields `json:"schema"`
}

// LoginRequest is a request to perform a login using the provided form.
type LoginRequest struct {
	httprequest.Route `httprequest:"POST /form-login"`
	Body              LoginBody `httprequest:",body"`
}

// LoginBody holds the body of a form login request.
type LoginBody struct {
	Form map[string]interface{} `json:"form"`
}

// LoginResponse holds the discharge token returned once a form login
// has been accepted.
type LoginResponse struct {
	Token *httpbakery.DischargeToken `json:"token"`
}

// SetUpAuth registers a form Interactor using f on client, so that a
// discharger advertising the "form" interaction kind can be satisfied
// without a web browser.
func SetUpAuth(client *httpbakery.Client, f form.Filler) {
	client.AddInteractor(Interactor{Filler: f})
}

// Interactor implements httpbakery.Interactor by downloading a form
// schema from the discharger, asking f to fill it in, and posting back
// the result.
type Interactor struct {
	Filler form.Filler
}

// Kind implements httpbakery.Interactor.Kind.
func (wi Interactor) Kind() string {
	return Kind
}

// Interact implements httpbakery.Interactor.Interact.
func (wi Interactor) Interact(ctx context.Context, client *httpbakery.Client, location string, irErr *httpbakery.Error) (*httpbakery.DischargeToken, error) {
	var p InteractionInfo
	if err := irErr.InteractionMethod(Kind, &p); err != nil {
		return nil, errgo.Mask(err, errgo.Is(httpbakery.ErrInteractionMethodNotFound))
	}
	loginURL, err := relativeURL(location, p.URL)
	if err != nil {
		return nil, errgo.Notef(err, "cannot make relative login URL")
	}
	httpClient := &httprequest.Client{Doer: client.Client}

	getReq, err := http.NewRequest("GET", loginURL.String(), nil)
	if err != nil {
		return nil, errgo.Notef(err, "cannot create schema request")
	}
	getReq = getReq.WithContext(ctx)
	var schemaResp SchemaResponse
	if err := httpClient.Do(ctx, getReq, &schemaResp); err != nil {
		return nil, errgo.Notef(err, "cannot get schema")
	}
	if len(schemaResp.Schema) == 0 {
		return nil, errgo.Newf("invalid schema: no fields found")
	}
	host, err := publicsuffix.EffectiveTLDPlusOne(loginURL.Host)
	if err != nil {
		host = loginURL.Host
	}
	filledForm, err := wi.Filler.Fill(form.Form{
		Title:  "Log in to " + host,
		Fields: schemaResp.Schema,
	})
	if err != nil {
		return nil, errgo.NoteMask(err, "cannot handle form", errgo.Any)
	}
	body, err := json.Marshal(LoginBody{Form: filledForm})
	if err != nil {
		return nil, errgo.Notef(err, "cannot marshal form")
	}
	postReq, err := http.NewRequest("POST", loginURL.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, errgo.Notef(err, "cannot create login request")
	}
	postReq.Header.Set("Content-Type", "application/json")
	postReq = postReq.WithContext(ctx)
	var loginResp LoginResponse
	if err := httpClient.Do(ctx, postReq, &loginResp); err != nil {
		return nil, errgo.Notef(err, "cannot submit form")
	}
	if loginResp.Token == nil {
		return nil, errgo.Newf("no discharge token found in form login response")
	}
	return loginResp.Token, nil
}

func relativeURL(base, rel string) (*url.URL, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse location URL")
	}
	relURL, err := url.Parse(rel)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse URL")
	}
	return baseURL.ResolveReference(relURL), nil
}
