// Package agent enables non-interactive (agent) login using macaroons.
// To enable agent authorization with a given httpbakery.Client c:
//
//	err := agent.SetUpAuth(c, &agent.AuthInfo{
//		Key: key,
//		Agents: []agent.Agent{{
//			URL:      dischargerURL,
//			Username: username,
//		}},
//	})
package agent

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"

	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/httpbakery"
)

// agentInteractionKind is the interaction kind advertised by dischargers
// that implement the agent login protocol described in protocol.go.
const agentInteractionKind = "agent"

// AuthInfo holds the agent login secrets known to a client: the key
// used to discharge local third-party caveats, and the set of agents
// (one per discharge-server location) that the key may log in as.
type AuthInfo struct {
	// Key holds the agent's private/public key pair.
	Key *bakery.KeyPair

	// Agents holds the agents that this AuthInfo can be used to
	// authenticate as, one per discharger URL.
	Agents []Agent
}

// Agent represents an agent that can be used for agent authentication.
type Agent struct {
	// URL holds the URL associated with the agent.
	URL string

	// Username holds the username to use for the agent.
	Username string
}

// SetUpAuth configures agent authentication on client, using the given
// auth info. It sets client.Key to authInfo.Key, installs an
// agent-login cookie for each of the configured agent locations, and
// registers the agent Interactor on the client.
func SetUpAuth(client *httpbakery.Client, authInfo *AuthInfo) error {
	if authInfo.Key == nil {
		return errgo.Newf("cannot set up authentication: no key provided")
	}
	if client.Key != nil && *client.Key != *authInfo.Key {
		return errgo.Newf("client key mismatches the key in the auth info")
	}
	client.Key = authInfo.Key
	if client.Jar == nil {
		return errgo.Newf("cannot set up authentication: client has no cookie jar")
	}
	for _, a := range authInfo.Agents {
		u, err := url.Parse(a.URL)
		if err != nil {
			return errgo.Notef(err, "cannot parse URL for agent %s", a.Username)
		}
		req := &http.Request{URL: u, Header: make(http.Header)}
		setCookie(req, a.Username, &authInfo.Key.Public)
		client.Jar.SetCookies(u, req.Cookies())
	}
	client.AddInteractor(interactor{authInfo})
	return nil
}

// interactor implements httpbakery.Interactor for agent-based,
// non-interactive login.
type interactor struct {
	authInfo *AuthInfo
}

// Kind implements httpbakery.Interactor.Kind.
func (interactor) Kind() string {
	return agentInteractionKind
}

// loginMethod holds the interaction-method-specific data advertised by
// a discharger that supports agent login.
type loginMethod struct {
	LoginURL string `json:"login-url"`
}

// agentMacaroonResponse is returned by a discharger's agent-login
// endpoint.
type agentMacaroonResponse struct {
	Macaroon *bakery.Macaroon `json:"macaroon"`
}

// Interact implements httpbakery.Interactor.Interact by looking up a
// matching agent for the discharge location, fetching a macaroon from
// the discharger's agent-login endpoint, and locally discharging its
// third-party caveat with the agent's key.
func (ia interactor) Interact(ctx context.Context, client *httpbakery.Client, location string, irErr *httpbakery.Error) (*httpbakery.DischargeToken, error) {
	var p loginMethod
	if err := irErr.InteractionMethod(ia.Kind(), &p); err != nil {
		return nil, errgo.Mask(err, errgo.Is(httpbakery.ErrInteractionMethodNotFound))
	}
	agentInfo, err := findAgent(ia.authInfo, location)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	loginURL, err := relativeURL(location, p.LoginURL)
	if err != nil {
		return nil, errgo.Notef(err, "cannot make relative login URL")
	}
	q := loginURL.Query()
	q.Set("username", agentInfo.Username)
	q.Set("public-key", ia.authInfo.Key.Public.String())
	loginURL.RawQuery = q.Encode()
	req, err := http.NewRequest("GET", loginURL.String(), nil)
	if err != nil {
		return nil, errgo.Notef(err, "cannot create request")
	}
	req = req.WithContext(ctx)
	setCookie(req, agentInfo.Username, &ia.authInfo.Key.Public)
	httpReqClient := &httprequest.Client{Doer: client.Client}
	var resp agentMacaroonResponse
	if err := httpReqClient.Do(ctx, req, &resp); err != nil {
		return nil, errgo.Notef(err, "cannot acquire agent macaroon")
	}
	if resp.Macaroon == nil {
		return nil, errgo.Newf("no macaroon found in agent login response")
	}
	ms, err := bakery.DischargeAllWithKey(ctx, resp.Macaroon, client.AcquireDischarge, ia.authInfo.Key)
	if err != nil {
		return nil, errgo.Notef(err, "cannot discharge agent macaroon")
	}
	data, err := ms.MarshalBinary()
	if err != nil {
		return nil, errgo.Notef(err, "cannot marshal discharged agent macaroon")
	}
	return &httpbakery.DischargeToken{Kind: agentInteractionKind, Value: data}, nil
}

func findAgent(authInfo *AuthInfo, location string) (Agent, error) {
	for _, a := range authInfo.Agents {
		if a.URL == location {
			return a, nil
		}
	}
	return Agent{}, errgo.Newf("cannot find username for discharge location %q", location)
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

// SetInteraction sets agent-interaction information on the given
// interaction-required error, advertising the given login URL as the
// endpoint an agent should use to acquire its macaroon.
func SetInteraction(e *httpbakery.Error, loginURL string) {
	e.SetInteraction(agentInteractionKind, loginMethod{LoginURL: loginURL})
}

// ErrNoAuthInfo is returned by AuthInfoFromEnvironment when the
// BAKERY_AGENT_FILE environment variable is not set.
var ErrNoAuthInfo = errgo.New("BAKERY_AGENT_FILE not set")

// AuthInfoFromEnvironment reads auth info from the path named in the
// BAKERY_AGENT_FILE environment variable, which should hold a
// JSON-marshaled AuthInfo.
func AuthInfoFromEnvironment() (*AuthInfo, error) {
	path := os.Getenv("BAKERY_AGENT_FILE")
	if path == "" {
		return nil, ErrNoAuthInfo
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errgo.Notef(err, "cannot read BAKERY_AGENT_FILE")
	}
	var authInfo AuthInfo
	if err := json.Unmarshal(data, &authInfo); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal agent information from BAKERY_AGENT_FILE")
	}
	return &authInfo, nil
}
