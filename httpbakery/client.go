package httpbakery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/errgo.v1"
	"gopkg.in/httprequest.v1"
	"gopkg.in/macaroon.v2"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// maxDischargeRetries holds the maximum number of times that an HTTP
// request will be retried after a third party caveat has been
// successfully discharged.
const maxDischargeRetries = 3

// DischargeError represents the error when a third party discharge
// is refused by a server.
type DischargeError struct {
	// Reason holds the underlying remote error that caused the
	// discharge to fail.
	Reason *Error
}

func (e *DischargeError) Error() string {
	return fmt.Sprintf("third party refused discharge: %v", e.Reason)
}

// IsDischargeError reports whether err is a *DischargeError.
func IsDischargeError(err error) bool {
	_, ok := err.(*DischargeError)
	return ok
}

// InteractionError wraps an error returned by an interaction method.
type InteractionError struct {
	// Reason holds the actual error returned by the interaction.
	Reason error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("cannot start interactive session: %v", e.Reason)
}

// IsInteractionError reports whether err is an *InteractionError.
func IsInteractionError(err error) bool {
	_, ok := err.(*InteractionError)
	return ok
}

// NewHTTPClient returns an http.Client that ensures that headers are
// sent to the server even when the server redirects a GET request.
// The returned client also contains an empty in-memory cookie jar.
//
// See https://github.com/golang/go/issues/4677
func NewHTTPClient() *http.Client {
	c := *http.DefaultClient
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		if len(via) == 0 {
			return nil
		}
		for attr, val := range via[0].Header {
			if attr == "Cookie" {
				// Cookies are added automatically anyway.
				continue
			}
			if _, ok := req.Header[attr]; !ok {
				req.Header[attr] = val
			}
		}
		return nil
	}
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	if err != nil {
		panic(err)
	}
	c.Jar = jar
	return &c
}

// Client holds the context for making HTTP requests that
// automatically acquire and discharge macaroons.
type Client struct {
	// Client holds the HTTP client to use. It should have a cookie jar
	// configured, and when redirecting it should preserve headers
	// (see NewHTTPClient).
	*http.Client

	// InteractionMethods holds a slice of supported interaction
	// methods, with preferred methods earlier in the slice. On
	// receiving an interaction-required error when discharging, the
	// Kind method of each Interactor in turn will be called and, if
	// the error indicates that the interaction kind is supported, the
	// Interact method will be called to complete the discharge.
	InteractionMethods []Interactor

	// Key holds the client's key. If set, the client will try to
	// discharge third party caveats with the special location "local"
	// by using this key. See bakery.DischargeAllWithKey and
	// bakery.LocalThirdPartyCaveat for more information.
	Key *bakery.KeyPair

	// Logger is used to log information about client activities. If
	// it is nil, bakery.DefaultLogger("httpbakery") is used.
	Logger bakery.Logger
}

// An Interactor represents a way of persuading a discharger that it
// should grant a discharge macaroon.
type Interactor interface {
	// Kind returns the interaction method name. This corresponds to
	// the key in the Error.InteractionMethods map.
	Kind() string

	// Interact performs the interaction, and returns a token that can
	// be used to acquire the discharge macaroon. The location
	// provides the third party caveat location to make it possible
	// to use relative URLs.
	//
	// If the given interaction isn't supported by the client for the
	// given location, it may return an error with an
	// ErrInteractionMethodNotFound cause, which causes the
	// interactor to be skipped.
	Interact(ctx context.Context, client *Client, location string, interactionRequiredErr *Error) (*DischargeToken, error)
}

// DischargeToken holds a token that is intended to persuade a
// discharger to discharge a third party caveat.
type DischargeToken struct {
	// Kind holds the kind of the token. By convention this matches
	// the name of the interaction method used to obtain the token,
	// but that's not required.
	Kind string `json:"kind"`

	// Value holds the value of the token.
	Value []byte `json:"value"`
}

// LegacyInteractor may optionally be implemented by Interactor
// implementations that also support the legacy interaction-required
// error protocol.
type LegacyInteractor interface {
	// LegacyInteract implements the "visit" half of a legacy discharge
	// interaction. The "wait" half is implemented by waitForMacaroon.
	LegacyInteract(ctx context.Context, client *Client, location string, visitURL *url.URL) error
}

// NewClient returns a new Client containing an HTTP client created
// with NewHTTPClient and leaves all other fields zero.
func NewClient() *Client {
	return &Client{
		Client: NewHTTPClient(),
	}
}

// AddInteractor is a convenience method that appends the given
// interactor to c.InteractionMethods.
func (c *Client) AddInteractor(i Interactor) {
	c.InteractionMethods = append(c.InteractionMethods, i)
}

// DischargeAll attempts to acquire discharge macaroons for all the
// third party caveats in m, and returns a slice containing all of
// them bound to m.
//
// If the discharge fails because a third party refuses to discharge a
// caveat, the returned error will have a cause of type
// *DischargeError. If the discharge fails because an interaction
// fails, the returned error will have a cause of *InteractionError.
//
// The returned macaroon slice will not be stored in the client cookie
// jar (see SetCookie if you need to do that).
func (c *Client) DischargeAll(ctx context.Context, m *bakery.Macaroon) (macaroon.Slice, error) {
	return bakery.DischargeAllWithKey(ctx, m, c.AcquireDischarge, c.Key)
}

// DischargeAllUnbound is like DischargeAll except that it does not
// bind the resulting macaroons.
func (c *Client) DischargeAllUnbound(ctx context.Context, ms bakery.Slice) (bakery.Slice, error) {
	return ms.DischargeAll(ctx, c.AcquireDischarge, c.Key)
}

// Do is like DoWithContext, except that the context is taken from
// req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req.Context(), req, nil)
}

// DoWithContext sends the given HTTP request and returns its
// response. If the request fails with a discharge-required error, any
// required discharge macaroons will be acquired, and the request will
// be repeated with those attached.
//
// If the required discharges were refused by a third party, an error
// with a *DischargeError cause will be returned.
//
// If interaction is required, the client's InteractionMethods will be
// used to perform it. An error with an *InteractionError cause will
// be returned if this interaction fails.
//
// DoWithContext may add headers to req.Header.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.do(ctx, req, nil)
}

// DoWithCustomError is like Do except it allows a client to specify a
// custom error function, getError, which is called on the HTTP
// response and may return a non-nil error if the response holds an
// error. If the cause of the returned error is a *Error value and its
// code is ErrDischargeRequired, the macaroon in its Info field will
// be discharged and the request will be repeated with the discharged
// macaroon. If getError returns nil, it should leave the response
// body unchanged.
//
// If getError is nil, DefaultGetError will be used.
func (c *Client) DoWithCustomError(req *http.Request, getError func(resp *http.Response) error) (*http.Response, error) {
	return c.do(req.Context(), req, getError)
}

func (c *Client) do(ctx context.Context, req *http.Request, getError func(resp *http.Response) error) (*http.Response, error) {
	c.logDebugf(ctx, "client do %s %s {", req.Method, req.URL)
	resp, err := c.do1(ctx, req, getError)
	c.logDebugf(ctx, "} -> error %#v", err)
	return resp, err
}

func (c *Client) do1(ctx context.Context, req *http.Request, getError func(resp *http.Response) error) (*http.Response, error) {
	if getError == nil {
		getError = DefaultGetError
	}
	if c.Client.Jar == nil {
		return nil, errgo.New("no cookie jar supplied in HTTP client")
	}
	rreq, ok := newRetryableRequest(c.Client, req)
	if !ok {
		return nil, fmt.Errorf("request body is not seekable")
	}
	req.Header.Set(BakeryProtocolHeader, fmt.Sprint(bakery.LatestVersion))

	// Make several attempts to do the request, because we might have
	// to get through several layers of security. We only retry if we
	// get a discharge-required error and succeed in discharging the
	// macaroon in it.
	retry := 0
	for {
		resp, err := c.do2(ctx, rreq, getError)
		if err == nil || !isDischargeRequiredError(err) {
			return resp, errgo.Mask(err, errgo.Any)
		}
		if retry++; retry > maxDischargeRetries {
			return nil, errgo.NoteMask(err, fmt.Sprintf("too many (%d) discharge requests", retry-1), errgo.Any)
		}
		if err1 := c.HandleError(ctx, req.URL, err); err1 != nil {
			return nil, errgo.Mask(err1, errgo.Any)
		}
		c.logDebugf(ctx, "discharge succeeded; retry %d", retry)
	}
}

func (c *Client) do2(ctx context.Context, rreq *retryableRequest, getError func(resp *http.Response) error) (*http.Response, error) {
	httpResp, err := rreq.do(ctx, c.Client)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	if err := getError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, errgo.Mask(err, errgo.Any)
	}
	c.logInfof(ctx, "HTTP response OK (status %v)", httpResp.Status)
	return httpResp, nil
}

// HandleError tries to resolve the given error, which should be a
// response to the given URL, by discharging any macaroon contained in
// it. If the discharge succeeds, the discharged macaroon is saved to
// the client's cookie jar and HandleError returns nil.
//
// If the cause of err is an *Error with any other code, that cause is
// returned; for any other kind of error, the original error is
// returned.
func (c *Client) HandleError(ctx context.Context, reqURL *url.URL, err error) error {
	respErr, ok := errgo.Cause(err).(*Error)
	if !ok {
		return err
	}
	if respErr.Code != ErrDischargeRequired {
		return respErr
	}
	if respErr.Info == nil || respErr.Info.Macaroon == nil {
		return errgo.New("no macaroon found in discharge-required response")
	}
	mac := respErr.Info.Macaroon
	macaroons, err := bakery.DischargeAllWithKey(ctx, mac, c.AcquireDischarge, c.Key)
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	var cookiePath string
	if path := respErr.Info.MacaroonPath; path != "" {
		relURL, err := parseURLPath(path)
		if err != nil {
			c.logInfof(ctx, "ignoring invalid path in discharge-required response: %v", err)
		} else {
			cookiePath = reqURL.ResolveReference(relURL).Path
		}
	}
	cookie, err := NewCookie(mac.Namespace(), macaroons)
	if err != nil {
		return errgo.Notef(err, "cannot make cookie")
	}
	cookie.Path = cookiePath
	if name := respErr.Info.CookieNameSuffix; name != "" {
		cookie.Name = "macaroon-" + name
	}
	c.Jar.SetCookies(reqURL, []*http.Cookie{cookie})
	return nil
}

// DefaultGetError is the default error unmarshaler used by
// Client.Do.
func DefaultGetError(httpResp *http.Response) error {
	if httpResp.StatusCode != http.StatusProxyAuthRequired && httpResp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	if httpResp.StatusCode == http.StatusUnauthorized && httpResp.Header.Get("WWW-Authenticate") != "Macaroon" {
		return nil
	}
	if httpResp.Header.Get("Content-Type") != "application/json" {
		return nil
	}
	var resp Error
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("cannot unmarshal error response: %v", err)
	}
	return &resp
}

func parseURLPath(path string) (*url.URL, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	if u.Scheme != "" || u.Opaque != "" || u.User != nil || u.Host != "" || u.RawQuery != "" || u.Fragment != "" {
		return nil, errgo.Newf("URL path %q is not clean", path)
	}
	return u, nil
}

// PermanentExpiryDuration holds the length of time a cookie holding a
// macaroon with no time-before caveat will be stored.
const PermanentExpiryDuration = 100 * 365 * 24 * time.Hour

// NewCookie takes a slice of macaroons and returns them encoded as a
// cookie. The slice should contain a single primary macaroon in its
// first element, and any discharges after that.
//
// The given namespace specifies the first party caveat namespace,
// used for deriving the expiry time of the cookie.
func NewCookie(ns *checkers.Namespace, ms macaroon.Slice) (*http.Cookie, error) {
	if len(ms) == 0 {
		return nil, errgo.New("no macaroons in cookie")
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return nil, errgo.Notef(err, "cannot marshal macaroons")
	}
	cookie := &http.Cookie{
		Name:  fmt.Sprintf("macaroon-%x", ms[0].Signature()),
		Value: base64.StdEncoding.EncodeToString(data),
	}
	expires, found := checkers.MacaroonsExpiryTime(ns, ms)
	if !found {
		expires = time.Now().Add(PermanentExpiryDuration)
	} else if expires.Sub(time.Now()) < time.Minute {
		expires = time.Time{}
	}
	cookie.Expires = expires
	return cookie, nil
}

// SetCookie sets a cookie for the given URL on the given cookie jar
// that holds the given macaroon slice. The macaroon slice should
// contain a single primary macaroon in its first element, and any
// discharges after that.
//
// The given namespace specifies the first party caveat namespace,
// used for deriving the expiry time of the cookie.
func SetCookie(jar http.CookieJar, url *url.URL, ns *checkers.Namespace, ms macaroon.Slice) error {
	cookie, err := NewCookie(ns, ms)
	if err != nil {
		return errgo.Mask(err)
	}
	jar.SetCookies(url, []*http.Cookie{cookie})
	return nil
}

// MacaroonsForURL returns any macaroons associated with the given URL
// in the given cookie jar.
func MacaroonsForURL(jar http.CookieJar, u *url.URL) []macaroon.Slice {
	return cookiesToMacaroons(jar.Cookies(u))
}

func appendURLElem(u, elem string) string {
	if strings.HasSuffix(u, "/") {
		return u + elem
	}
	return u + "/" + elem
}

// AcquireDischarge acquires a discharge macaroon from the caveat
// location as an HTTP URL. It fits the getDischarge argument type
// required by bakery.DischargeAll.
func (c *Client) AcquireDischarge(ctx context.Context, cav macaroon.Caveat, payload []byte) (*bakery.Macaroon, error) {
	m, err := c.acquireDischarge(ctx, cav, payload, nil)
	if err == nil {
		return m, nil
	}
	cause, ok := errgo.Cause(err).(*Error)
	if !ok {
		return nil, errgo.NoteMask(err, "cannot acquire discharge", IsInteractionError)
	}
	if cause.Code != ErrInteractionRequired {
		return nil, &DischargeError{Reason: cause}
	}
	if cause.Info == nil {
		return nil, errgo.Notef(err, "interaction-required response with no info")
	}
	// Make sure the location has a trailing slash so that the
	// relative URL calculations work correctly even when
	// cav.Location doesn't have a trailing slash.
	loc := appendURLElem(cav.Location, "")
	token, err := c.interact(ctx, loc, cause)
	if err != nil {
		return nil, errgo.Mask(err, IsDischargeError, IsInteractionError)
	}
	m, err = c.acquireDischarge(ctx, cav, payload, token)
	if err != nil {
		return nil, errgo.Mask(err, IsDischargeError, IsInteractionError)
	}
	return m, nil
}

// acquireDischarge is like AcquireDischarge except that it also takes
// a token acquired from an interaction method.
func (c *Client) acquireDischarge(ctx context.Context, cav macaroon.Caveat, payload []byte, token *DischargeToken) (*bakery.Macaroon, error) {
	dclient := newDischargeClient(cav.Location, c)
	var req dischargeRequest
	req.Id, req.Id64 = maybeBase64Encode(cav.Id)
	if token != nil {
		req.Token, req.Token64 = maybeBase64Encode(token.Value)
		req.TokenKind = token.Kind
	}
	req.Caveat = base64.RawURLEncoding.EncodeToString(payload)
	resp, err := dclient.Discharge(&req)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return resp.Macaroon, nil
}

// maybeBase64Encode returns id as a plain string if it is non-empty
// and holds only printable ASCII characters, or as a base64-encoded
// string (in the second return value) otherwise.
func maybeBase64Encode(id []byte) (plain, b64 string) {
	if isValidCaveatIdString(id) {
		return string(id), ""
	}
	return "", base64.RawURLEncoding.EncodeToString(id)
}

func isValidCaveatIdString(id []byte) bool {
	for _, b := range id {
		if b < 0x20 || b >= 0x7f {
			return false
		}
	}
	return len(id) > 0
}

// interact gathers a discharge token by directing the user (or an
// automated interactor) to satisfy the interaction-required error.
func (c *Client) interact(ctx context.Context, location string, irErr *Error) (*DischargeToken, error) {
	if len(c.InteractionMethods) == 0 {
		return nil, &InteractionError{
			Reason: errgo.New("interaction required but not possible"),
		}
	}
	if irErr.Info.InteractionMethods == nil && irErr.Info.LegacyVisitURL != "" {
		return c.legacyInteract(ctx, location, irErr)
	}
	for _, interactor := range c.InteractionMethods {
		c.logDebugf(ctx, "checking interaction method %q", interactor.Kind())
		if _, ok := irErr.Info.InteractionMethods[interactor.Kind()]; !ok {
			continue
		}
		token, err := interactor.Interact(ctx, c, location, irErr)
		if err != nil {
			if errgo.Cause(err) == ErrInteractionMethodNotFound {
				continue
			}
			return nil, errgo.Mask(err, IsDischargeError, IsInteractionError)
		}
		if token == nil {
			return nil, errgo.New("interaction method returned an empty token")
		}
		return token, nil
	}
	return nil, &InteractionError{
		Reason: errgo.Newf("no supported interaction method"),
	}
}

func (c *Client) legacyInteract(ctx context.Context, location string, irErr *Error) (*DischargeToken, error) {
	visitURL, err := relativeURL(location, irErr.Info.LegacyVisitURL)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	waitURL, err := relativeURL(location, irErr.Info.LegacyWaitURL)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	for _, interactor := range c.InteractionMethods {
		legacy, ok := interactor.(LegacyInteractor)
		if !ok {
			continue
		}
		if err := legacy.LegacyInteract(ctx, c, location, visitURL); err != nil {
			return nil, &InteractionError{Reason: errgo.Mask(err, errgo.Any)}
		}
		m, err := waitForMacaroon(ctx, c, waitURL)
		if err != nil {
			return nil, errgo.Mask(err, IsDischargeError, IsInteractionError)
		}
		return &DischargeToken{Kind: "legacy-macaroon", Value: macaroonToBytes(m)}, nil
	}
	return nil, &InteractionError{
		Reason: errgo.Newf("no legacy interaction method supported"),
	}
}

func macaroonToBytes(m *bakery.Macaroon) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return data
}

func (c *Client) logDebugf(ctx context.Context, f string, a ...interface{}) {
	c.logger().Debugf(ctx, f, a...)
}

func (c *Client) logInfof(ctx context.Context, f string, a ...interface{}) {
	c.logger().Infof(ctx, f, a...)
}

func (c *Client) logger() bakery.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return bakery.DefaultLogger("httpbakery")
}

// WaitResponse holds the type that should be returned by an HTTP
// response made to a legacy wait URL (see ErrorInfo.LegacyWaitURL).
type WaitResponse struct {
	Macaroon *bakery.Macaroon
}

// waitForMacaroon returns a macaroon from a legacy wait endpoint.
func waitForMacaroon(ctx context.Context, client *Client, waitURL *url.URL) (*bakery.Macaroon, error) {
	req, err := http.NewRequest("GET", waitURL.String(), nil)
	if err != nil {
		return nil, errgo.Notef(err, "cannot create request")
	}
	httpResp, err := client.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errgo.Notef(err, "cannot get %q", waitURL)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		err := unmarshalError(httpResp)
		if err1, ok := err.(*Error); ok {
			err = &DischargeError{Reason: err1}
		}
		return nil, errgo.NoteMask(err, "failed to acquire macaroon after waiting", errgo.Any)
	}
	var resp WaitResponse
	if err := httprequest.UnmarshalJSONResponse(httpResp, &resp); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal wait response")
	}
	return resp.Macaroon, nil
}

// relativeURL returns newPath relative to an original URL.
func relativeURL(base, new string) (*url.URL, error) {
	if new == "" {
		return nil, errgo.Newf("empty URL")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse URL")
	}
	newURL, err := url.Parse(new)
	if err != nil {
		return nil, errgo.Notef(err, "cannot parse URL")
	}
	return baseURL.ResolveReference(newURL), nil
}

// MacaroonsHeader is the key of the HTTP header that can be used to
// provide a macaroon for request authorization.
const MacaroonsHeader = "Macaroons"

// RequestMacaroons returns any collections of macaroons from the
// header and cookies found in the request. By convention, each slice
// contains a primary macaroon followed by its discharges.
func RequestMacaroons(req *http.Request) []macaroon.Slice {
	mss := cookiesToMacaroons(req.Cookies())
	for _, h := range req.Header[MacaroonsHeader] {
		ms, err := decodeMacaroonSlice(h)
		if err != nil {
			continue
		}
		mss = append(mss, ms)
	}
	return mss
}

func cookiesToMacaroons(cookies []*http.Cookie) []macaroon.Slice {
	var mss []macaroon.Slice
	for _, cookie := range cookies {
		if !strings.HasPrefix(cookie.Name, "macaroon-") {
			continue
		}
		ms, err := decodeMacaroonSlice(cookie.Value)
		if err != nil {
			continue
		}
		mss = append(mss, ms)
	}
	return mss
}

func decodeMacaroonSlice(value string) (macaroon.Slice, error) {
	data, err := macaroon.Base64Decode([]byte(value))
	if err != nil {
		return nil, errgo.NoteMask(err, "cannot base64-decode macaroons")
	}
	var ms macaroon.Slice
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, errgo.NoteMask(err, "cannot unmarshal macaroons")
	}
	return ms, nil
}

// retryableRequest wraps an *http.Request so that it can be sent more
// than once, rewinding its body (if any) between attempts.
type retryableRequest struct {
	req  *http.Request
	body io.ReadSeeker
}

// newRetryableRequest returns a retryableRequest wrapping req. It
// reports false if req's body cannot be rewound and hence cannot be
// retried.
func newRetryableRequest(client *http.Client, req *http.Request) (*retryableRequest, bool) {
	if req.Body == nil {
		return &retryableRequest{req: req}, true
	}
	body, ok := req.Body.(io.ReadSeeker)
	if !ok {
		return nil, false
	}
	return &retryableRequest{req: req, body: body}, true
}

func (r *retryableRequest) do(ctx context.Context, client *http.Client) (*http.Response, error) {
	req := r.req.Clone(ctx)
	if r.body != nil {
		if _, err := r.body.Seek(0, io.SeekStart); err != nil {
			return nil, errgo.Notef(err, "cannot seek to start of request body")
		}
		req.Body = ioutil.NopCloser(r.body)
	}
	return client.Do(req)
}
