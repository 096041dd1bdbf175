package httpbakery

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/juju/webbrowser"
	"gopkg.in/errgo.v1"
)

// BrowserWindowInteractionKind is the name of the interaction method
// offered by dischargers that require the user to visit a web page in
// a browser.
const BrowserWindowInteractionKind = "browser-window"

// OpenWebBrowser opens a web browser at the given URL. If no browser
// can be found, the URL is just printed to standard error.
func OpenWebBrowser(url *url.URL) error {
	err := webbrowser.Open(url)
	if err == nil {
		fmt.Fprintf(os.Stderr, "Opening an authorization web page in your browser.\n")
		fmt.Fprintf(os.Stderr, "If it does not open, please open this URL:\n%s\n", url)
		return nil
	}
	if err == webbrowser.ErrNoBrowser {
		fmt.Fprintf(os.Stderr, "Please open this URL in your browser to authorize:\n%s\n", url)
		return nil
	}
	return errgo.Notef(err, "cannot open web browser")
}

// WebBrowserInteractor implements the browser-window-based interaction
// method, directing the user to a web page where they can authenticate
// and then long-polling a wait endpoint for the resulting discharge
// macaroon. The wait endpoint must reply with a WaitResponse; wait
// endpoints that reply with a discharge token are not supported.
type WebBrowserInteractor struct {
	// OpenWebBrowser is used to visit a page in the user's web
	// browser. If it's nil, the OpenWebBrowser function is used.
	OpenWebBrowser func(*url.URL) error
}

// Kind implements Interactor.Kind.
func (WebBrowserInteractor) Kind() string {
	return BrowserWindowInteractionKind
}

// visitWaitParams holds the interaction-method-specific data
// advertised by a discharger for the browser-window interaction
// method.
type visitWaitParams struct {
	VisitURL string
	WaitURL  string
}

// SetInteraction sets interaction information on the given error. The
// visitURL parameter holds a URL that should be visited by the user in
// a web browser; the waitURL parameter holds a URL that can be
// long-polled to acquire the resulting discharge macaroon (as a
// WaitResponse).
//
// It also sets the legacy VisitURL/WaitURL fields for clients that
// don't understand InteractionMethods.
func (i WebBrowserInteractor) SetInteraction(e *Error, visitURL, waitURL string) {
	e.SetInteraction(i.Kind(), visitWaitParams{
		VisitURL: visitURL,
		WaitURL:  waitURL,
	})
	e.Info.LegacyVisitURL = visitURL
	e.Info.LegacyWaitURL = waitURL
}

// Interact implements Interactor.Interact by opening a web page and
// long-polling the wait endpoint advertised by the discharger.
func (wi WebBrowserInteractor) Interact(ctx context.Context, client *Client, location string, irErr *Error) (*DischargeToken, error) {
	var p visitWaitParams
	if err := irErr.InteractionMethod(wi.Kind(), &p); err != nil {
		return nil, errgo.Mask(err, errgo.Is(ErrInteractionMethodNotFound))
	}
	visitURL, err := relativeURL(location, p.VisitURL)
	if err != nil {
		return nil, errgo.Notef(err, "cannot make relative visit URL")
	}
	waitURL, err := relativeURL(location, p.WaitURL)
	if err != nil {
		return nil, errgo.Notef(err, "cannot make relative wait URL")
	}
	open := wi.OpenWebBrowser
	if open == nil {
		open = OpenWebBrowser
	}
	if err := open(visitURL); err != nil {
		return nil, errgo.Mask(err)
	}
	m, err := waitForMacaroon(ctx, client, waitURL)
	if err != nil {
		return nil, errgo.Mask(err, IsDischargeError, IsInteractionError)
	}
	return &DischargeToken{Kind: "legacy-macaroon", Value: macaroonToBytes(m)}, nil
}

// LegacyInteract implements LegacyInteractor by opening a web browser
// page at the location advertised by the discharger's legacy visit
// URL, optionally refining it with content-negotiated method URLs.
func (wi WebBrowserInteractor) LegacyInteract(ctx context.Context, client *Client, location string, visitURL *url.URL) error {
	methodURLs, err := legacyGetInteractionMethods(ctx, client, visitURL)
	if err != nil {
		// The discharger may not support content-negotiated method
		// discovery; fall back to visiting the URL directly.
		return openWebBrowser(wi, visitURL)
	}
	u := methodURLs[wi.Kind()]
	if u == nil {
		u = visitURL
	}
	return openWebBrowser(wi, u)
}

func openWebBrowser(wi WebBrowserInteractor, u *url.URL) error {
	open := wi.OpenWebBrowser
	if open == nil {
		open = OpenWebBrowser
	}
	return open(u)
}
