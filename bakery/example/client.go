package main

import (
	"fmt"
	"io/ioutil"
	"net/http"

	errgo "gopkg.in/errgo.v1"

	"github.com/hashlock/macaroon-bakery/httpbakery"
)

// clientRequest acts as a client of the target service.
// In this simple example, it just tries a GET
// request, which will fail unless the client
// has the required authorization.
func clientRequest(client *httpbakery.Client, serverEndpoint string) (string, error) {
	req, err := http.NewRequest("GET", serverEndpoint, nil)
	if err != nil {
		return "", errgo.Notef(err, "cannot make new HTTP request")
	}
	// Client.Do implements the mechanics of actually gathering
	// discharge macaroons when required, and retrying the request
	// when necessary.
	resp, err := client.Do(req)
	if err != nil {
		return "", errgo.NoteMask(err, "GET failed", errgo.Any)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cannot read response: %v", err)
	}
	return string(data), nil
}
