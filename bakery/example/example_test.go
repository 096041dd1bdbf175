package main

import (
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/hashlock/macaroon-bakery/bakery"
	"github.com/hashlock/macaroon-bakery/httpbakery"
)

func TestExample(t *testing.T) {
	c := qt.New(t)

	authKey, err := bakery.GenerateKey()
	c.Assert(err, qt.IsNil)
	authEndpoint, err := serve(func(endpoint string) (http.Handler, error) {
		return authService(endpoint, authKey)
	})
	c.Assert(err, qt.IsNil)
	serverEndpoint, err := serve(func(endpoint string) (http.Handler, error) {
		return targetService(endpoint, authEndpoint, &authKey.Public)
	})
	c.Assert(err, qt.IsNil)

	client := httpbakery.NewClient()

	c.Logf("gold request")
	resp, err := clientRequest(client, serverEndpoint+"/gold/")
	c.Assert(err, qt.IsNil)
	c.Assert(resp, qt.Equals, "all is golden")

	c.Logf("silver request")
	resp, err = clientRequest(client, serverEndpoint+"/silver/")
	c.Assert(err, qt.IsNil)
	c.Assert(resp, qt.Equals, "every cloud has a silver lining")
}

func BenchmarkExample(b *testing.B) {
	c := qt.New(b)

	authKey, err := bakery.GenerateKey()
	c.Assert(err, qt.IsNil)
	authEndpoint, err := serve(func(endpoint string) (http.Handler, error) {
		return authService(endpoint, authKey)
	})
	c.Assert(err, qt.IsNil)
	serverEndpoint, err := serve(func(endpoint string) (http.Handler, error) {
		return targetService(endpoint, authEndpoint, &authKey.Public)
	})
	c.Assert(err, qt.IsNil)

	client := httpbakery.NewClient()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := clientRequest(client, serverEndpoint+"/gold/")
		c.Assert(err, qt.IsNil)
		c.Assert(resp, qt.Equals, "all is golden")
	}
}
