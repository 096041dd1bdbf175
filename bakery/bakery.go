// Package bakery layers on top of the macaroon package, providing a
// transport and storage-agnostic way of using macaroons to assert
// client capabilities.
package bakery

import (
	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// Bakery bakes and verifies macaroons, combining an Oven for minting
// and adding caveats to macaroons and a Checker for authorizing
// requests that present them.
type Bakery struct {
	// Oven holds the oven associated with the bakery.
	Oven *Oven

	// Checker holds the checker associated with the bakery.
	Checker *Checker
}

// BakeryParams holds the parameters for creating a new Bakery.
type BakeryParams struct {
	// Checker holds the checker used to check first party caveats.
	// If this is nil, checkers.New(nil) will be used.
	Checker FirstPartyCaveatChecker

	// RootKeyStore is used to store and look up the root keys of
	// macaroons minted here. If this is nil, a single new
	// NewMemRootKeyStore is created and used for all operations.
	//
	// If this is set, RootKeyStoreForOps must be nil.
	RootKeyStore RootKeyStore

	// RootKeyStoreForOps returns the root key store to be used for
	// macaroons associated with the given operations. This can be
	// used to maintain separate root key databases for different
	// operations.
	//
	// If this is nil, RootKeyStore will be used for all operations.
	RootKeyStoreForOps func(ops []Op) RootKeyStore

	// Location holds the location to be associated with new
	// macaroons minted by the bakery's oven.
	Location string

	// Locator is used to find out information on third parties when
	// adding third party caveats. If this is nil, no non-local third
	// party caveats can be added.
	Locator ThirdPartyLocator

	// Key holds the private/public key pair used to encrypt third
	// party caveats. If it is nil, a new key pair will be generated.
	Key *KeyPair

	// IdentityClient is used for interactions with the external
	// identity service used for authentication.
	//
	// If this is nil, no authentication will be possible.
	IdentityClient IdentityClient

	// Authorizer is used to check whether an authenticated user is
	// allowed to perform operations. If it is nil, NewChecker will
	// use ClosedAuthorizer.
	Authorizer Authorizer

	// OpsStore is used to persistently store the association of
	// multi-op entities with their associated operations when
	// NewMacaroon is called with multiple operations.
	OpsStore OpsStore

	// LegacyMacaroonOp holds the operation that will be associated
	// with legacy macaroons (those minted by a bakery.v1 or
	// bakery.v0 service) that hold no operation information of
	// their own.
	LegacyMacaroonOp Op

	// Logger is used to log messages output by the bakery. If it is
	// nil, DefaultLogger("github.com/hashlock/macaroon-bakery/bakery")
	// will be used.
	Logger Logger
}

// New returns a new Bakery instance which combines an Oven with a
// Checker for the given parameters.
func New(p BakeryParams) *Bakery {
	if p.Checker == nil {
		p.Checker = checkers.New(nil)
	}
	if p.Key == nil {
		key, err := GenerateKey()
		if err != nil {
			// Key generation only fails if the system random
			// source is broken, which we can't sensibly recover
			// from here.
			panic(err)
		}
		p.Key = key
	}
	if p.Logger == nil {
		p.Logger = DefaultLogger("github.com/hashlock/macaroon-bakery/bakery")
	}
	rootKeyStoreForOps := p.RootKeyStoreForOps
	if rootKeyStoreForOps == nil {
		store := p.RootKeyStore
		if store == nil {
			store = NewMemRootKeyStore()
		}
		rootKeyStoreForOps = func(ops []Op) RootKeyStore {
			return store
		}
	}
	oven := NewOven(OvenParams{
		Namespace:          p.Checker.Namespace(),
		RootKeyStoreForOps: rootKeyStoreForOps,
		OpsStore:           p.OpsStore,
		Key:                p.Key,
		Location:           p.Location,
		Locator:            p.Locator,
		LegacyMacaroonOp:   p.LegacyMacaroonOp,
	})
	checker := NewChecker(CheckerParams{
		Checker:         p.Checker,
		Authorizer:      p.Authorizer,
		IdentityClient:  p.IdentityClient,
		MacaroonOpStore: oven,
		Logger:          p.Logger,
	})
	return &Bakery{
		Oven:    oven,
		Checker: checker,
	}
}
