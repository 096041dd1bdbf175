package bakery

import (
	"fmt"

	errgo "gopkg.in/errgo.v1"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

// Sentinel causes used with errgo.WithCausef/errgo.Cause throughout the
// package, following the taxonomy described by the library's error
// handling design.
var (
	// ErrNotFound is returned by stores and locators when a requested
	// item does not exist.
	ErrNotFound = errgo.New("not found")

	// ErrPermissionDenied is the cause of errors returned by an
	// AuthChecker when an operation is refused with no further
	// caveats available to satisfy it.
	ErrPermissionDenied = errgo.New("permission denied")

	// ErrThirdPartyInfoNotFound is not returned by any locator in
	// this module; the ThirdPartyLocator implementations here return
	// ErrNotFound when they cannot resolve a location.
	ErrThirdPartyInfoNotFound = errgo.New("third party info not found")
)

// VerificationError is returned by MacaroonOpStore.MacaroonOps (and
// hence by Oven.MacaroonOps) when a macaroon's signature or discharge
// chain is invalid or its root key cannot be found. It marks failures
// that are local to a single macaroon stack - other stacks presented
// alongside it may still be valid.
type VerificationError struct {
	Reason error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %v", e.Reason)
}

func isVerificationError(err error) bool {
	_, ok := errgo.Cause(err).(*VerificationError)
	return ok
}

// DischargeRequiredError is returned by an AuthChecker when one or more
// requested operations could not be authorized with the macaroons
// presented, and a fresh macaroon carrying the listed operations and
// caveats must be obtained, discharged, and retried.
type DischargeRequiredError struct {
	// Message holds a human readable explanation for the error.
	Message string

	// Ops holds the operations that were not authorized.
	Ops []Op

	// Caveats holds the caveats that must be added to a fresh
	// macaroon (and discharged, if they are third-party caveats)
	// before the operations can be authorized.
	Caveats []checkers.Caveat

	// ForAuthentication records whether the error was raised because
	// no identity could be established, as opposed to an identified
	// user being denied the operations.
	ForAuthentication bool
}

func (e *DischargeRequiredError) Error() string {
	return e.Message
}

// IsDischargeRequiredError reports whether err is a
// *DischargeRequiredError, allowing it to be used as an errgo.Mask
// predicate.
func IsDischargeRequiredError(err error) bool {
	_, ok := err.(*DischargeRequiredError)
	return ok
}

func isDischargeRequiredError(err error) bool {
	return IsDischargeRequiredError(err)
}
