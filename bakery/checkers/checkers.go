// Package checkers holds the standard first-party caveat checkers used
// by the bakery packages: time limits, declared attributes and
// operation allow/deny lists, dispatched through a namespace-aware
// registry, plus the need-declared third-party meta-caveat.
package checkers

import (
	"context"
	"fmt"
	"strings"

	errgo "gopkg.in/errgo.v1"
)

// Constants for all the standard caveat conditions. All but
// CondNeedDeclared are registered under the "std" namespace URI by New.
const (
	CondDeclared     = "declared"
	CondTimeBefore   = "time-before"
	CondError        = "error"
	CondAllow        = "allow"
	CondDeny         = "deny"
	CondNeedDeclared = "need-declared"

	// StdNamespace is the schema URI under which the standard
	// predicates in this package are registered.
	StdNamespace = "std"
)

// ErrCaveatNotRecognized is the cause of errors returned from a
// checker function (or from CheckFirstPartyCaveat) when no checker is
// registered for the caveat's condition.
var ErrCaveatNotRecognized = errgo.New("caveat not recognized")

// Caveat represents a condition that must be satisfied for a macaroon
// to be considered valid. If Location is non-empty, the caveat must be
// discharged by the third party at that location; otherwise it is
// checked locally by a Checker.
//
// If Namespace is non-empty, Condition is interpreted relative to that
// namespace's registered prefix when the caveat is added to a
// macaroon; it has no meaning after that point.
type Caveat struct {
	Condition string
	Location  string
	Namespace string
}

// Func is the signature of a function that checks a single first
// party caveat condition. The cond and arg parameters are the result
// of parsing the (already namespace-resolved) caveat with ParseCaveat.
type Func func(ctx context.Context, cond, arg string) error

type checkerEntry struct {
	prefix string
	check  Func
}

// Checker holds a registry of first-party caveat checker functions,
// indexed by schema URI and bare condition name, together with the
// Namespace that maps each registered URI to the prefix used to encode
// it in caveat condition strings.
//
// The zero value is not usable; use New to construct one.
type Checker struct {
	namespace *Namespace
	checkers  map[string]checkerEntry
}

// New returns a new Checker with the standard first-party predicates
// (time-before, declared, allow, deny, error) registered under
// StdNamespace, plus any checkers already registered in other (which
// may be nil). need-declared is not registered: it only appears in
// third-party caveat conditions and is interpreted by the discharger.
func New(other *Checker) *Checker {
	c := &Checker{
		namespace: NewNamespace(nil),
		checkers:  make(map[string]checkerEntry),
	}
	if other != nil {
		for cond, val := range other.checkers {
			c.checkers[cond] = val
		}
		for uri, prefix := range other.namespace.uriToPrefix {
			c.namespace.Register(uri, prefix)
		}
	}
	c.namespace.Register(StdNamespace, "")
	registerStd(c)
	return c
}

// Namespace returns the namespace used by the checker to resolve
// caveat condition prefixes.
func (c *Checker) Namespace() *Namespace {
	return c.namespace
}

// Register registers the given condition name, associated with the
// schema identified by uri, to be checked by checkFn. If uri has not
// itself been registered with the checker's namespace, Register
// registers it with an empty prefix.
//
// It is an error to register the same condition name in the same
// namespace more than once, to register a condition containing a
// colon with an empty-prefix namespace, or to register a nil checkFn.
func (c *Checker) Register(cond, uri string, checkFn Func) error {
	if checkFn == nil {
		return errgo.Newf("nil check function registered for namespace %q when registering condition %q", uri, cond)
	}
	if strings.Contains(cond, " ") {
		return errgo.Newf("caveat condition %q contains a space", cond)
	}
	if !IsValidSchemaURI(uri) {
		return errgo.Newf("invalid namespace URI %q when registering condition %q", uri, cond)
	}
	prefix, ok := c.namespace.Resolve(uri)
	if !ok {
		c.namespace.Register(uri, "")
		prefix, _ = c.namespace.Resolve(uri)
	}
	if prefix == "" && strings.Contains(cond, ":") {
		return errgo.Newf("caveat condition %q in namespace %q cannot contain a colon because its prefix is empty", cond, uri)
	}
	key := ConditionWithPrefix(prefix, cond)
	if _, ok := c.checkers[key]; ok {
		return errgo.Newf("checker for %q (namespace %q) already registered", cond, uri)
	}
	c.checkers[key] = checkerEntry{
		prefix: prefix,
		check:  checkFn,
	}
	return nil
}

// CheckFirstPartyCaveat parses cav with ParseCaveat and dispatches it
// to the checker function registered for its (possibly namespace
// prefixed) condition. It implements bakery.FirstPartyCaveatChecker.
func (c *Checker) CheckFirstPartyCaveat(ctx context.Context, cav string) error {
	cond, arg, err := ParseCaveat(cav)
	if err != nil {
		return errgo.WithCausef(err, ErrCaveatNotRecognized, "cannot parse caveat %q", cav)
	}
	entry, ok := c.checkers[cond]
	if !ok {
		return errgo.WithCausef(nil, ErrCaveatNotRecognized, "caveat %q not satisfied: no checker found for condition %q", cav, cond)
	}
	if err := entry.check(ctx, cond, arg); err != nil {
		return errgo.NoteMask(err, fmt.Sprintf("caveat %q not satisfied", cav), errgo.Any)
	}
	return nil
}

func registerStd(c *Checker) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(c.Register(CondTimeBefore, StdNamespace, checkTimeBefore))
	must(c.Register(CondDeclared, StdNamespace, checkDeclared))
	must(c.Register(CondAllow, StdNamespace, checkAllow))
	must(c.Register(CondDeny, StdNamespace, checkDeny))
	must(c.Register(CondError, StdNamespace, checkError))
}

func checkError(ctx context.Context, cond, arg string) error {
	return errgo.Newf("%s", arg)
}

// ParseCaveat parses a caveat into a condition - the bare identifier
// (including any namespace prefix) used to look up the checker that
// should be used - and the argument to the checker (the rest of the
// string). The identifier is taken from all the characters before the
// first space character.
func ParseCaveat(cav string) (cond, arg string, err error) {
	if cav == "" {
		return "", "", errgo.New("empty caveat")
	}
	i := strings.IndexByte(cav, ' ')
	if i < 0 {
		return cav, "", nil
	}
	if i == 0 {
		return "", "", errgo.New("caveat starts with space character")
	}
	return cav[0:i], cav[i+1:], nil
}

// firstParty returns a Caveat with the given namespace-qualified
// condition and argument, encoded in the std namespace.
func firstParty(cond, arg string) Caveat {
	if arg != "" {
		cond = cond + " " + arg
	}
	return Caveat{
		Condition: cond,
		Namespace: StdNamespace,
	}
}

// ErrorCaveatf returns a caveat that will never be satisfied, holding
// the given formatted text as the caveat condition. It is used to
// surface construction-time errors (such as an unregistered namespace)
// as an ordinary caveat that fails cleanly at check time rather than a
// panic.
func ErrorCaveatf(f string, a ...interface{}) Caveat {
	return firstParty(CondError, fmt.Sprintf(f, a...))
}
