package checkers

import (
	"context"
	"strings"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

type declaredKey string

// ContextWithDeclared returns a context that associates each key in
// declared with its value, for later lookup by a "declared" caveat
// check.
func ContextWithDeclared(ctx context.Context, declared map[string]string) context.Context {
	for k, v := range declared {
		ctx = context.WithValue(ctx, declaredKey(k), v)
	}
	return ctx
}

func declaredFromContext(ctx context.Context, key string) (string, bool) {
	val, ok := ctx.Value(declaredKey(key)).(string)
	return val, ok
}

// DeclaredCaveat returns a caveat that, when added to a macaroon,
// declares that the given key has the given value. Declared caveats
// are typically added to discharge macaroons by an identity service so
// that the declared attributes can be recovered by
// InferDeclaredFromConditions after the macaroon bundle has been
// verified.
func DeclaredCaveat(key, value string) Caveat {
	if key == "" || strings.ContainsAny(key, " =") {
		return ErrorCaveatf("invalid declared key %q", key)
	}
	return firstParty(CondDeclared, key+" "+value)
}

// RegisterDeclaredCaveat registers the "declared" checking logic under
// the condition name cond in the given namespace URI, so that
// declared-style caveats can be added with conditions resolved against
// that namespace rather than only as "declared" in StdNamespace (which
// New already registers).
func RegisterDeclaredCaveat(c *Checker, cond, namespace string) {
	if err := c.Register(cond, namespace, checkDeclared); err != nil {
		panic(err)
	}
}

func checkDeclared(ctx context.Context, _, arg string) error {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 {
		return errgo.Newf("declared caveat has no value")
	}
	key, wantVal := parts[0], parts[1]
	gotVal, ok := declaredFromContext(ctx, key)
	if !ok {
		return errgo.Newf("got %q, expected a value for key %q", arg, key)
	}
	if gotVal != wantVal {
		return errgo.Newf("got %q, expected %q", gotVal, wantVal)
	}
	return nil
}

// InferDeclaredFromConditions examines conds (first party caveat
// condition strings already resolved against ns) and returns the map
// of declared key/value pairs they establish.
//
// If a key is declared more than once with inconsistent values, it is
// omitted from the result entirely, so that a subsequent "declared"
// check for that key fails rather than silently picking one of the
// conflicting values.
func InferDeclaredFromConditions(ns *Namespace, conds []string) map[string]string {
	prefix, _ := ns.Resolve(StdNamespace)
	declaredCond := ConditionWithPrefix(prefix, CondDeclared)

	values := make(map[string]string)
	conflicted := make(map[string]bool)
	for _, cond := range conds {
		name, arg, err := ParseCaveat(cond)
		if err != nil || name != declaredCond {
			continue
		}
		parts := strings.SplitN(arg, " ", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if conflicted[key] {
			continue
		}
		if existing, ok := values[key]; ok {
			if existing != val {
				delete(values, key)
				conflicted[key] = true
			}
			continue
		}
		values[key] = val
	}
	return values
}

// NeedDeclaredCaveat wraps the given third party caveat so that the
// discharge, once obtained, is required to declare a value (possibly
// empty) for every key in keys, regardless of whether the discharger
// itself cares about any of them.
//
// It is used to ensure that information is present in a macaroon even
// if the party discharging the third party caveat doesn't care about
// that information, so that a later first-party "declared" check can
// rely on the key being present.
func NeedDeclaredCaveat(cav Caveat, keys ...string) Caveat {
	for _, k := range keys {
		if strings.ContainsAny(k, " ,") {
			return ErrorCaveatf("need-declared key %q is invalid", k)
		}
	}
	return Caveat{
		Location:  cav.Location,
		Condition: CondNeedDeclared + " " + strings.Join(keys, ",") + " " + cav.Condition,
	}
}

// ContextWithMacaroons returns a context that makes the declared
// key/value pairs established by the first-party caveats of ms
// available to a subsequent "declared" caveat check, resolving
// conditions according to ns.
func ContextWithMacaroons(ctx context.Context, ns *Namespace, ms macaroon.Slice) context.Context {
	return ContextWithDeclared(ctx, InferDeclared(ns, ms))
}

// InferDeclared is like InferDeclaredFromConditions except that it
// extracts the conditions directly from the first party caveats of
// every macaroon in ms.
func InferDeclared(ns *Namespace, ms macaroon.Slice) map[string]string {
	var conds []string
	for _, m := range ms {
		for _, cav := range m.Caveats() {
			if cav.Location == "" {
				conds = append(conds, string(cav.Id))
			}
		}
	}
	return InferDeclaredFromConditions(ns, conds)
}
