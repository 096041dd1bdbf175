package checkers

import (
	"context"
	"time"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

// Clock is used to check time-before caveats. When no Clock is
// associated with the context (see ContextWithClock), the system clock
// (time.Now) is used; tests inject a fake Clock to make expiry
// deterministic.
type Clock interface {
	Now() time.Time
}

type clockKey struct{}

// ContextWithClock returns a context that causes time-before caveats
// checked with it to use clock instead of the system clock.
func ContextWithClock(ctx context.Context, clock Clock) context.Context {
	return context.WithValue(ctx, clockKey{}, clock)
}

func clockFromContext(ctx context.Context) Clock {
	if clock, ok := ctx.Value(clockKey{}).(Clock); ok {
		return clock
	}
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func checkTimeBefore(ctx context.Context, _, arg string) error {
	t, err := time.Parse(time.RFC3339Nano, arg)
	if err != nil {
		return errgo.Mask(err)
	}
	if !clockFromContext(ctx).Now().Before(t) {
		return errgo.New("macaroon has expired")
	}
	return nil
}

// TimeBeforeCaveat returns a caveat that is satisfied only when checked
// strictly before t.
func TimeBeforeCaveat(t time.Time) Caveat {
	return firstParty(CondTimeBefore, t.UTC().Format(time.RFC3339Nano))
}

// ExpiryTime returns the minimum time of any time-before caveats found
// in the given list and reports whether any were found. Conditions are
// resolved against ns before being compared against CondTimeBefore.
func ExpiryTime(ns *Namespace, caveats []macaroon.Caveat) (time.Time, bool) {
	prefix, _ := ns.Resolve(StdNamespace)
	timeBeforeCond := ConditionWithPrefix(prefix, CondTimeBefore)

	var t time.Time
	for _, cav := range caveats {
		if cav.Location != "" {
			continue
		}
		cond, arg, err := ParseCaveat(string(cav.Id))
		if err != nil || cond != timeBeforeCond {
			continue
		}
		et, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			continue
		}
		if t.IsZero() || et.Before(t) {
			t = et
		}
	}
	return t, !t.IsZero()
}

// MacaroonsExpiryTime returns the minimum expiry time of any time-before
// caveats found in the given macaroons, and reports whether any were
// found.
func MacaroonsExpiryTime(ns *Namespace, ms macaroon.Slice) (time.Time, bool) {
	var t time.Time
	var found bool
	for _, m := range ms {
		if et, ok := ExpiryTime(ns, m.Caveats()); ok && (!found || et.Before(t)) {
			t, found = et, true
		}
	}
	return t, found
}
