package checkers

import (
	"context"
	"strings"

	errgo "gopkg.in/errgo.v1"
)

type opKey struct{}

// ContextWithOperations returns a context associated with all the given
// operation actions. An allow caveat will succeed only if every
// operation in ops is among the allowed operations; a deny caveat will
// succeed only if none of the denied operations are in ops.
func ContextWithOperations(ctx context.Context, ops ...string) context.Context {
	return context.WithValue(ctx, opKey{}, ops)
}

func operationsFromContext(ctx context.Context) []string {
	ops, _ := ctx.Value(opKey{}).([]string)
	return ops
}

// AllowCaveat returns a caveat that denies use of the macaroon for any
// operation other than those listed. Operation names must not contain
// spaces.
func AllowCaveat(op ...string) Caveat {
	if len(op) == 0 {
		return ErrorCaveatf("no operations allowed")
	}
	return operationCaveat(CondAllow, op)
}

// DenyCaveat returns a caveat that denies use of the macaroon for any
// of the listed operations. Operation names must not contain spaces.
func DenyCaveat(op ...string) Caveat {
	return operationCaveat(CondDeny, op)
}

func operationCaveat(cond string, op []string) Caveat {
	for _, o := range op {
		if strings.IndexByte(o, ' ') != -1 {
			return ErrorCaveatf("invalid operation name %q", o)
		}
	}
	return firstParty(cond, strings.Join(op, " "))
}

func checkAllow(ctx context.Context, _, arg string) error {
	return checkOperation(ctx, true, arg)
}

func checkDeny(ctx context.Context, _, arg string) error {
	return checkOperation(ctx, false, arg)
}

// checkOperation checks an allow or deny caveat. needOps specifies
// whether every operation declared in the context must appear in the
// caveat's operation list (allow) or must not appear (deny).
func checkOperation(ctx context.Context, needOps bool, arg string) error {
	ctxOps := operationsFromContext(ctx)
	if len(ctxOps) == 0 {
		if needOps {
			f := strings.Fields(arg)
			if len(f) == 0 {
				return errgo.New("no operations allowed")
			}
			return errgo.Newf("%s not allowed", f[0])
		}
		return nil
	}
	fields := strings.Fields(arg)
	for _, op := range ctxOps {
		if err := checkOneOp(op, needOps, fields); err != nil {
			return errgo.Mask(err)
		}
	}
	return nil
}

func checkOneOp(ctxOp string, needOp bool, fields []string) error {
	found := false
	for _, op := range fields {
		if op == ctxOp {
			found = true
			break
		}
	}
	if found != needOp {
		return errgo.Newf("%s not allowed", ctxOp)
	}
	return nil
}
