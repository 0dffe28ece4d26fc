package bus

import "context"

type callContextKey struct{}

type callContext struct {
	c    *Conn
	call *MethodCall
}

func withContextCall(ctx context.Context, c *Conn, call *MethodCall) context.Context {
	return context.WithValue(ctx, callContextKey{}, callContext{c, call})
}

// ContextCall returns the method call being handled, if ctx was
// passed to a MethodFunc.
func ContextCall(ctx context.Context) (*MethodCall, bool) {
	v, ok := ctx.Value(callContextKey{}).(callContext)
	if !ok {
		return nil, false
	}
	return v.call, true
}

// ContextSender returns the interface of the caller that sent the
// method call being handled, if ctx was passed to a MethodFunc. The
// returned Interface can be used to call back into the sender.
func ContextSender(ctx context.Context) (Interface, bool) {
	v, ok := ctx.Value(callContextKey{}).(callContext)
	if !ok {
		return Interface{}, false
	}
	return v.c.Peer(v.call.Sender).Object(v.call.Path).Interface(v.call.Interface), true
}
