package bus

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/transport"
)

// pipe returns two peer to peer connections joined by an in-memory
// pipe. Options apply to the client side.
func pipe(t *testing.T, opts ...Option) (client, server *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewConn(ctx, transport.NewStream(a), append(opts, PeerToPeer())...)
	if err != nil {
		t.Fatalf("NewConn(client) got err: %v", err)
	}
	server, err = NewConn(ctx, transport.NewStream(b), PeerToPeer())
	if err != nil {
		client.Close()
		t.Fatalf("NewConn(server) got err: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func sig(s string) gvariant.Signature {
	return gvariant.MustParseSignature(s)
}

// calcDescription is the interface exported by exportCalc.
var calcDescription = &InterfaceDescription{
	Name: "org.example.Calc",
	Methods: []*MethodDescription{
		{
			Name: "Add",
			In:   []ArgumentDescription{{"a", sig("i")}, {"b", sig("i")}},
			Out:  []ArgumentDescription{{"sum", sig("i")}},
		},
		{
			Name: "Fail",
			In:   []ArgumentDescription{{"name", sig("s")}},
		},
		{
			Name: "Wait",
		},
		{
			Name: "Bad",
			Out:  []ArgumentDescription{{"s", sig("s")}},
		},
		{
			Name: "Who",
			Out:  []ArgumentDescription{{"path", sig("o")}, {"iface", sig("s")}},
		},
	},
	Properties: []*PropertyDescription{
		{Name: "Precision", Type: sig("u"), Readable: true, Writable: true, EmitsSignal: true, SignalIncludesValue: true},
		{Name: "Model", Type: sig("s"), Readable: true, Constant: true},
	},
}

// exportCalc exports calcDescription at /org/example/calc on c.
//
// Wait blocks until release is closed or the connection shuts down.
func exportCalc(t *testing.T, c *Conn, release <-chan struct{}) *Registration {
	t.Helper()
	reg, err := c.Export("/org/example/calc", calcDescription, DispatchTable{
		"Add": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			var args struct{ A, B int32 }
			if err := call.Params.Store(&args); err != nil {
				return nil, err
			}
			return gvariant.From(struct{ Sum int32 }{args.A + args.B})
		},
		"Fail": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			var args struct{ Name string }
			if err := call.Params.Store(&args); err != nil {
				return nil, err
			}
			if args.Name == "" {
				return nil, errors.New("plain failure")
			}
			return nil, &CallError{Name: args.Name, Detail: "requested failure"}
		},
		"Wait": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
		"Bad": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			return gvariant.From(struct{ N int32 }{1})
		},
		"Who": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			sender, ok := ContextSender(ctx)
			if !ok {
				return nil, errors.New("no sender in context")
			}
			return gvariant.From(struct {
				Path  gvariant.ObjectPath
				Iface string
			}{sender.Object().Path(), sender.Name()})
		},
	})
	if err != nil {
		t.Fatalf("Export() got err: %v", err)
	}
	return reg
}

func mustFrom(t *testing.T, v any) *gvariant.Value {
	t.Helper()
	ret, err := gvariant.From(v)
	if err != nil {
		t.Fatalf("From(%v) got err: %v", v, err)
	}
	return ret
}
