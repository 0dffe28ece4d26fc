package bus_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/bus"
	"github.com/danderson/gvariant/bustest"
)

// Turn off while debugging if the bus monitor output is too much.
const logBusTraffic = true

func TestBusDaemon(t *testing.T) {
	b := bustest.New(t, logBusTraffic)
	conn := b.MustConn(t)
	ctx := context.Background()

	name := conn.LocalName()
	if !strings.HasPrefix(name, ":1.") {
		t.Errorf("LocalName() = %q, want a unique name", name)
	}

	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames() got err: %v", err)
	}
	for _, want := range []string{name, "org.freedesktop.DBus"} {
		if !slices.Contains(names, want) {
			t.Errorf("ListNames() = %v, missing %s", names, want)
		}
	}

	id, err := conn.BusID(ctx)
	if err != nil {
		t.Errorf("BusID() got err: %v", err)
	} else if id == "" {
		t.Error("BusID() is empty")
	}

	primary, err := conn.RequestName(ctx, "org.example.Test", bus.NameRequestNoQueue)
	if err != nil {
		t.Fatalf("RequestName() got err: %v", err)
	}
	if !primary {
		t.Error("RequestName() did not make conn the primary owner")
	}
	owner, err := conn.GetNameOwner(ctx, "org.example.Test")
	if err != nil {
		t.Fatalf("GetNameOwner() got err: %v", err)
	}
	if owner != name {
		t.Errorf("GetNameOwner() = %q, want %q", owner, name)
	}

	other := b.MustConn(t)
	if _, err := other.RequestName(ctx, "org.example.Test", bus.NameRequestNoQueue); !errors.Is(err, gvariant.ErrNativeFailure) {
		t.Errorf("RequestName() of owned name err = %v, want ErrNativeFailure", err)
	}

	if err := conn.ReleaseName(ctx, "org.example.Test"); err != nil {
		t.Fatalf("ReleaseName() got err: %v", err)
	}
	has, err := conn.NameHasOwner(ctx, "org.example.Test")
	if err != nil {
		t.Fatalf("NameHasOwner() got err: %v", err)
	}
	if has {
		t.Error("NameHasOwner() = true after ReleaseName")
	}
}

func TestBusCall(t *testing.T) {
	b := bustest.New(t, logBusTraffic)
	server := b.MustConn(t)
	client := b.MustConn(t)
	ctx := context.Background()

	desc := &bus.InterfaceDescription{
		Name: "org.example.Echo",
		Methods: []*bus.MethodDescription{
			{
				Name: "Echo",
				In:   []bus.ArgumentDescription{{Name: "in", Type: gvariant.MustParseSignature("v")}},
				Out:  []bus.ArgumentDescription{{Name: "out", Type: gvariant.MustParseSignature("v")}},
			},
		},
	}
	_, err := server.Export("/echo", desc, bus.DispatchTable{
		"Echo": func(ctx context.Context, call *bus.MethodCall) (*gvariant.Value, error) {
			return call.Params.Retain(), nil
		},
	})
	if err != nil {
		t.Fatalf("Export() got err: %v", err)
	}
	if _, err := server.RequestName(ctx, "org.example.Echo", 0); err != nil {
		t.Fatalf("RequestName() got err: %v", err)
	}

	arg, err := gvariant.From(map[string]int32{"answer": 42})
	if err != nil {
		t.Fatal(err)
	}
	v, err := gvariant.NewVariant(arg)
	if err != nil {
		t.Fatal(err)
	}
	params, err := gvariant.NewTuple(v)
	if err != nil {
		t.Fatal(err)
	}
	defer params.Release()

	reply, err := client.Call(ctx, "org.example.Echo", "/echo", "org.example.Echo", "Echo", params, 5*time.Second)
	if err != nil {
		t.Fatalf("Call(Echo) got err: %v", err)
	}
	defer reply.Release()
	if !reply.Equal(params) {
		t.Errorf("Call(Echo) = %s, want %s", reply, params)
	}

	pid, err := client.PeerPID(ctx, "org.example.Echo")
	if err != nil {
		t.Errorf("PeerPID() got err: %v", err)
	} else if pid == 0 {
		t.Error("PeerPID() = 0")
	}

	_, err = client.Call(ctx, "org.example.Nobody", "/", "org.example.Echo", "Echo", params, 5*time.Second, bus.NoAutoStart())
	var ce *bus.CallError
	if !errors.As(err, &ce) || ce.Name != bus.ErrNameServiceUnknown {
		t.Errorf("Call() to missing peer err = %v, want %s", err, bus.ErrNameServiceUnknown)
	}
}
