package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const calcPath = gvariant.ObjectPath("/org/example/calc")

func TestCall(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		t.Run(string(order.Flag()), func(t *testing.T) {
			client, server := pipe(t, WithByteOrder(order))
			exportCalc(t, server, nil)

			params := mustFrom(t, struct{ A, B int32 }{2, 40})
			defer params.Release()
			reply, err := client.Call(context.Background(), "", calcPath, "org.example.Calc", "Add", params, time.Second)
			if err != nil {
				t.Fatalf("Call(Add) got err: %v", err)
			}
			defer reply.Release()
			if got, want := reply.String(), "(42,)"; got != want {
				t.Errorf("Call(Add) = %s, want %s", got, want)
			}
			if params.RefCount() != 1 {
				t.Errorf("params refcount = %d after Call, want 1", params.RefCount())
			}
		})
	}
}

func TestCallWithoutInterface(t *testing.T) {
	client, server := pipe(t)
	exportCalc(t, server, nil)

	params := mustFrom(t, struct{ A, B int32 }{1, 1})
	defer params.Release()
	reply, err := client.Call(context.Background(), "", calcPath, "", "Add", params, 0)
	if err != nil {
		t.Fatalf("Call(Add) got err: %v", err)
	}
	defer reply.Release()
	if got, want := reply.String(), "(2,)"; got != want {
		t.Errorf("Call(Add) = %s, want %s", got, want)
	}
}

func TestCallErrors(t *testing.T) {
	client, server := pipe(t)
	exportCalc(t, server, nil)

	tests := []struct {
		name     string
		path     gvariant.ObjectPath
		iface    string
		method   string
		params   any
		wantName string
		wantText string
	}{
		{"wrong args", calcPath, "org.example.Calc", "Add", struct{ S string }{"x"}, ErrNameInvalidArgs, "takes (ii), got (s)"},
		{"no args", calcPath, "org.example.Calc", "Add", nil, ErrNameInvalidArgs, "got ()"},
		{"unknown method", calcPath, "org.example.Calc", "Sub", struct{ A, B int32 }{1, 2}, ErrNameUnknownMethod, "no method Sub"},
		{"unknown interface", calcPath, "org.example.Nope", "Add", nil, ErrNameUnknownInterface, "no interface org.example.Nope"},
		{"unknown object", "/nope", "org.example.Calc", "Add", nil, ErrNameUnknownObject, "no object at /nope"},
		{"handler CallError", calcPath, "org.example.Calc", "Fail", struct{ S string }{"org.example.Error.Custom"}, "org.example.Error.Custom", "requested failure"},
		{"handler error", calcPath, "org.example.Calc", "Fail", struct{ S string }{""}, ErrNameFailed, "plain failure"},
		{"wrong reply type", calcPath, "org.example.Calc", "Bad", nil, ErrNameFailed, "returned (i), want (s)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var params *gvariant.Value
			if tc.params != nil {
				params = mustFrom(t, tc.params)
				defer params.Release()
			}
			reply, err := client.Call(context.Background(), "", tc.path, tc.iface, tc.method, params, time.Second)
			if err == nil {
				reply.Release()
				t.Fatal("Call() succeeded, want error")
			}
			if !errors.Is(err, gvariant.ErrNativeFailure) {
				t.Errorf("Call() err = %v, want ErrNativeFailure", err)
			}
			if !gvariant.Retryable(err) {
				t.Errorf("Retryable(%v) = false, want true", err)
			}
			var ce *CallError
			if !errors.As(err, &ce) {
				t.Fatalf("Call() err = %v, want a *CallError", err)
			}
			if ce.Name != tc.wantName {
				t.Errorf("CallError name = %q, want %q", ce.Name, tc.wantName)
			}
			if !strings.Contains(ce.Detail, tc.wantText) {
				t.Errorf("CallError detail = %q, want it to contain %q", ce.Detail, tc.wantText)
			}
		})
	}
}

func TestCallNotTuple(t *testing.T) {
	client, _ := pipe(t)
	params := gvariant.NewInt32(1)
	defer params.Release()
	_, err := client.Call(context.Background(), "", calcPath, "org.example.Calc", "Add", params, time.Second)
	if !errors.Is(err, gvariant.ErrTypeMismatch) {
		t.Fatalf("Call() with non-tuple params err = %v, want ErrTypeMismatch", err)
	}
	if gvariant.Retryable(err) {
		t.Errorf("Retryable(%v) = true, want false", err)
	}
}

func TestCallTimeout(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	defer close(release)
	exportCalc(t, server, release)

	start := time.Now()
	_, err := client.Call(context.Background(), "", calcPath, "org.example.Calc", "Wait", nil, 50*time.Millisecond)
	if !errors.Is(err, gvariant.ErrTimeout) {
		t.Fatalf("Call(Wait) err = %v, want ErrTimeout", err)
	}
	if !gvariant.Retryable(err) {
		t.Errorf("Retryable(%v) = false, want true", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Call(Wait) took %v to time out", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "", calcPath, "org.example.Calc", "Wait", nil, time.Minute)
	if !errors.Is(err, gvariant.ErrTimeout) {
		t.Fatalf("Call(Wait) with context deadline err = %v, want ErrTimeout", err)
	}
}

func TestCallCanceled(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	defer close(release)
	exportCalc(t, server, release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Call(ctx, "", calcPath, "org.example.Calc", "Wait", nil, time.Minute)
	if !errors.Is(err, gvariant.ErrNativeFailure) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Call(Wait) err = %v, want NativeFailure wrapping context.Canceled", err)
	}
}

func TestGo(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	exportCalc(t, server, release)

	p, err := client.Go(context.Background(), "", calcPath, "org.example.Calc", "Wait", nil)
	if err != nil {
		t.Fatalf("Go(Wait) got err: %v", err)
	}
	select {
	case <-p.Done():
		t.Fatal("call completed before handler was released")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete after release")
	}
	reply, err := p.Result()
	if err != nil {
		t.Fatalf("Result() got err: %v", err)
	}
	if got, want := reply.TypeString(), "()"; got != want {
		t.Errorf("reply type = %s, want %s", got, want)
	}
	reply.Release()

	if _, err := p.Result(); !errors.Is(err, gvariant.ErrUseAfterFinish) {
		t.Errorf("second Result() err = %v, want ErrUseAfterFinish", err)
	}
}

func TestGoCancel(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	defer close(release)
	exportCalc(t, server, release)

	p, err := client.Go(context.Background(), "", calcPath, "org.example.Calc", "Wait", nil)
	if err != nil {
		t.Fatalf("Go(Wait) got err: %v", err)
	}
	p.Cancel()
	<-p.Done()
	if _, err := p.Result(); !errors.Is(err, context.Canceled) {
		t.Errorf("Result() after Cancel err = %v, want context.Canceled", err)
	}
}

func TestNoReply(t *testing.T) {
	client, server := pipe(t)
	called := make(chan string, 1)
	desc := &InterfaceDescription{
		Name:    "org.example.Notify",
		Methods: []*MethodDescription{{Name: "Poke", In: []ArgumentDescription{{"msg", sig("s")}}, NoReply: true}},
	}
	_, err := server.Export("/", desc, DispatchTable{
		"Poke": func(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
			var args struct{ Msg string }
			if err := call.Params.Store(&args); err != nil {
				return nil, err
			}
			called <- args.Msg
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Export() got err: %v", err)
	}

	params := mustFrom(t, struct{ Msg string }{"hello"})
	defer params.Release()
	reply, err := client.Call(context.Background(), "", "/", "org.example.Notify", "Poke", params, time.Second, NoReply())
	if err != nil {
		t.Fatalf("Call(Poke) got err: %v", err)
	}
	if reply != nil {
		t.Errorf("Call(Poke) with NoReply returned %s, want nil", reply)
	}
	select {
	case got := <-called:
		if got != "hello" {
			t.Errorf("handler got %q, want hello", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestContextSender(t *testing.T) {
	client, server := pipe(t)
	exportCalc(t, server, nil)

	var resp struct {
		Path  gvariant.ObjectPath
		Iface string
	}
	err := client.Peer("").Object(calcPath).Interface("org.example.Calc").CallStore(context.Background(), "Who", nil, &resp)
	if err != nil {
		t.Fatalf("CallStore(Who) got err: %v", err)
	}
	if resp.Path != calcPath || resp.Iface != "org.example.Calc" {
		t.Errorf("Who() = %v, want %s org.example.Calc", resp, calcPath)
	}
}

func TestClose(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	defer close(release)
	exportCalc(t, server, release)

	p, err := client.Go(context.Background(), "", calcPath, "org.example.Calc", "Wait", nil)
	if err != nil {
		t.Fatalf("Go(Wait) got err: %v", err)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Error("Done() not closed after Close")
	}

	if _, err := p.Result(); !errors.Is(err, gvariant.ErrNativeFailure) {
		t.Errorf("pending call err = %v, want ErrNativeFailure", err)
	}
	_, err = client.Call(context.Background(), "", calcPath, "org.example.Calc", "Add", nil, time.Second)
	if !errors.Is(err, gvariant.ErrNativeFailure) {
		t.Errorf("Call() after Close err = %v, want ErrNativeFailure", err)
	}

	// The server notices the peer going away.
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after client closed")
	}
	if err := server.Err(); err == nil {
		t.Error("server Err() = nil after shutdown")
	}
}

func TestPingAndIntrospect(t *testing.T) {
	client, server := pipe(t)
	exportCalc(t, server, nil)
	ctx := context.Background()

	peer := client.Peer("")
	if err := peer.Ping(ctx); err != nil {
		t.Fatalf("Ping() got err: %v", err)
	}

	root, err := peer.Object("/").Describe(ctx)
	if err != nil {
		t.Fatalf("Describe(/) got err: %v", err)
	}
	if diff := cmp.Diff(root.Children, []string{"org"}); diff != "" {
		t.Errorf("children of / wrong (-got+want):\n%s", diff)
	}

	obj, err := peer.Object(calcPath).Describe(ctx)
	if err != nil {
		t.Fatalf("Describe(%s) got err: %v", calcPath, err)
	}
	var ifaces []string
	for name := range obj.Interfaces {
		ifaces = append(ifaces, name)
	}
	want := []string{ifacePeer, ifaceIntrospectable, ifaceProps, "org.example.Calc"}
	if diff := cmp.Diff(ifaces, want, sortStrings); diff != "" {
		t.Errorf("interfaces of %s wrong (-got+want):\n%s", calcPath, diff)
	}
	add := obj.Interfaces["org.example.Calc"].Method("Add")
	if add == nil {
		t.Fatal("introspected interface has no Add method")
	}
	if got, want := add.String(), "func Add(a i, b i) (sum i)"; got != want {
		t.Errorf("Add description = %q, want %q", got, want)
	}
}

func TestProperties(t *testing.T) {
	client, server := pipe(t)
	reg := exportCalc(t, server, nil)
	ctx := context.Background()

	if err := reg.SetProperty("Model", mustFrom(t, "HP-15C")); err != nil {
		t.Fatalf("SetProperty(Model) got err: %v", err)
	}
	if err := reg.SetProperty("Precision", gvariant.NewUint32(4)); err != nil {
		t.Fatalf("SetProperty(Precision) got err: %v", err)
	}
	bad := gvariant.NewInt32(4)
	if err := reg.SetProperty("Precision", bad); !errors.Is(err, gvariant.ErrTypeMismatch) {
		t.Errorf("SetProperty with wrong type err = %v, want ErrTypeMismatch", err)
	}
	bad.Release()

	iface := client.Peer("").Object(calcPath).Interface("org.example.Calc")
	v, err := iface.GetProperty(ctx, "Model")
	if err != nil {
		t.Fatalf("GetProperty(Model) got err: %v", err)
	}
	if got, want := v.String(), "'HP-15C'"; got != want {
		t.Errorf("GetProperty(Model) = %s, want %s", got, want)
	}
	v.Release()

	nv := gvariant.NewUint32(8)
	if err := iface.SetProperty(ctx, "Precision", nv); err != nil {
		t.Fatalf("SetProperty(Precision) got err: %v", err)
	}
	nv.Release()
	local, ok := reg.Property("Precision")
	if !ok {
		t.Fatal("Precision has no value after remote set")
	}
	if got, err := local.AsUint32(); err != nil || got != 8 {
		t.Errorf("Precision = %v, %v, want 8", got, err)
	}
	local.Release()

	ro := mustFrom(t, "other")
	err = iface.SetProperty(ctx, "Model", ro)
	ro.Release()
	var ce *CallError
	if !errors.As(err, &ce) || ce.Name != ErrNamePropertyReadOnly {
		t.Errorf("SetProperty(Model) err = %v, want %s", err, ErrNamePropertyReadOnly)
	}

	wrong := mustFrom(t, "eight")
	err = iface.SetProperty(ctx, "Precision", wrong)
	wrong.Release()
	if !errors.As(err, &ce) || ce.Name != ErrNameInvalidArgs {
		t.Errorf("SetProperty(Precision, string) err = %v, want %s", err, ErrNameInvalidArgs)
	}

	if _, err := iface.GetProperty(ctx, "Nope"); !errors.As(err, &ce) || ce.Name != ErrNameUnknownProperty {
		t.Errorf("GetProperty(Nope) err = %v, want %s", err, ErrNameUnknownProperty)
	}

	all, err := iface.GetAllProperties(ctx)
	if err != nil {
		t.Fatalf("GetAllProperties() got err: %v", err)
	}
	got := map[string]string{}
	for k, v := range all {
		got[k] = v.String()
		v.Release()
	}
	wantAll := map[string]string{
		"Model":     "'HP-15C'",
		"Precision": "uint32 8",
	}
	if diff := cmp.Diff(got, wantAll); diff != "" {
		t.Errorf("GetAllProperties() wrong (-got+want):\n%s", diff)
	}
}

func TestExportErrors(t *testing.T) {
	_, server := pipe(t)
	exportCalc(t, server, nil)
	noop := func(context.Context, *MethodCall) (*gvariant.Value, error) { return nil, nil }

	tests := []struct {
		name    string
		path    gvariant.ObjectPath
		desc    *InterfaceDescription
		methods DispatchTable
		kind    error
	}{
		{"bad path", "org/example", calcDescription, nil, gvariant.ErrTypeMismatch},
		{"nil description", "/x", nil, nil, gvariant.ErrTypeMismatch},
		{"reserved", "/x", &InterfaceDescription{Name: ifacePeer}, nil, gvariant.ErrTypeMismatch},
		{"missing handler", "/x", calcDescription, DispatchTable{"Add": noop}, gvariant.ErrTypeMismatch},
		{"extra handler", "/x", &InterfaceDescription{Name: "org.example.Empty"}, DispatchTable{"Add": noop}, gvariant.ErrTypeMismatch},
		{
			"indefinite arg", "/x",
			&InterfaceDescription{Name: "org.example.Any", Methods: []*MethodDescription{{Name: "M", In: []ArgumentDescription{{"x", sig("*")}}}}},
			DispatchTable{"M": noop},
			gvariant.ErrTypeMismatch,
		},
		{
			"duplicate", calcPath,
			&InterfaceDescription{Name: "org.example.Calc"},
			nil,
			gvariant.ErrNativeFailure,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := server.Export(tc.path, tc.desc, tc.methods)
			if err == nil {
				reg.Close()
				t.Fatal("Export() succeeded, want error")
			}
			if !errors.Is(err, tc.kind) {
				t.Errorf("Export() err = %v, want %v", err, tc.kind)
			}
		})
	}
}

func TestUnexport(t *testing.T) {
	client, server := pipe(t)
	reg := exportCalc(t, server, nil)
	if err := reg.SetProperty("Precision", gvariant.NewUint32(1)); err != nil {
		t.Fatalf("SetProperty() got err: %v", err)
	}
	reg.Close()
	reg.Close()

	params := mustFrom(t, struct{ A, B int32 }{1, 2})
	defer params.Release()
	_, err := client.Call(context.Background(), "", calcPath, "org.example.Calc", "Add", params, time.Second)
	var ce *CallError
	if !errors.As(err, &ce) || ce.Name != ErrNameUnknownObject {
		t.Errorf("Call() after unexport err = %v, want %s", err, ErrNameUnknownObject)
	}
	if _, ok := reg.Property("Precision"); ok {
		t.Error("property still set after Close")
	}

	// The path can be exported again.
	exportCalc(t, server, nil)
}

var sortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })
