package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/bus"
	"github.com/danderson/gvariant/fragments"
	"github.com/kr/pretty"
	"github.com/rs/zerolog"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Address       string        `flag:"address,Connect to this bus address instead of a well-known bus"`
	LogLevel      string        `flag:"log-level,default=warn,Log level for bus connection diagnostics"`
	Timeout       time.Duration `flag:"timeout,default=25s,Timeout for each method call"`
	BigEndian     bool          `flag:"big-endian,Use big endian byte order for encoded output"`
}

func logger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(globalArgs.LogLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

func byteOrder() fragments.ByteOrder {
	if globalArgs.BigEndian {
		return fragments.BigEndian
	}
	return fragments.LittleEndian
}

func busConn(ctx context.Context) (*bus.Conn, error) {
	opts := []bus.Option{bus.WithLogger(logger())}
	switch {
	case globalArgs.Address != "":
		return bus.Dial(ctx, globalArgs.Address, opts...)
	case globalArgs.UseSessionBus:
		return bus.SessionBus(ctx, opts...)
	default:
		return bus.SystemBus(ctx, opts...)
	}
}

func main() {
	root := &command.C{
		Name:     "gvariant",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "sig",
				Usage: "sig signature...",
				Help:  "Parse type signatures and describe their structure.",
				Run:   runSig,
			},
			{
				Name:  "encode",
				Usage: "encode signature [arg...]",
				Help: `Encode arguments in DBus wire format.

The signature is a list of complete types, as found in a message
header. Each type must be basic, or a variant. Variant arguments are
written as type:text, for example "u:42".`,
				Run: runEncode,
			},
			{
				Name:  "decode",
				Usage: "decode signature hex",
				Help:  "Decode hex DBus wire data of the given signature and print it.",
				Run:   command.Adapt(runDecode),
			},
			{
				Name:  "call",
				Usage: "call peer object interface.method [signature arg...]",
				Help:  "Call a method and print the reply. Arguments are given as for encode.",
				Run:   runCall,
			},
			{
				Name:     "ping",
				Usage:    "ping peer",
				Help:     "Ping a peer, and report round trip times.",
				SetFlags: command.Flags(flax.MustBind, &pingArgs),
				Run:      command.Adapt(runPing),
			},
			{
				Name:     "names",
				Usage:    "names [regexp]",
				Help:     "List the names on the bus.",
				SetFlags: command.Flags(flax.MustBind, &namesArgs),
				Run:      runNames,
			},
			{
				Name:  "tree",
				Usage: "tree peer [object-regexp] [interface-regexp]",
				Help: `List the objects and interfaces of a peer.

Unless explicitly asked for, the listing omits the three well-known
interfaces that most objects implement:
  org.freedesktop.DBus.Peer
  org.freedesktop.DBus.Properties
  org.freedesktop.DBus.Introspectable
`,
				Run: runTree,
			},
			{
				Name:  "listen",
				Usage: "listen [interface [member]]",
				Help:  "Print signals broadcast on the bus until interrupted.",
				Run:   runListen,
			},
			{
				Name:  "serve-echo",
				Usage: "serve-echo [name]",
				Help: `Serve an echo service at /org/example/Echo.

The org.example.Echo interface has a method Echo(v) -> v that returns
its argument, and a read-only property Count with the number of echoes
served. If a name is given, it is claimed on the bus.`,
				Run: runServeEcho,
			},
			{
				Name:  "env",
				Usage: "env",
				Help:  "Describe the local platform and bus environment.",
				Run:   command.Adapt(runEnv),
			},
			{
				Name:  "utf16",
				Usage: "utf16 text [byte-offset]",
				Help:  "Encode text as UTF-16, and optionally convert a UTF-8 byte offset into a UTF-16 offset.",
				Run:   runUTF16,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runSig(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("sig requires at least one signature")
	}
	var out indenter
	for _, s := range env.Args {
		sig, err := gvariant.ParseSignature(s)
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		describeSig(&out, sig, 0)
	}
	return nil
}

func describeSig(out *indenter, sig gvariant.Signature, depth int) {
	out.indent(depth)
	var attrs []string
	if sig.IsBasic() {
		attrs = append(attrs, "basic")
	}
	if !sig.IsDefinite() {
		attrs = append(attrs, "indefinite")
	}
	if len(attrs) > 0 {
		out.f("%s %s [%s]", sig, sig.Code(), strings.Join(attrs, ","))
	} else {
		out.f("%s %s", sig, sig.Code())
	}
	for _, m := range sig.Members() {
		describeSig(out, m, depth+1)
	}
}

func runEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("encode requires a signature")
	}
	v, err := buildArgs(env.Args[0], env.Args[1:])
	if err != nil {
		return err
	}
	defer v.Release()
	bs, err := v.MarshalWire(byteOrder())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", v, err)
	}
	fmt.Println(v)
	fmt.Print(hex.Dump(bs))
	return nil
}

func runDecode(env *command.Env, sigText, data string) error {
	types, err := gvariant.ParseSignatureList(sigText)
	if err != nil {
		return err
	}
	sig, err := gvariant.TupleOf(types...)
	if err != nil {
		return err
	}
	bs, err := hex.DecodeString(strings.Join(strings.Fields(data), ""))
	if err != nil {
		return fmt.Errorf("parsing hex input: %w", err)
	}
	v, err := gvariant.UnmarshalWire(bs, byteOrder(), sig)
	if err != nil {
		return err
	}
	defer v.Release()
	fmt.Println(v)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires a peer, object and method")
	}
	peer, path, method := env.Args[0], gvariant.ObjectPath(env.Args[1]), env.Args[2]
	i := strings.LastIndexByte(method, '.')
	if i < 0 {
		return env.Usagef("method %q must be qualified with its interface", method)
	}
	iface, member := method[:i], method[i+1:]

	var params *gvariant.Value
	if len(env.Args) > 3 {
		p, err := buildArgs(env.Args[3], env.Args[4:])
		if err != nil {
			return err
		}
		defer p.Release()
		params = p
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.Call(env.Context(), peer, path, iface, member, params, globalArgs.Timeout)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer reply.Release()

	fmt.Println(reply)
	var native any
	if err := reply.Store(&native); err == nil {
		fmt.Printf("%# v\n", pretty.Formatter(native))
	}
	return nil
}

var pingArgs struct {
	Count    int `flag:"count,default=1,Number of pings to send"`
	Parallel int `flag:"parallel,default=1,Number of pings in flight at once"`
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var (
		mu   sync.Mutex
		rtts []time.Duration
		sem  = make(chan struct{}, max(pingArgs.Parallel, 1))
		g    = taskgroup.New(nil)
	)
	for range max(pingArgs.Count, 1) {
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(env.Context(), globalArgs.Timeout)
			defer cancel()
			t0 := time.Now()
			if err := conn.Peer(peer).Ping(ctx); err != nil {
				return fmt.Errorf("pinging %s: %w", peer, err)
			}
			rtt := time.Since(t0)
			mu.Lock()
			defer mu.Unlock()
			rtts = append(rtts, rtt)
			return nil
		})
	}
	err = g.Wait()

	slices.Sort(rtts)
	for _, rtt := range rtts {
		fmt.Printf("reply from %s: %v\n", peer, rtt)
	}
	if len(rtts) > 0 {
		fmt.Printf("%d replies, min %v, median %v, max %v\n", len(rtts), rtts[0], rtts[len(rtts)/2], rtts[len(rtts)-1])
	}
	return err
}

var namesArgs struct {
	Unique      bool `flag:"unique,Include unique connection names"`
	Activatable bool `flag:"activatable,List names that can be activated instead of current names"`
}

func runNames(env *command.Env) error {
	filter := ".*"
	if len(env.Args) > 0 {
		filter = env.Args[0]
	}
	f, err := regexp.Compile(filter)
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	list := conn.ListNames
	if namesArgs.Activatable {
		list = conn.ListActivatableNames
	}
	names, err := list(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	keep := func(n string) bool {
		if !namesArgs.Unique && strings.HasPrefix(n, ":") {
			return false
		}
		return f.MatchString(n)
	}
	names = slices.Sorted(slice.Select(names, keep))

	for _, n := range names {
		if strings.HasPrefix(n, ":") || namesArgs.Activatable {
			fmt.Println(n)
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("%s (getting owner: %v)\n", n, err)
			continue
		}
		fmt.Printf("%s (%s)\n", n, owner)
	}
	return nil
}

func runTree(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("tree requires a peer")
	}
	args := growTo(env.Args, 3)

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var (
		out  indenter
		prev gvariant.ObjectPath
	)
	for iface, err := range listInterfaces(ctx, conn.Peer(args[0]), args[1], args[2]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		if path := iface.Object().Path(); path != prev {
			out.indent(0)
			out.v(path)
			prev = path
		}
		out.indent(1)
		out.v(iface.Description)
	}
	return nil
}

func runListen(env *command.Env) error {
	if len(env.Args) > 2 {
		return env.Usagef("too many arguments")
	}
	var m *bus.Match
	switch len(env.Args) {
	case 0:
		m = bus.MatchAllSignals()
	case 1:
		m = bus.MatchAllSignals().Interface(env.Args[0])
	case 2:
		m = bus.MatchSignal(env.Args[0], env.Args[1])
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(m); err != nil {
		return fmt.Errorf("adding match %s: %w", m, err)
	}

	for {
		select {
		case <-env.Context().Done():
			return nil
		case n, ok := <-w.Chan():
			if !ok {
				return conn.Err()
			}
			fmt.Printf("%s.%s %s\n", n.Sender, n.Name, n.Body)
			if n.Overflow {
				fmt.Println("(some signals dropped)")
			}
			n.Body.Release()
		}
	}
}

func runServeEcho(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var (
		reg   atomic.Pointer[bus.Registration]
		count atomic.Uint32
	)
	r, err := conn.Export("/org/example/Echo", echoDescription, bus.DispatchTable{
		"Echo": func(ctx context.Context, call *bus.MethodCall) (*gvariant.Value, error) {
			if sender, ok := bus.ContextSender(ctx); ok {
				fmt.Printf("echo %s for %s\n", call.Params, sender.Peer())
			}
			if r := reg.Load(); r != nil {
				if err := r.SetProperty("Count", gvariant.NewUint32(count.Add(1))); err != nil {
					fmt.Printf("updating Count: %v\n", err)
				}
			}
			return call.Params.Retain(), nil
		},
	})
	if err != nil {
		return fmt.Errorf("exporting echo service: %w", err)
	}
	defer r.Close()
	if err := r.SetProperty("Count", gvariant.NewUint32(0)); err != nil {
		return err
	}
	reg.Store(r)

	if len(env.Args) > 0 {
		primary, err := conn.RequestName(env.Context(), env.Args[0], bus.NameRequestNoQueue)
		if err != nil {
			return fmt.Errorf("claiming %s: %w", env.Args[0], err)
		}
		if primary {
			fmt.Printf("acquired name %s\n", env.Args[0])
		}
	}
	fmt.Printf("serving on %s\n", conn.LocalName())

	select {
	case <-env.Context().Done():
		fmt.Println("shutdown")
		return nil
	case <-conn.Done():
		return conn.Err()
	}
}

var echoDescription = &bus.InterfaceDescription{
	Name: "org.example.Echo",
	Methods: []*bus.MethodDescription{
		{
			Name: "Echo",
			In:   []bus.ArgumentDescription{{Name: "in", Type: gvariant.MustParseSignature("v")}},
			Out:  []bus.ArgumentDescription{{Name: "out", Type: gvariant.MustParseSignature("v")}},
		},
	},
	Properties: []*bus.PropertyDescription{
		{Name: "Count", Type: gvariant.MustParseSignature("u"), Readable: true, EmitsSignal: true, SignalIncludesValue: true},
	},
}

func runEnv(env *command.Env) error {
	native := "little endian"
	if fragments.IsBigEndian() {
		native = "big endian"
	}
	fmt.Println("byte order:", native)

	for _, b := range []struct {
		name string
		addr func() ([]bus.Address, error)
	}{
		{"session bus", bus.SessionBusAddress},
		{"system bus", bus.SystemBusAddress},
	} {
		addrs, err := b.addr()
		if err != nil {
			fmt.Printf("%s: %v\n", b.name, err)
			continue
		}
		for _, a := range addrs {
			fmt.Printf("%s: %s\n", b.name, a)
		}
	}

	ctx, cancel := context.WithTimeout(env.Context(), 5*time.Second)
	defer cancel()
	conn, err := busConn(ctx)
	if err != nil {
		fmt.Println("bus: not connected:", err)
		return nil
	}
	defer conn.Close()
	fmt.Println("local name:", conn.LocalName())
	if id, err := conn.BusID(ctx); err == nil {
		fmt.Println("bus ID:", id)
	}
	if creds, err := conn.RemoteCredentials(); err == nil {
		fmt.Printf("bus process: pid %d, uid %d, gid %d\n", creds.PID, creds.UID, creds.GID)
	}
	if id, err := conn.Peer("org.freedesktop.DBus").MachineID(ctx); err == nil {
		fmt.Println("machine ID:", id)
	}
	return nil
}

func runUTF16(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("utf16 requires text and an optional byte offset")
	}
	text := env.Args[0]
	bs, err := gvariant.EncodeUTF16(text, byteOrder())
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(bs))

	if len(env.Args) == 2 {
		var off int
		if _, err := fmt.Sscan(env.Args[1], &off); err != nil {
			return fmt.Errorf("parsing offset: %w", err)
		}
		u, err := gvariant.UTF16Offset(text, off)
		if err != nil {
			return err
		}
		fmt.Printf("byte offset %d is UTF-16 offset %d\n", off, u)
	}
	return nil
}

// buildArgs returns a tuple of the given signature list, with members
// parsed from args.
func buildArgs(sigText string, args []string) (*gvariant.Value, error) {
	types, err := gvariant.ParseSignatureList(sigText)
	if err != nil {
		return nil, err
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("signature %q needs %d arguments, got %d", sigText, len(types), len(args))
	}
	tuple, err := gvariant.TupleOf(types...)
	if err != nil {
		return nil, err
	}
	b, err := gvariant.NewBuilder(tuple)
	if err != nil {
		return nil, err
	}
	defer b.Discard()
	for i, t := range types {
		v, err := parseArg(t, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if err := b.Append(v); err != nil {
			v.Release()
			return nil, err
		}
	}
	return b.Finish()
}

func parseArg(t gvariant.Signature, arg string) (*gvariant.Value, error) {
	if t.Code() != gvariant.CodeVariant {
		if !t.IsBasic() {
			return nil, fmt.Errorf("cannot parse %s from the command line", t)
		}
		return gvariant.ParseBasic(t, arg)
	}
	ts, text, ok := strings.Cut(arg, ":")
	if !ok {
		return nil, errors.New(`variant arguments must be written as "type:text"`)
	}
	inner, err := gvariant.ParseSignature(ts)
	if err != nil {
		return nil, err
	}
	v, err := parseArg(inner, text)
	if err != nil {
		return nil, err
	}
	ret, err := gvariant.NewVariant(v)
	if err != nil {
		v.Release()
		return nil, err
	}
	return ret, nil
}

// sortedInterfaces returns the interface names of desc in display
// order, skipping the standard interfaces unless they match filter
// exactly.
func sortedInterfaces(desc *bus.ObjectDescription, filter *regexp.Regexp) []string {
	standard := func(n string) bool {
		switch n {
		case "org.freedesktop.DBus.Peer", "org.freedesktop.DBus.Properties", "org.freedesktop.DBus.Introspectable":
			return filter.String() != n
		}
		return false
	}
	ret := slices.Collect(slice.Select(slices.Collect(maps.Keys(desc.Interfaces)), func(n string) bool {
		return !standard(n) && filter.MatchString(n)
	}))
	slices.Sort(ret)
	return ret
}
