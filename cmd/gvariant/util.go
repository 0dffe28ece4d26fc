package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/danderson/gvariant/bus"
)

// indenter writes to stdout, prefixing every line with the current
// indentation.
type indenter struct {
	prefix  string
	midLine bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if !i.midLine {
			i.midLine = true
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.midLine = false
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

type objectInterface struct {
	bus.Interface
	Description *bus.InterfaceDescription
}

// listInterfaces walks the object tree of peer breadth first in path
// order, and yields the interfaces matching the given filters.
func listInterfaces(ctx context.Context, peer bus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(func(a, b bus.Object) int {
			return cmp.Compare(a.Path(), b.Path())
		})
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Describe(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, k := range sortedInterfaces(desc, im) {
				if !yield(objectInterface{obj.Interface(k), desc.Interfaces[k]}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
