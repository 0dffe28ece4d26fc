package bus

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danderson/gvariant"
)

func nested(sig string, depth int) string {
	return strings.Repeat("(", depth) + sig + strings.Repeat(")", depth)
}

func TestBodyType(t *testing.T) {
	tests := []struct {
		sig       string
		wantArity int
		wantErr   bool
	}{
		{"", 0, false},
		{"is", 2, false},
		{strings.Repeat("y", 255), 255, false},
		{nested("y", 32), 1, false},
		{"a" + nested("y", 32), 1, false},
		{strings.Repeat("y", 256), 0, true},
		{nested("y", 33), 0, true},
		{"(i", 0, true},
	}
	for _, tc := range tests {
		got, err := bodyType(tc.sig)
		if tc.wantErr {
			if err == nil {
				t.Errorf("bodyType(%q) = %s, want error", tc.sig, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("bodyType(%q) got err: %v", tc.sig, err)
			continue
		}
		if want := "(" + tc.sig + ")"; got.String() != want {
			t.Errorf("bodyType(%q) = %s, want %s", tc.sig, got, want)
		}
		if n, err := got.Arity(); err != nil || n != tc.wantArity {
			t.Errorf("bodyType(%q).Arity() = %d, %v, want %d", tc.sig, n, err, tc.wantArity)
		}
	}

	// The outer tuple's allowance is not available to its members.
	deep, err := bodyType(nested("y", 32))
	if err != nil {
		t.Fatalf("bodyType() got err: %v", err)
	}
	if _, err := gvariant.TupleOf(deep); !errors.Is(err, gvariant.ErrParse) {
		t.Errorf("TupleOf(%s) err = %v, want ErrParse", deep, err)
	}
}

func TestLargeBodies(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*gvariant.Value, error)
	}{
		{
			"longest signature",
			func() (*gvariant.Value, error) {
				bs := make([]*gvariant.Value, 255)
				for i := range bs {
					bs[i] = gvariant.NewByte(byte(i))
				}
				return gvariant.NewTuple(bs...)
			},
		},
		{
			"deepest tuple",
			func() (*gvariant.Value, error) {
				v := gvariant.NewByte(42)
				for range 32 {
					next, err := gvariant.NewTuple(v)
					if err != nil {
						v.Release()
						return nil, err
					}
					v = next
				}
				return gvariant.NewTuple(v)
			},
		},
	}

	client, server := pipe(t)
	w := client.Watch()
	defer w.Close()
	if _, err := w.Match(MatchSignal("org.example.Big", "Sent")); err != nil {
		t.Fatalf("Match() got err: %v", err)
	}

	for _, tc := range tests {
		body, err := tc.build()
		if err != nil {
			t.Errorf("%s: building body got err: %v", tc.name, err)
			continue
		}
		if err := server.EmitSignal(calcPath, "org.example.Big", "Sent", body); err != nil {
			t.Errorf("%s: EmitSignal() got err: %v", tc.name, err)
			body.Release()
			continue
		}
		select {
		case n := <-w.Chan():
			if !n.Body.Equal(body) {
				t.Errorf("%s: received body %s, want %s", tc.name, n.Body, body)
			}
			n.Body.Release()
		case <-time.After(5 * time.Second):
			t.Errorf("%s: timed out waiting for signal", tc.name)
		}
		body.Release()
	}
}
