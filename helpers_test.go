package gvariant

import (
	"testing"

	"github.com/danderson/gvariant/internal/native"
)

// Simple is a struct with simple fields.
type Simple struct {
	A int16
	B bool
}

// Nested is a struct with a struct field.
type Nested struct {
	A byte
	B Simple
}

// Embedded is a struct that embeds another struct by value.
type Embedded struct {
	Simple
	C byte
}

// Arrays is a struct with various degrees of complicated arrays
// inside.
type Arrays struct {
	A []string
	B []Simple
	C [][]Nested
}

// Tree is a self-referential struct that can't be represented as a
// Value.
type Tree struct {
	Left  *Tree
	Right *Tree
}

// Skipped has fields that do not map to tuple members.
type Skipped struct {
	A       string
	private int32
	B       uint32 `gvariant:"-"`
	C       float64
}

// checkLeaks fails t if the test finishes with more live value
// storage than it started with.
func checkLeaks(t *testing.T) {
	t.Helper()
	before := native.Snapshot().Live
	t.Cleanup(func() {
		if after := native.Snapshot().Live; after != before {
			t.Errorf("leaked %d storage cells", after-before)
		}
	})
}

func mustString(t *testing.T, s string) *Value {
	t.Helper()
	v, err := NewString(s)
	if err != nil {
		t.Fatalf("NewString(%q) got err: %v", s, err)
	}
	return v
}

func mustTuple(t *testing.T, children ...*Value) *Value {
	t.Helper()
	v, err := NewTuple(children...)
	if err != nil {
		t.Fatalf("NewTuple() got err: %v", err)
	}
	return v
}

func mustArray(t *testing.T, elem string, children ...*Value) *Value {
	t.Helper()
	v, err := NewArray(MustParseSignature(elem), children...)
	if err != nil {
		t.Fatalf("NewArray(%q) got err: %v", elem, err)
	}
	return v
}

func mustVariant(t *testing.T, child *Value) *Value {
	t.Helper()
	v, err := NewVariant(child)
	if err != nil {
		t.Fatalf("NewVariant() got err: %v", err)
	}
	return v
}

func mustDict(t *testing.T, keyvals ...*Value) *Value {
	t.Helper()
	if len(keyvals)%2 != 0 {
		t.Fatal("mustDict needs key/value pairs")
	}
	var entries []*Value
	for i := 0; i < len(keyvals); i += 2 {
		e, err := NewDictEntry(keyvals[i], keyvals[i+1])
		if err != nil {
			t.Fatalf("NewDictEntry() got err: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		t.Fatal("mustDict needs at least one entry")
	}
	v, err := NewArray(entries[0].Type(), entries...)
	if err != nil {
		t.Fatalf("NewArray() got err: %v", err)
	}
	return v
}

func mustPath(t *testing.T, p string) *Value {
	t.Helper()
	v, err := NewObjectPath(ObjectPath(p))
	if err != nil {
		t.Fatalf("NewObjectPath(%q) got err: %v", p, err)
	}
	return v
}

func mustSig(t *testing.T, s string) *Value {
	t.Helper()
	v, err := NewSignature(s)
	if err != nil {
		t.Fatalf("NewSignature(%q) got err: %v", s, err)
	}
	return v
}
