package gvariant

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{bool(false), "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{string(""), "s"},
		{Signature{}, "g"},
		{ObjectPath(""), "o"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{map[ObjectPath]map[string]any{}, "a{oa{sv}}"},
		{Simple{}, "(nb)"},
		{[]Simple{}, "a(nb)"},
		{Nested{}, "(y(nb))"},
		{Embedded{}, "(nby)"},
		{Arrays{}, "(asa(nb)aa(y(nb)))"},
		{Skipped{}, "(sd)"},
		{ptr(int16(0)), "n"},
		{struct{ A any }{int16(0)}, "(v)"},
		{struct{ A *Value }{}, "(v)"},
		{struct{}{}, "()"},

		{Tree{}, ""},
		{map[Simple]bool{}, ""},
		{map[[2]int64]bool{}, ""},
		{int(0), ""},
		{uint(0), ""},
		{int8(0), ""},
		{float32(0), ""},
		{func() int { return 2 }, ""},
	}

	for _, tc := range tests {
		gotSig, err := SignatureOf(tc.in)
		gotErr := err != nil
		wantErr := tc.want == ""
		if gotErr != wantErr {
			wanted := "no error"
			if wantErr {
				wanted = "error"
			}
			t.Errorf("SignatureOf(%T) got err %v, want %s", tc.in, err, wanted)
		}
		if wantErr && err != nil && !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("SignatureOf(%T) err = %v, want ErrTypeMismatch", tc.in, err)
		}
		if got := gotSig.String(); got != tc.want {
			t.Errorf("SignatureOf(%T).String() = %q, want %q", tc.in, got, tc.want)
		} else if testing.Verbose() {
			t.Logf("SignatureOf(%T).String() = %q, err=%v", tc.in, got, err)
		}
	}

	if _, err := SignatureOf(nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("SignatureOf(nil) err = %v, want ErrTypeMismatch", err)
	}
	if got, err := SignatureFor[map[string]any](); err != nil || got.String() != "a{sv}" {
		t.Errorf("SignatureFor[map[string]any]() = %q, %v, want a{sv}", got, err)
	}
}

func TestFrom(t *testing.T) {
	checkLeaks(t)

	tests := []struct {
		in   any
		want string
	}{
		{uint8(7), "byte 0x07"},
		{int32(-1), "-1"},
		{"hi", "'hi'"},
		{ObjectPath("/x"), "objectpath '/x'"},
		{MustParseSignature("as"), "signature 'as'"},
		{[]uint32{1, 2}, "[uint32 1, 2]"},
		{[]string{}, "@as []"},
		{map[string]int32{"b": 2, "a": 1, "c": 3}, "{'a': 1, 'b': 2, 'c': 3}"},
		{map[uint16]bool{10: true, 2: false}, "{uint16 2: false, 10: true}"},
		{Simple{A: 3, B: true}, "(int16 3, true)"},
		{Embedded{Simple: Simple{A: 1}, C: 9}, "(int16 1, false, byte 0x09)"},
		{Skipped{A: "a", private: 1, B: 2, C: 0.5}, "('a', 0.5)"},
		{map[string]any{"n": int32(1), "s": "x"}, "{'n': <1>, 's': <'x'>}"},
		{ptr(ptr(uint64(9))), "uint64 9"},
	}
	for _, tc := range tests {
		v, err := From(tc.in)
		if err != nil {
			t.Errorf("From(%#v) got err: %v", tc.in, err)
			continue
		}
		if got := v.String(); got != tc.want {
			t.Errorf("From(%#v) = %s, want %s", tc.in, got, tc.want)
		}
		want, _ := SignatureOf(tc.in)
		if !v.Type().Equal(want) {
			t.Errorf("From(%#v) has type %q, SignatureOf says %q", tc.in, v.Type(), want)
		}
		v.Release()
	}

	errTests := []any{
		nil,
		int(1),
		[]any{nil},
		struct{ A *int32 }{},
		"bad\xff",
		Tree{},
	}
	for _, in := range errTests {
		v, err := From(in)
		if err == nil {
			t.Errorf("From(%#v) = %s, want error", in, v)
			v.Release()
		}
	}
}

func TestFromValue(t *testing.T) {
	checkLeaks(t)

	inner := NewInt32(5)
	defer inner.Release()

	same, err := From(inner)
	if err != nil {
		t.Fatal(err)
	}
	if same != inner {
		t.Error("From(*Value) did not return the same value")
	}
	sig, err := SignatureOf(inner)
	if err != nil {
		t.Fatalf("SignatureOf(*Value) got err: %v", err)
	}
	if !sig.Equal(same.Type()) {
		t.Errorf("SignatureOf(*Value) = %s, From gave type %s", sig, same.Type())
	}
	same.Release()

	boxed, err := From(struct{ V *Value }{inner})
	if err != nil {
		t.Fatal(err)
	}
	defer boxed.Release()
	if got, want := boxed.String(), "(<5>,)"; got != want {
		t.Errorf("From(struct with *Value) = %s, want %s", got, want)
	}
	if got := inner.RefCount(); got != 2 {
		t.Errorf("inner RefCount() = %d, want 2", got)
	}
}

func TestStore(t *testing.T) {
	checkLeaks(t)

	in := Arrays{
		A: []string{"x", "y"},
		B: []Simple{{1, true}, {2, false}},
		C: [][]Nested{{{A: 1, B: Simple{3, true}}}, {}},
	}
	v, err := From(in)
	if err != nil {
		t.Fatalf("From() got err: %v", err)
	}
	defer v.Release()

	var out Arrays
	if err := v.Store(&out); err != nil {
		t.Fatalf("Store() got err: %v", err)
	}
	if diff := cmp.Diff(out, in); diff != "" {
		t.Errorf("Store(From(x)) != x (-got+want):\n%s", diff)
	}

	var anyOut any
	if err := v.Store(&anyOut); err != nil {
		t.Fatalf("Store(any) got err: %v", err)
	}
	wantAny := []any{
		[]any{"x", "y"},
		[]any{[]any{int16(1), true}, []any{int16(2), false}},
		[]any{
			[]any{[]any{uint8(1), []any{int16(3), true}}},
			[]any{},
		},
	}
	if diff := cmp.Diff(anyOut, any(wantAny)); diff != "" {
		t.Errorf("Store(any) wrong (-got+want):\n%s", diff)
	}
}

func TestStoreVariants(t *testing.T) {
	checkLeaks(t)

	v, err := From(map[string]any{"count": uint32(3), "name": "x"})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()

	var m map[string]any
	if err := v.Store(&m); err != nil {
		t.Fatalf("Store(map[string]any) got err: %v", err)
	}
	if diff := cmp.Diff(m, map[string]any{"count": uint32(3), "name": "x"}); diff != "" {
		t.Errorf("Store(map[string]any) wrong (-got+want):\n%s", diff)
	}

	var vals map[string]*Value
	if err := v.Store(&vals); err != nil {
		t.Fatalf("Store(map[string]*Value) got err: %v", err)
	}
	for k, vv := range vals {
		if vv.Type().Code() != CodeVariant {
			t.Errorf("vals[%q] has type %q, want v", k, vv.Type())
		}
		vv.Release()
	}

	c, err := v.ChildAt(0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()
	var entry struct {
		K string
		V uint32
	}
	if err := c.Store(&entry); err != nil {
		t.Fatalf("Store(struct) from dict entry got err: %v", err)
	}
	if entry.K != "count" || entry.V != 3 {
		t.Errorf("Store(struct) = %+v, want {count 3}", entry)
	}
}

func TestStoreErrors(t *testing.T) {
	checkLeaks(t)

	v, err := From(Simple{A: 1, B: true})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()

	var s Simple
	tests := []struct {
		name   string
		target any
	}{
		{"non-pointer", s},
		{"nil pointer", (*Simple)(nil)},
		{"wrong struct", &Nested{}},
		{"scalar", new(int16)},
		{"slice", new([]int16)},
		{"error interface", new(error)},
	}
	for _, tc := range tests {
		if err := v.Store(tc.target); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("%s: Store(%T) err = %v, want ErrTypeMismatch", tc.name, tc.target, err)
		}
	}

	i := NewInt32(1)
	defer i.Release()
	if err := i.Store(new(uint32)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Store(int32 into uint32) err = %v, want ErrTypeMismatch", err)
	}
	if err := i.Store(new(int64)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Store(int32 into int64) err = %v, want ErrTypeMismatch", err)
	}
	arr, err := From([]int32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	defer arr.Release()
	var short [2]int32
	if err := arr.Store(&short); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Store(3 elements into [2]int32) err = %v, want ErrTypeMismatch", err)
	}
}
