package gvariant

// A Builder assembles a tuple, array or dict entry one child at a
// time.
//
// Appending a child transfers ownership of the caller's reference to
// the builder. Finish returns the assembled Value and ends the
// builder's life; Discard abandons it and releases everything
// appended so far. A Builder is not safe for concurrent use.
type Builder struct {
	// frames is the stack of containers under construction. frames[0]
	// is the outermost container, the one Finish returns.
	frames []*frame
	done   bool
}

type frame struct {
	typ      Signature
	children []*Value
}

// NewBuilder returns a Builder for a value of type t, which must be a
// definite array, tuple or dict entry type.
func NewBuilder(t Signature) (*Builder, error) {
	if err := checkBuildable("NewBuilder", t); err != nil {
		return nil, err
	}
	return &Builder{
		frames: []*frame{{typ: t}},
	}, nil
}

func checkBuildable(op string, t Signature) error {
	if !t.IsDefinite() {
		return Errorf(op, ErrTypeMismatch, "cannot build indefinite type %q", t)
	}
	switch t.Code() {
	case CodeArray, CodeTuple, CodeDictEntry:
		return nil
	}
	return Errorf(op, ErrTypeMismatch, "cannot build %q, not an array, tuple or dict entry", t)
}

func (b *Builder) top() *frame { return b.frames[len(b.frames)-1] }

// next returns the type that the next child of f must have.
func (f *frame) next(op string) (Signature, error) {
	switch f.typ.Code() {
	case CodeArray:
		return f.typ.Elem()
	case CodeVariant:
		if len(f.children) == 1 {
			return Signature{}, Errorf(op, ErrTypeMismatch, "variant already holds a value")
		}
		return MustParseSignature("*"), nil
	default:
		n, _ := f.typ.Arity()
		if len(f.children) >= n {
			return Signature{}, Errorf(op, ErrTypeMismatch, "%q has only %d members", f.typ, n)
		}
		return f.typ.Member(len(f.children))
	}
}

// Type returns the type of the container currently being built.
func (b *Builder) Type() Signature {
	if b.done {
		return Signature{}
	}
	return b.top().typ
}

// Append adds child to the container being built.
//
// On success, the builder takes ownership of the caller's reference
// to child. On failure, the caller retains ownership.
func (b *Builder) Append(child *Value) error {
	if b.done {
		return Errorf("Append", ErrUseAfterFinish, "")
	}
	if child == nil {
		return Errorf("Append", ErrTypeMismatch, "nil child")
	}
	f := b.top()
	want, err := f.next("Append")
	if err != nil {
		return err
	}
	if !child.typ.Matches(want) {
		return Errorf("Append", ErrTypeMismatch, "child %d of %q has type %q, want %q", len(f.children), f.typ, child.typ, want)
	}
	f.children = append(f.children, child)
	return nil
}

// Open starts building a nested container of type t, which becomes
// the next child of the current container when Close is called.
//
// t must be an array, tuple, dict entry or variant type.
func (b *Builder) Open(t Signature) error {
	if b.done {
		return Errorf("Open", ErrUseAfterFinish, "")
	}
	if t.Code() != CodeVariant {
		if err := checkBuildable("Open", t); err != nil {
			return err
		}
	}
	f := b.top()
	want, err := f.next("Open")
	if err != nil {
		return err
	}
	if !t.Matches(want) {
		return Errorf("Open", ErrTypeMismatch, "child %d of %q has type %q, want %q", len(f.children), f.typ, t, want)
	}
	b.frames = append(b.frames, &frame{typ: t})
	return nil
}

// Close finishes the container started by the most recent Open, and
// appends it to its parent.
func (b *Builder) Close() error {
	if b.done {
		return Errorf("Close", ErrUseAfterFinish, "")
	}
	if len(b.frames) == 1 {
		return Errorf("Close", ErrTypeMismatch, "no open container")
	}
	v, err := b.top().finish("Close")
	if err != nil {
		return err
	}
	b.frames = b.frames[:len(b.frames)-1]
	f := b.top()
	f.children = append(f.children, v)
	return nil
}

// Finish returns the assembled value. The caller owns the returned
// reference.
//
// If a tuple or dict entry is missing members, Finish returns an
// error wrapping ErrIncompleteTuple and the builder remains usable.
// After a successful Finish, all builder methods report
// ErrUseAfterFinish.
func (b *Builder) Finish() (*Value, error) {
	if b.done {
		return nil, Errorf("Finish", ErrUseAfterFinish, "")
	}
	if n := len(b.frames) - 1; n > 0 {
		return nil, Errorf("Finish", ErrIncompleteTuple, "%d nested containers still open", n)
	}
	v, err := b.top().finish("Finish")
	if err != nil {
		return nil, err
	}
	b.frames = nil
	b.done = true
	return v, nil
}

// Discard abandons the builder, releasing all children appended so
// far. Discard is idempotent, and does nothing after Finish.
func (b *Builder) Discard() {
	if b.done {
		return
	}
	for _, f := range b.frames {
		for _, c := range f.children {
			c.Release()
		}
	}
	b.frames = nil
	b.done = true
}

func (f *frame) finish(op string) (*Value, error) {
	switch f.typ.Code() {
	case CodeArray:
		return newValue(f.typ, f.children), nil
	case CodeVariant:
		if len(f.children) == 0 {
			return nil, Errorf(op, ErrIncompleteTuple, "variant has no value")
		}
		return newValue(f.typ, f.children[0]), nil
	default:
		n, _ := f.typ.Arity()
		if len(f.children) < n {
			return nil, Errorf(op, ErrIncompleteTuple, "%q has %d of %d members", f.typ, len(f.children), n)
		}
		return newValue(f.typ, f.children), nil
	}
}
