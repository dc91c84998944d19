// Package fn carries the small set of generic functional helpers the rest
// of the tree needs - currently just Option[A] - mirroring the teacher's
// own fn package, trimmed to the pieces this codebase actually exercises.
package fn

// Option[A] represents a value which may or may not be there. This is very
// often preferable to nil-able pointers.
type Option[A any] struct {
	isSome bool
	some   A
}

// Some trivially injects a value into an optional context.
func Some[A any](a A) Option[A] {
	return Option[A]{isSome: true, some: a}
}

// None trivially constructs an empty option.
func None[A any]() Option[A] {
	return Option[A]{}
}

// ElimOption is the universal Option eliminator: it safely handles both
// cases inside the Option by supplying two continuations.
func ElimOption[A, B any](o Option[A], b func() B, f func(A) B) B {
	if o.isSome {
		return f(o.some)
	}
	return b()
}

// UnwrapOr extracts a value from an option, falling back to a supplied
// default if the option is empty.
func (o Option[A]) UnwrapOr(a A) A {
	if o.isSome {
		return o.some
	}
	return a
}

// UnwrapOrFunc extracts a value from an option, evaluating a thunk in the
// empty case instead of taking an already-computed default.
func (o Option[A]) UnwrapOrFunc(f func() A) A {
	return ElimOption(o, f, func(a A) A { return a })
}

// WhenSome conditionally runs a side-effecting function over the Option's
// value, a no-op when the Option is empty.
func (o Option[A]) WhenSome(f func(A)) {
	if o.isSome {
		f(o.some)
	}
}

// IsSome returns true if the Option contains a value.
func (o Option[A]) IsSome() bool {
	return o.isSome
}

// IsNone returns true if the Option is empty.
func (o Option[A]) IsNone() bool {
	return !o.isSome
}
