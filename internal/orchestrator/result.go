package orchestrator

// Result is either a Success carrying a value or a Failure carrying a reason
// and supporting data.
type Result[T any] struct {
	value  T
	ok     bool
	reason string
	data   map[string]any
}

// Success wraps v as a successful Result.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Failure builds a failed Result.
func Failure[T any](reason string, data map[string]any) Result[T] {
	return Result[T]{reason: reason, data: data}
}

// OK reports whether r is a Success.
func (r Result[T]) OK() bool { return r.ok }

// Value returns the success value, or the zero value for a Failure.
func (r Result[T]) Value() T { return r.value }

// Reason returns the failure reason.
func (r Result[T]) Reason() string { return r.reason }

// Data returns the failure data.
func (r Result[T]) Data() map[string]any { return r.data }
