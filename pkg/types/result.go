package types

// ResultKind tells a caller how to read a Result.
type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultNotYetAvailable
	ResultFatal
)

// Result replaces the "not there yet" exception used by lookups whose data
// may legitimately be absent for a while (empty ring, device not exported).
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: ResultOk, Value: v}
}

// NotYetAvailable signals absent data that may appear later.
func NotYetAvailable[T any](err error) Result[T] {
	return Result[T]{Kind: ResultNotYetAvailable, Err: err}
}

// Fatal signals an error that retrying will not fix.
func Fatal[T any](err error) Result[T] {
	return Result[T]{Kind: ResultFatal, Err: err}
}

// Get returns the value or the carried error.
func (r Result[T]) Get() (T, error) {
	if r.Kind == ResultOk {
		return r.Value, nil
	}
	var zero T
	return zero, r.Err
}
