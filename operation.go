package integrity

import (
	"context"
	"fmt"
	"sync"
)

// Operation is a unit of work that completes exactly once, either with a
// result or with a non-NoError code. After completion it is immutable.
type Operation[T any] struct {
	once   sync.Once
	done   chan struct{}
	code   ErrorCode
	result T
}

// NewOperation returns a pending operation.
func NewOperation[T any]() *Operation[T] {
	return &Operation[T]{done: make(chan struct{})}
}

// Completed returns an operation that already finished with the given result.
func Completed[T any](result T) *Operation[T] {
	op := NewOperation[T]()
	op.Resolve(result)
	return op
}

// Failed returns an operation that already finished with the given code.
func Failed[T any](code ErrorCode) *Operation[T] {
	op := NewOperation[T]()
	op.Fail(code)
	return op
}

// Resolve completes the operation successfully. It reports whether this
// call completed the operation; later calls are ignored.
func (o *Operation[T]) Resolve(result T) bool {
	return o.complete(result, NoError)
}

// Fail completes the operation with code. Passing NoError is treated as
// InternalError so that a failed operation never looks successful.
func (o *Operation[T]) Fail(code ErrorCode) bool {
	if code == NoError {
		code = InternalError
	}
	var zero T
	return o.complete(zero, code)
}

func (o *Operation[T]) complete(result T, code ErrorCode) bool {
	completed := false
	o.once.Do(func() {
		o.result = result
		o.code = code
		close(o.done)
		completed = true
	})
	return completed
}

// Done is closed when the operation completes.
func (o *Operation[T]) Done() <-chan struct{} {
	return o.done
}

// IsDone reports whether the operation has completed.
func (o *Operation[T]) IsDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Error returns the completion code. It is NoError while pending.
func (o *Operation[T]) Error() ErrorCode {
	if !o.IsDone() {
		return NoError
	}
	return o.code
}

// Result returns the payload of a successful operation. It fails for
// pending operations and for operations that completed with an error.
func (o *Operation[T]) Result() (T, error) {
	var zero T
	if !o.IsDone() {
		return zero, fmt.Errorf("%w: operation still pending", ErrOperationFailed)
	}
	if o.code != NoError {
		return zero, fmt.Errorf("%w: %s", ErrOperationFailed, o.code)
	}
	return o.result, nil
}

// Await blocks until the operation completes or ctx is done.
func (o *Operation[T]) Await(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
