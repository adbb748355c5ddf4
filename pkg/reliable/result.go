package reliable

import "fmt"

// StatusException is the status code of a response made from an error
// or a panic of the producer.
const StatusException = -1

// Result is the outcome of one producer invocation.
type Result[T any] struct {
	Ok      bool
	Code    int
	Message string
	Err     error
	Value   T
}

func Ok[T any](v T) Result[T] { return Result[T]{Ok: true, Value: v} }

// Fail makes a non-exceptional failed response with the status code.
func Fail[T any](code int, message string) Result[T] {
	return Result[T]{Code: code, Message: message}
}

func Exception[T any](err error) Result[T] {
	return Result[T]{Code: StatusException, Message: err.Error(), Err: err}
}

func (r Result[T]) IsException() bool { return r.Code == StatusException }

func (r Result[T]) String() string {
	if r.Ok {
		return "ok"
	}
	return fmt.Sprintf("fail[%d] %s", r.Code, r.Message)
}
