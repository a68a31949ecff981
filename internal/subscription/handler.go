// internal/subscription/handler.go
package subscription

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
)

var funcLiteral = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// Handler delivers one event to one subscriber.
type Handler interface {
	// Invoke calls the bound handler. The returned error is logged by the
	// subscription and never reaches the publisher.
	Invoke(ctx context.Context, subscriber, event any) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, subscriber, event any) error

// Invoke calls f(ctx, subscriber, event).
func (f HandlerFunc) Invoke(ctx context.Context, subscriber, event any) error {
	return f(ctx, subscriber, event)
}

// Method binds a typed handler to the untyped Handler contract. The receiver
// comes first so that method expressions such as (*Screen).OnPing fit.
func Method[S, E any](fn func(subscriber *S, ctx context.Context, event E) error) Handler {
	return HandlerFunc(func(ctx context.Context, subscriber, event any) error {
		s, ok := subscriber.(*S)
		if !ok {
			return fmt.Errorf("%w: subscriber is %T, want %T", ErrTypeMismatch, subscriber, s)
		}
		e, ok := event.(E)
		if !ok {
			return fmt.Errorf("%w: event is %T, want %s", ErrTypeMismatch, event, reflect.TypeFor[E]())
		}
		return fn(s, ctx, e)
	})
}

// funcName returns the symbol name of fn for logs and duplicate detection.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// isFuncLiteral reports whether name is the symbol of an anonymous function.
func isFuncLiteral(name string) bool {
	return funcLiteral.MatchString(name)
}
