package safe

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// MustNotNil panics if the given value is nil.
// Used while wiring components in main.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts f in a goroutine that turns a panic into a logged error
// instead of crashing the process.
func Go(log *zap.Logger, name string, f func()) {
	go func() {
		defer Recover(log, name)
		f()
	}()
}

// Recover must be deferred directly.
func Recover(log *zap.Logger, name string) {
	if r := recover(); r != nil {
		if log == nil {
			log = logger.L()
		}
		log.Error("panic recovered", zap.String("goroutine", name), zap.Error(errs.ErrPanic(r)))
	}
}
