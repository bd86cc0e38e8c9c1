package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPanic converts a recovered value into an invariant violation.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return errors.WithStack(ErrInvariant.WithDetail("panic: " + fmt.Sprint(r)))
}
