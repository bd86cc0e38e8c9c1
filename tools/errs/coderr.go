package errs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error taxonomy of the gateway. Codes are stable and appear in logs and
// in close reasons.
const (
	AuthenticationFailure      = 1001
	ValidationFailure          = 1002
	UpstreamUnavailable        = 1003
	InternalInvariantViolation = 1004
)

var (
	ErrAuthentication = NewCodeError(AuthenticationFailure, "authentication failed")
	ErrValidation     = NewCodeError(ValidationFailure, "validation error")
	ErrUpstream       = NewCodeError(UpstreamUnavailable, "upstream unavailable")
	ErrInvariant      = NewCodeError(InternalInvariantViolation, "internal invariant violation")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`

	cause error
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
		cause:  e.cause,
	}
}

// WithDetail returns a copy with detail appended.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// WrapMsg returns a stack-carrying copy whose detail is msg followed by kv pairs.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		c = c.WithDetail(toString(msg, kv))
	}
	return errors.WithStack(c)
}

// Wrap attaches cause to a copy of e.
func (e *CodeError) Wrap(cause error, msg string, kv ...any) error {
	c := e.clone()
	c.cause = cause
	if msg != "" || len(kv) > 0 {
		c = c.WithDetail(toString(msg, kv))
	}
	return errors.WithStack(c)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is matches any *CodeError with the same code.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Code == e.Code
}

const initialCapacity = 4

func (e *CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	if e.cause != nil {
		v = append(v, "cause: "+e.cause.Error())
	}

	return strings.Join(v, " ")
}

// Code returns the taxonomy code carried by err, or 0.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
