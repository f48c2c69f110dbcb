package vtl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dangdungcntt/go-vtl/parse"
)

// Kind classifies a failure.
type Kind int

const (
	KindResourceNotFound Kind = iota + 1
	KindParse
	KindInvocation
	KindIO
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindResourceNotFound:
		return "resource not found"
	case KindParse:
		return "parse error"
	case KindInvocation:
		return "invocation failure"
	case KindIO:
		return "i/o failure"
	case KindConfig:
		return "configuration error"
	default:
		return "unknown error"
	}
}

// Sentinel errors matched with errors.Is against *Error values of the same kind.
var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrParse            = errors.New("parse error")
	ErrInvocation       = errors.New("invocation failure")
	ErrIO               = errors.New("i/o failure")
	ErrConfig           = errors.New("configuration error")

	// ErrNotInitialized is returned by every operation called before Init.
	ErrNotInitialized = errors.New("runtime not initialized")
)

// Error is the failure type returned by the runtime.
type Error struct {
	Kind Kind
	// Template is the template name, or the log tag for evaluated sources.
	Template string
	Line     int
	Col      int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Template)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d:%d", e.Line, e.Col)
	}
	b.WriteString("] ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		var pe *parse.Error
		if errors.As(e.Err, &pe) {
			b.WriteString(pe.Msg)
		} else {
			b.WriteString(e.Err.Error())
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrResourceNotFound:
		return e.Kind == KindResourceNotFound
	case ErrParse:
		return e.Kind == KindParse
	case ErrInvocation:
		return e.Kind == KindInvocation
	case ErrIO:
		return e.Kind == KindIO
	case ErrConfig:
		return e.Kind == KindConfig
	}
	return false
}

func newError(kind Kind, template string, err error) *Error {
	return &Error{Kind: kind, Template: template, Err: err}
}

// parseError converts a compiler failure into a KindParse error positioned
// at the offending source location.
func parseError(template string, err error) *Error {
	e := newError(KindParse, template, err)
	var pe *parse.Error
	if errors.As(err, &pe) {
		e.Line, e.Col = pe.Line, pe.Col
	}
	return e
}

// ioError wraps a sink write failure unless it already carries a kind.
func ioError(template string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindIO, template, err)
}
