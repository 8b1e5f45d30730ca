package message

import (
	"context"
	"errors"

	"github.com/hazyhaar/attrwatch/selector"
)

// Code is the machine-readable error category sent with a Failure.
type Code string

const (
	CodeTargetNotFound   Code = "TargetNotFound"
	CodeAmbiguousTarget  Code = "AmbiguousTarget"
	CodeDuplicateBinding Code = "DuplicateBinding"
	CodeTargetLost       Code = "TargetLost"
	CodeInvalidSelector  Code = "InvalidSelector"
	CodeUnknownWatcher   Code = "UnknownWatcher"
	CodeInvalidAttribute Code = "InvalidAttribute"
	CodeUnknownAction    Code = "UnknownAction"
	CodeMalformed        Code = "Malformed"
	CodeTimeout          Code = "Timeout"
	CodeInternal         Code = "Internal"
)

// Coder is implemented by errors that know their wire code.
type Coder interface {
	Code() Code
}

// CodeOf maps an error chain to its wire code.
func CodeOf(err error) Code {
	var c Coder
	switch {
	case err == nil:
		return ""
	case errors.As(err, &c):
		return c.Code()
	case errors.Is(err, selector.ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.Is(err, selector.ErrAmbiguousTarget):
		return CodeAmbiguousTarget
	case errors.Is(err, selector.ErrInvalidSelector):
		return CodeInvalidSelector
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}
