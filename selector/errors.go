package selector

import "errors"

var (
	// ErrTargetNotFound means the selector matched no element.
	ErrTargetNotFound = errors.New("selector: target not found")
	// ErrAmbiguousTarget means several elements matched and nothing broke
	// the tie.
	ErrAmbiguousTarget = errors.New("selector: ambiguous target")
	// ErrInvalidSelector means the selector could not be parsed.
	ErrInvalidSelector = errors.New("selector: invalid selector")
)
