package attrwatch

import "github.com/hazyhaar/attrwatch/attrwatch/message"

// codedError is a sentinel that carries its wire code.
type codedError struct {
	code message.Code
	msg  string
}

func (e *codedError) Error() string      { return e.msg }
func (e *codedError) Code() message.Code { return e.code }

var (
	// ErrDuplicateBinding means another watcher already observes the same
	// attribute of the same element.
	ErrDuplicateBinding error = &codedError{message.CodeDuplicateBinding, "attrwatch: element attribute already watched"}
	// ErrTargetLost means a paused watcher's element could not be found
	// again on resume.
	ErrTargetLost error = &codedError{message.CodeTargetLost, "attrwatch: target lost"}
	// ErrUnknownWatcher means no watcher has the given id.
	ErrUnknownWatcher error = &codedError{message.CodeUnknownWatcher, "attrwatch: unknown watcher"}
	// ErrInvalidAttribute means the attribute or channel name is unusable.
	ErrInvalidAttribute error = &codedError{message.CodeInvalidAttribute, "attrwatch: invalid attribute"}
)
