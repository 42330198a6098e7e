package proctor

import "errors"

// Engine errors. Navigation and answer errors are local validation failures:
// the attempt keeps running after them.
var (
	ErrAlreadyStarted     = errors.New("attempt already started")
	ErrIndexOutOfRange    = errors.New("question index out of range")
	ErrInvalidState       = errors.New("operation not allowed in current attempt state")
	ErrSubmissionFailed   = errors.New("remote submission failed")
	ErrDefinitionMissing  = errors.New("quiz definition missing")
	ErrUnknownQuestion    = errors.New("unknown question")
	ErrAnswerKindMismatch = errors.New("answer does not match question kind")
	ErrUnknownOption      = errors.New("option is not part of the question")
)
