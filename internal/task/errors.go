package task

import (
	"errors"
	"fmt"
)

var (
	ErrNoFiles           = errors.New("no files provided")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrAlreadyTerminal   = fmt.Errorf("%w: task already terminal", ErrInvalidTransition)
	ErrBusy              = errors.New("server busy")
	ErrArtifactsNotReady = errors.New("artifacts not ready")
)

func invalidTransition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func NewErrInvalidFile(name string) error { return errors.New("invalid file name: " + name) }
