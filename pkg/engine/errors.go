package engine

import "errors"

var (
	ErrAlreadyRunning = errors.New("execution is already running")
	ErrNotAdoptable   = errors.New("execution cannot be adopted")
	ErrShuttingDown   = errors.New("engine is shutting down")
)

func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}
