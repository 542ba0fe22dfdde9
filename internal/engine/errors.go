package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock: the operation cannot progress until engine state changes.
	ErrWouldBlock = errors.New("engine: would block")
	// ErrDone: the call had no effect; not an error condition.
	ErrDone = errors.New("engine: no effect")
	// ErrClosed: the connection ended gracefully.
	ErrClosed = errors.New("engine: connection closed")
	// ErrFatal marks connection-ending failures wrapped with Fatal.
	ErrFatal = errors.New("engine: fatal")
)

// StreamError is a failure scoped to one stream.
type StreamError struct {
	ID  StreamID
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d: %v", e.ID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ConnectionError is a failure that ends the connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrFatal, e.Err} }

// Fatal wraps err as a ConnectionError. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Err: err}
}

// IsFatal reports whether err ends the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsBenign reports whether err is ErrWouldBlock or ErrDone.
func IsBenign(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrDone)
}
