package lookpath

import "errors"

// ErrNotFound is the error resulting if a path search failed to find an executable file.
var ErrNotFound = errors.New("executable file not found in $PATH")

// Error records the name of a binary that could not be found and why.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return "lookpath " + e.Name + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
