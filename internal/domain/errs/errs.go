// Package errs holds error kinds shared across domain packages. Package
// sentinels wrap these so HTTP handlers can map whole families at once.
package errs

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
	ErrConflict = errors.New("conflict")
)
