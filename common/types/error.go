package types

import (
	"errors"
)

var (
	// ErrQuantityUnderflow indicates that a subtraction would have driven a resource quantity negative.
	//
	// This is a programmer/logic error, never a user-facing condition: callers are required to check
	// Contains (or an equivalent sufficiency predicate) before subtracting. If ErrQuantityUnderflow is
	// observed after validation passed, then the sufficiency check and the mutation disagree, and the
	// operation in progress must be aborted without any partial mutation becoming visible.
	ErrQuantityUnderflow = errors.New("resource subtraction would produce a negative quantity")

	// ErrMalformedResource indicates that a Resource failed structural validation, such as carrying no
	// value, carrying a value of the wrong kind for its declared type, or carrying an invalid range.
	ErrMalformedResource = errors.New("resource is structurally invalid")
)
