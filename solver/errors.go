package solver

import "errors"

var (
	ErrUnknownKind     = errors.New("solver: unknown physics kind")
	ErrUnknownField    = errors.New("solver: unknown field")
	ErrUnknownOutput   = errors.New("solver: unknown output")
	ErrDuplicateOutput = errors.New("solver: output already created")
	ErrNoJacobianBlock = errors.New("solver: no jacobian block")
	ErrNotLinearized   = errors.New("solver: jacobian requested before linearization")
	ErrNotConverged    = errors.New("solver: failed to converge")
	ErrSizeMismatch    = errors.New("solver: size mismatch")
	ErrReleased        = errors.New("solver: handle released")
)
