package field

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Role is the semantic tag of a Field
type Role uint8

const (
	State Role = iota
	MeshCoords
	External
	DesignParam
)

func (r Role) String() string {
	switch r {
	case State:
		return "state"
	case MeshCoords:
		return "mesh-coords"
	case External:
		return "external-field"
	case DesignParam:
		return "design-param"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ErrNotOwner is returned when a stage tries to mutate a Field it did not create.
var ErrNotOwner = errors.New("field: mutation by non-owner")

// Field is a named vector of degrees of freedom owned by the stage that
// computes it. Any holder may read it; only the owner may write.
type Field struct {
	name  string
	role  Role
	owner string
	vec   *mat.VecDense
}

// New allocates a zeroed field of length n owned by owner.
func New(name string, role Role, owner string, n int) *Field {
	if n <= 0 {
		panic(fmt.Sprintf("field %q: length must be positive, got %d", name, n))
	}
	return &Field{
		name:  name,
		role:  role,
		owner: owner,
		vec:   mat.NewVecDense(n, nil),
	}
}

func (f *Field) Name() string  { return f.name }
func (f *Field) Role() Role    { return f.role }
func (f *Field) Owner() string { return f.owner }
func (f *Field) Len() int      { return f.vec.Len() }

// Vec returns a read-only view of the field data.
func (f *Field) Vec() mat.Vector { return f.vec }

// Mutable returns the backing vector for in-place updates by the owner.
func (f *Field) Mutable(owner string) (*mat.VecDense, error) {
	if owner != f.owner {
		return nil, fmt.Errorf("%w: %q owned by %q, requested by %q", ErrNotOwner, f.name, f.owner, owner)
	}
	return f.vec, nil
}

// Set copies v into the field.
func (f *Field) Set(owner string, v mat.Vector) error {
	dst, err := f.Mutable(owner)
	if err != nil {
		return err
	}
	if v.Len() != dst.Len() {
		return fmt.Errorf("field %q: length mismatch, have %d, got %d", f.name, dst.Len(), v.Len())
	}
	dst.CopyVec(v)
	return nil
}

// Clone returns a copy of the data; the copy is not tied to the field.
func (f *Field) Clone() *mat.VecDense {
	return mat.VecDenseCopyOf(f.vec)
}

func (f *Field) String() string {
	return fmt.Sprintf("%s[%s] len=%d owner=%s", f.name, f.role, f.vec.Len(), f.owner)
}
