package solver

import (
	"github.com/notargets/DGAdjoint/options"
	"gonum.org/v1/gonum/mat"
)

// Reserved field names understood by every handle
const (
	StateName      = "state"
	ResidualName   = "residual"
	AdjointName    = "adjoint"
	MeshCoordsName = "mesh-coords"
)

// Inputs maps variable names to values. Scalars are length-one vectors.
type Inputs map[string]mat.Vector

// Scalar wraps a single value as an input vector.
func Scalar(v float64) mat.Vector {
	return mat.NewVecDense(1, []float64{v})
}

// InitialFunc samples an initial state at physical point x, writing one
// value per state component into u.
type InitialFunc func(x []float64, u []float64)

// Report summarizes a nonlinear solve.
type Report struct {
	Iterations  int
	InitialNorm float64
	FinalNorm   float64
	Converged   bool
}

// Metadata is the query surface used to declare adapter inputs and outputs.
type Metadata interface {
	Kind() string
	// Options returns a copy of the frozen configuration.
	Options() options.Options
	// StateSize is the local length of the state vector.
	StateSize() int
	// NumStates is the number of state components per node.
	NumStates() int
	// FieldSize returns the local length of a named field and whether the
	// handle knows it. "state", "residual" and "adjoint" are always known.
	FieldSize(name string) (int, bool)
	// ExternalFields lists the declared external fields in sorted order.
	ExternalFields() []string
	// Outputs lists the outputs created so far in sorted order.
	Outputs() []string
}

// Residual is the nonlinear side of a handle.
type Residual interface {
	SetResidualInput(name string, v mat.Vector) error
	CalcResidual(state mat.Vector, residual *mat.VecDense) error
	ProjectFunction(state *mat.VecDense, fn InitialFunc) error
	// SolveForState drives the residual to tolerance using state as the
	// initial guess. A solve that exhausts its budget returns ErrNotConverged.
	SolveForState(state *mat.VecDense) (Report, error)
	// GetField copies a handle-owned field (e.g. current mesh coordinates).
	GetField(name string, dst *mat.VecDense) error
	// PrintField emits a diagnostic dump of v.
	PrintField(name string, v mat.Vector)
}

// Jacobian is the matrix-free linearization of a handle. Actions are only
// valid after SetState has fixed the linearization point.
type Jacobian interface {
	SetState(state mat.Vector) error
	// JacobianBlocks names the external fields with a Jacobian block.
	JacobianBlocks() []string
	MultStateJac(v mat.Vector, dst *mat.VecDense) error
	MultStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error
	MultFieldJac(name string, v mat.Vector, dst *mat.VecDense) error
	MultFieldJacTranspose(name string, seed mat.Vector, dst *mat.VecDense) error
	// InvertStateJacTranspose solves J_state^T x = seed.
	InvertStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error
}

// Functionals evaluates scalar outputs of the converged physics.
type Functionals interface {
	CreateOutput(name string) error
	CalcOutput(name string, inputs Inputs) (float64, error)
	// CalcOutputPartial writes d(output)/d(wrt) into dst, sized like wrt.
	CalcOutputPartial(name, wrt string, inputs Inputs, dst *mat.VecDense) error
}

// Handle is an opaque per-physics solver.
type Handle interface {
	Metadata
	Residual
	Jacobian
	Functionals
}
