package stage

import (
	"fmt"

	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// InitialCondition is how an implicit stage fills its state before the
// first solve. The implementations are ScalarIC, VectorIC and FunctionIC.
type InitialCondition interface {
	validate(numStates int) error
	apply(h solver.Handle, state *mat.VecDense) error
}

// ScalarIC broadcasts one value to every degree of freedom.
type ScalarIC float64

func (ScalarIC) validate(int) error { return nil }

func (ic ScalarIC) apply(_ solver.Handle, state *mat.VecDense) error {
	for i := 0; i < state.Len(); i++ {
		state.SetVec(i, float64(ic))
	}
	return nil
}

// VectorIC broadcasts one value per state component to every node.
type VectorIC []float64

func (ic VectorIC) validate(numStates int) error {
	if len(ic) != numStates {
		return fmt.Errorf("vector initial condition has %d components, solver has %d states per node", len(ic), numStates)
	}
	return nil
}

func (ic VectorIC) apply(_ solver.Handle, state *mat.VecDense) error {
	for i := 0; i < state.Len(); i++ {
		state.SetVec(i, ic[i%len(ic)])
	}
	return nil
}

// FunctionIC samples a function of position through the handle.
type FunctionIC solver.InitialFunc

func (ic FunctionIC) validate(int) error {
	if ic == nil {
		return fmt.Errorf("function initial condition is nil")
	}
	return nil
}

func (ic FunctionIC) apply(h solver.Handle, state *mat.VecDense) error {
	return h.ProjectFunction(state, solver.InitialFunc(ic))
}
