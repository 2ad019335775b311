package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Comm is the communication context a handle reduces over. Each rank holds
// its local partition of every field; reductions make inner products global.
type Comm interface {
	Rank() int
	Size() int
	AllReduceSum(x float64) float64
}

// SelfComm is the single-rank communicator.
type SelfComm struct{}

func (SelfComm) Rank() int                      { return 0 }
func (SelfComm) Size() int                      { return 1 }
func (SelfComm) AllReduceSum(x float64) float64 { return x }

// InnerProduct returns the global inner product of two local partitions.
func InnerProduct(c Comm, a, b mat.Vector) float64 {
	return c.AllReduceSum(mat.Dot(a, b))
}

// Norm returns the global 2-norm of a local partition.
func Norm(c Comm, v mat.Vector) float64 {
	return math.Sqrt(InnerProduct(c, v, v))
}
