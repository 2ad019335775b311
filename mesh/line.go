package mesh

import (
	"fmt"

	"github.com/notargets/DGAdjoint/quadrature"
)

// Node spacings for NewLine
const (
	Uniform      = "uniform"
	GaussLobatto = "gauss-lobatto"
)

// NewLine builds a 1D mesh of n nodes on [x0, x1]. Gauss-Lobatto spacing
// clusters nodes towards both ends.
func NewLine(n int, x0, x1 float64, spacing string) (*Mesh, error) {
	if n < 2 {
		return nil, fmt.Errorf("line mesh needs at least 2 nodes, got %d", n)
	}
	if !(x1 > x0) {
		return nil, fmt.Errorf("line mesh needs x1 > x0, got [%g, %g]", x0, x1)
	}
	var r []float64
	switch spacing {
	case "", Uniform:
		r = make([]float64, n)
		for i := range r {
			r[i] = -1 + 2*float64(i)/float64(n-1)
		}
	case GaussLobatto:
		r = quadrature.JacobiGL(0, 0, n-1)
	default:
		return nil, fmt.Errorf("unknown line spacing %q", spacing)
	}
	nodes := make([]float64, n)
	for i, ri := range r {
		nodes[i] = x0 + 0.5*(ri+1)*(x1-x0)
	}
	nodes[0], nodes[n-1] = x0, x1
	etov := make([][]int, n-1)
	for k := range etov {
		etov[k] = []int{k, k + 1}
	}
	return New(1, Line, nodes, etov)
}
