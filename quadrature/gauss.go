package quadrature

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// JacobiGQ returns the N+1 Gauss quadrature points and weights for the
// Jacobi weight (1-x)^alpha (1+x)^beta on [-1,1]. Points are ascending.
//
// The points are the eigenvalues of the symmetric tridiagonal Jacobi matrix
// and the weights are gamma0 times the squared first component of each
// normalized eigenvector (Golub-Welsch).
func JacobiGQ(alpha, beta float64, N int) (X, W []float64) {
	if N < 0 {
		panic("quadrature: negative order")
	}
	if N == 0 {
		return []float64{-(alpha - beta) / (alpha + beta + 2.)}, []float64{2.}
	}

	h1 := make([]float64, N+1)
	for i := range h1 {
		h1[i] = 2*float64(i) + alpha + beta
	}

	d0 := make([]float64, N+1)
	fac := beta*beta - alpha*alpha
	for i := range d0 {
		d0[i] = fac / (h1[i] * (h1[i] + 2.))
	}
	// 0/0 for the Legendre case
	if alpha+beta < 10*1.e-16 {
		d0[0] = 0.
	}

	d1 := make([]float64, N)
	for i := range d1 {
		ip1 := float64(i + 1)
		d1[i] = 2.0 / (h1[i] + 2.0) * math.Sqrt(
			ip1*(ip1+alpha+beta)*(ip1+alpha)*(ip1+beta)/(h1[i]+1)/(h1[i]+3),
		)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(SymTriDiagonal(d0, d1), true); !ok {
		panic("quadrature: eigenvalue decomposition failed")
	}
	X = eig.Values(nil)

	vecs := mat.NewDense(N+1, N+1, nil)
	eig.VectorsTo(vecs)
	g0 := Gamma0(alpha, beta)
	W = make([]float64, N+1)
	for i := range W {
		v := vecs.At(0, i)
		W[i] = v * v * g0
	}
	return X, W
}

// JacobiGL returns the N+1 Gauss-Lobatto points, the zeros of
// (1-x^2) P'_N^{alpha,beta}(x). Endpoints are exactly -1 and 1.
func JacobiGL(alpha, beta float64, N int) []float64 {
	switch N {
	case 0:
		return []float64{0.0}
	case 1:
		return []float64{-1.0, 1.0}
	}
	xint, _ := JacobiGQ(alpha+1, beta+1, N-2)
	x := make([]float64, N+1)
	x[0] = -1.0
	copy(x[1:N], xint)
	x[N] = 1.0
	return x
}

// Gauss returns an n-point Gauss-Legendre rule, exact for polynomials of
// degree 2n-1.
func Gauss(n int) (X, W []float64) {
	if n < 1 {
		panic("quadrature: rule needs at least one point")
	}
	return JacobiGQ(0, 0, n-1)
}

func Gamma0(alpha, beta float64) float64 {
	ab1 := alpha + beta + 1.
	return math.Gamma(alpha+1.) * math.Gamma(beta+1.) * math.Pow(2, ab1) / ab1 / math.Gamma(ab1)
}

// SymTriDiagonal builds the symmetric matrix with main diagonal d0 and
// first off-diagonal d1.
func SymTriDiagonal(d0, d1 []float64) *mat.SymDense {
	n := len(d0)
	if len(d1) != n-1 {
		panic("quadrature: off-diagonal length must be len(d0)-1")
	}
	tri := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		tri.SetSym(i, i, d0[i])
		if i < n-1 {
			tri.SetSym(i, i+1, d1[i])
		}
	}
	return tri
}
