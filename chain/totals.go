package chain

import (
	"fmt"
	"math"

	"github.com/notargets/DGAdjoint/stage"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Totals is the reverse sweep. It returns d(of)/d(w) for each input
// endpoint w in wrt at the point of the last Run. of must be a scalar
// output. Only stages on a path from a wrt stage to the of stage are pulled
// back, so a stage without reverse support fails the sweep only when it
// lies on such a path.
func (c *Chain) Totals(of string, wrt ...string) (map[string]*mat.VecDense, error) {
	if c.out == nil {
		return nil, invalidf("totals before a successful run")
	}
	ofEp, err := ParseEndpoint(of)
	if err != nil {
		return nil, err
	}
	oi, ok := c.index[ofEp.Stage]
	if !ok {
		return nil, invalidf("unknown stage %q", ofEp.Stage)
	}
	if od, ok := c.stages[oi].Outputs().Get(ofEp.Field); !ok || od.Size != 1 {
		return nil, invalidf("%s is not a scalar output", ofEp)
	}

	want := make(map[Endpoint]bool, len(wrt))
	var starts []int
	for _, w := range wrt {
		ep, err := ParseEndpoint(w)
		if err != nil {
			return nil, err
		}
		n, ok := c.index[ep.Stage]
		if !ok {
			return nil, invalidf("unknown stage %q", ep.Stage)
		}
		if _, ok := c.stages[n].Inputs().Get(ep.Field); !ok {
			return nil, invalidf("%s is not an input of %s", ep, ep.Stage)
		}
		want[ep] = true
		starts = append(starts, n)
	}
	downstream := c.wires.closure(starts, false)
	upstream := c.wires.closure([]int{oi}, true)

	bars := map[Endpoint]*mat.VecDense{ofEp: mat.NewVecDense(1, []float64{1})}
	totals := make(map[string]*mat.VecDense, len(wrt))
	for k := len(c.topo) - 1; k >= 0; k-- {
		n := c.topo[k]
		if !downstream[n] || !upstream[n] {
			continue
		}
		s := c.stages[n]
		outBar := make(stage.Values)
		for _, name := range s.Outputs().Names() {
			if b, ok := bars[Endpoint{Stage: s.Name(), Field: name}]; ok {
				outBar[name] = b
			}
		}
		if len(outBar) == 0 {
			continue
		}
		var names []string
		for _, name := range s.Inputs().Names() {
			ep := Endpoint{Stage: s.Name(), Field: name}
			src, fed := c.feeds[ep]
			if want[ep] || (fed && downstream[c.index[src.Stage]]) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		if mm, ok := s.(*stage.MeshMovement); ok && mm.Policy() == stage.PassThrough {
			c.log.Warn("pass-through mesh movement on derivative path, its forward map ignores displacement",
				"stage", s.Name(), "of", ofEp.String())
		}
		res, err := s.Pullback(c.in[n], outBar, names)
		if err != nil {
			return nil, fmt.Errorf("totals %s: %w", s.Name(), err)
		}
		for _, name := range names {
			r := res[name]
			if r == nil {
				continue
			}
			ep := Endpoint{Stage: s.Name(), Field: name}
			if want[ep] {
				accumulate(totals, ep.String(), r)
			}
			if src, fed := c.feeds[ep]; fed && downstream[c.index[src.Stage]] {
				accumulate(bars, src, r)
			}
		}
	}
	// No path means a zero derivative.
	for ep := range want {
		if _, ok := totals[ep.String()]; !ok {
			d, _ := c.stages[c.index[ep.Stage]].Inputs().Get(ep.Field)
			totals[ep.String()] = mat.NewVecDense(d.Size, nil)
		}
	}
	return totals, nil
}

func accumulate[K comparable](acc map[K]*mat.VecDense, key K, v mat.Vector) {
	if prev, ok := acc[key]; ok {
		prev.AddVec(prev, v)
		return
	}
	acc[key] = mat.VecDenseCopyOf(v)
}

// Check compares adjoint totals with central differences for one
// parameter. RelErr is the largest difference scaled by the larger of one
// and the largest finite-difference entry.
type Check struct {
	Wrt     string
	Adjoint []float64
	FD      []float64
	RelErr  float64
}

// CheckTotals runs the chain at params, takes adjoint totals of of with
// respect to each parameter in wrt and compares them against central
// differences with the given step. The chain is left at params.
func (c *Chain) CheckTotals(params map[string]mat.Vector, of string, wrt []string, step float64) ([]Check, error) {
	for _, w := range wrt {
		if _, ok := c.params[w]; !ok {
			return nil, invalidf("finite differences need a chain parameter, %q is not one", w)
		}
		if params[w] == nil {
			return nil, invalidf("parameter %s not supplied", w)
		}
	}
	if _, err := c.Run(params); err != nil {
		return nil, err
	}
	totals, err := c.Totals(of, wrt...)
	if err != nil {
		return nil, err
	}
	checks := make([]Check, 0, len(wrt))
	for _, w := range wrt {
		x0 := make([]float64, params[w].Len())
		for i := range x0 {
			x0[i] = params[w].AtVec(i)
		}
		var ferr error
		f := func(x []float64) float64 {
			p := make(map[string]mat.Vector, len(params))
			for k, v := range params {
				p[k] = v
			}
			p[w] = mat.NewVecDense(len(x), append([]float64(nil), x...))
			res, err := c.Run(p)
			if err != nil {
				if ferr == nil {
					ferr = err
				}
				return math.NaN()
			}
			return res[of].AtVec(0)
		}
		grad := fd.Gradient(nil, f, x0, &fd.Settings{Formula: fd.Central, Step: step})
		if ferr != nil {
			return nil, fmt.Errorf("finite differences for %s: %w", w, ferr)
		}
		adj := append([]float64(nil), totals[w].RawVector().Data...)
		diff := make([]float64, len(adj))
		floats.SubTo(diff, adj, grad)
		scale := math.Max(1, floats.Norm(grad, math.Inf(1)))
		checks = append(checks, Check{
			Wrt:     w,
			Adjoint: adj,
			FD:      grad,
			RelErr:  floats.Norm(diff, math.Inf(1)) / scale,
		})
		c.log.Info("total derivative check", "of", of, "wrt", w, "rel_err", checks[len(checks)-1].RelErr)
	}
	if _, err := c.Run(params); err != nil {
		return nil, err
	}
	return checks, nil
}
