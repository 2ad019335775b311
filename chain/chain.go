// Package chain composes stages into an analysis: outputs connect to
// inputs by name, a forward sweep runs the stages in dependency order and a
// reverse sweep accumulates total derivatives of a scalar output.
package chain

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/stage"
	"gonum.org/v1/gonum/mat"
)

// Endpoint names one input or output of one stage, written "stage.field".
type Endpoint struct {
	Stage string
	Field string
}

// ParseEndpoint splits "stage.field" at the first dot.
func ParseEndpoint(s string) (Endpoint, error) {
	st, f, ok := strings.Cut(s, ".")
	if !ok || st == "" || f == "" {
		return Endpoint{}, invalidf("endpoint %q is not of the form stage.field", s)
	}
	return Endpoint{Stage: st, Field: f}, nil
}

func (e Endpoint) String() string { return e.Stage + "." + e.Field }

type connection struct {
	from, to Endpoint
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(lg *slog.Logger) Option {
	return func(c *Chain) { c.log = lg }
}

// Chain owns a set of stages and the connections between them. Inputs that
// no connection feeds are parameters of the chain.
type Chain struct {
	log    *slog.Logger
	stages []stage.Stage
	index  map[string]int
	conns  []connection
	feeds  map[Endpoint]Endpoint

	wires  *wiring
	topo   []int
	params map[string]int
	ready  bool

	// last forward sweep
	in  []stage.Values
	out []stage.Values
}

// New returns an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{
		index: make(map[string]int),
		feeds: make(map[Endpoint]Endpoint),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.OrNop(c.log)
	return c
}

// AddStage appends s. Stage names must be unique and free of dots.
func (c *Chain) AddStage(s stage.Stage) error {
	name := s.Name()
	if name == "" || strings.Contains(name, ".") {
		return invalidf("stage name %q must be non-empty and contain no dot", name)
	}
	if _, dup := c.index[name]; dup {
		return invalidf("duplicate stage %q", name)
	}
	c.index[name] = len(c.stages)
	c.stages = append(c.stages, s)
	c.ready = false
	return nil
}

// Stage returns the stage with the given name.
func (c *Chain) Stage(name string) (stage.Stage, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.stages[i], true
}

// Connect feeds the output from into the input to. An input takes at most
// one connection; an output may feed any number of inputs.
func (c *Chain) Connect(from, to string) error {
	src, err := ParseEndpoint(from)
	if err != nil {
		return err
	}
	dst, err := ParseEndpoint(to)
	if err != nil {
		return err
	}
	if prev, ok := c.feeds[dst]; ok {
		return invalidf("input %s is already connected to %s", dst, prev)
	}
	c.feeds[dst] = src
	c.conns = append(c.conns, connection{from: src, to: dst})
	c.ready = false
	return nil
}

// Setup sets up every stage, then checks that each connection joins an
// existing output to an existing input of the same size and that the
// connections are acyclic.
func (c *Chain) Setup() error {
	if c.ready {
		return nil
	}
	if len(c.stages) == 0 {
		return invalidf("no stages")
	}
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		if err := s.Setup(); err != nil {
			return fmt.Errorf("setup %s: %w", s.Name(), err)
		}
		names[i] = s.Name()
	}
	w := newWiring(names)
	for _, cn := range c.conns {
		u, ok := c.index[cn.from.Stage]
		if !ok {
			return invalidf("%s -> %s: unknown stage %q", cn.from, cn.to, cn.from.Stage)
		}
		v, ok := c.index[cn.to.Stage]
		if !ok {
			return invalidf("%s -> %s: unknown stage %q", cn.from, cn.to, cn.to.Stage)
		}
		od, ok := c.stages[u].Outputs().Get(cn.from.Field)
		if !ok {
			return invalidf("%s is not an output of %s", cn.from, cn.from.Stage)
		}
		id, ok := c.stages[v].Inputs().Get(cn.to.Field)
		if !ok {
			return invalidf("%s is not an input of %s", cn.to, cn.to.Stage)
		}
		if od.Size != id.Size {
			return invalidf("%s has size %d, %s has size %d", cn.from, od.Size, cn.to, id.Size)
		}
		if u == v {
			return cycleError([]string{names[u], names[u]})
		}
		w.link(u, v)
	}
	topo, err := w.schedule()
	if err != nil {
		return err
	}
	params := make(map[string]int)
	for _, s := range c.stages {
		for _, name := range s.Inputs().Names() {
			ep := Endpoint{Stage: s.Name(), Field: name}
			if _, fed := c.feeds[ep]; fed {
				continue
			}
			d, _ := s.Inputs().Get(name)
			params[ep.String()] = d.Size
		}
	}
	c.wires, c.topo, c.params = w, topo, params
	c.in, c.out = nil, nil
	c.ready = true
	c.log.Debug("chain setup", "stages", len(c.stages), "connections", len(c.conns), "params", len(params))
	return nil
}

// Params returns the sizes of the unconnected inputs keyed "stage.input".
func (c *Chain) Params() map[string]int {
	out := make(map[string]int, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// ParamNames returns the parameter names in sorted order.
func (c *Chain) ParamNames() []string {
	out := make([]string, 0, len(c.params))
	for k := range c.params {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Order returns the stage names in execution order.
func (c *Chain) Order() []string {
	out := make([]string, len(c.topo))
	for i, n := range c.topo {
		out[i] = c.stages[n].Name()
	}
	return out
}

// Run is one forward sweep. params must supply every parameter and
// nothing else. The result holds every stage output keyed "stage.output".
func (c *Chain) Run(params map[string]mat.Vector) (map[string]mat.Vector, error) {
	if !c.ready {
		return nil, invalidf("run before setup")
	}
	for name := range params {
		if _, ok := c.params[name]; !ok {
			return nil, invalidf("%q is not a chain parameter", name)
		}
	}
	in := make([]stage.Values, len(c.stages))
	out := make([]stage.Values, len(c.stages))
	result := make(map[string]mat.Vector)
	for _, n := range c.topo {
		s := c.stages[n]
		vals := make(stage.Values)
		for _, name := range s.Inputs().Names() {
			ep := Endpoint{Stage: s.Name(), Field: name}
			if src, fed := c.feeds[ep]; fed {
				vals[name] = out[c.index[src.Stage]][src.Field]
				continue
			}
			v, ok := params[ep.String()]
			if !ok {
				return nil, invalidf("parameter %s not supplied", ep)
			}
			vals[name] = v
		}
		res, err := s.Compute(vals)
		if err != nil {
			c.in, c.out = nil, nil
			return nil, fmt.Errorf("run %s: %w", s.Name(), err)
		}
		in[n], out[n] = vals, res
		for k, v := range res {
			result[Endpoint{Stage: s.Name(), Field: k}.String()] = v
		}
	}
	c.in, c.out = in, out
	c.log.Debug("chain run", "order", c.Order())
	return result, nil
}

// Close closes every stage that holds resources.
func (c *Chain) Close() error {
	var first error
	for _, s := range c.stages {
		if cl, ok := s.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
