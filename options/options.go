package options

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Size rules of an external-field declaration
const (
	SizeField  = "field"
	SizeScalar = "scalar"

	TimeSteady = "steady"
)

// Options is the parsed, validated solver configuration. It is produced once
// when a solver handle is constructed and never modified afterwards; the
// handle hands out copies.
type Options struct {
	Silent         bool                     `mapstructure:"silent"`
	PrintOptions   bool                     `mapstructure:"print-options"`
	Mesh           Mesh                     `mapstructure:"mesh"`
	SpaceDis       SpaceDis                 `mapstructure:"space-dis"`
	TimeDis        TimeDis                  `mapstructure:"time-dis"`
	NonlinSolver   NonlinSolver             `mapstructure:"nonlin-solver"`
	LinSolver      LinSolver                `mapstructure:"lin-solver"`
	AdjSolver      LinSolver                `mapstructure:"adj-solver"`
	BCs            map[string][]int         `mapstructure:"bcs"`
	ExternalFields map[string]ExternalField `mapstructure:"external-fields"`
	Outputs        map[string][]int         `mapstructure:"outputs"`
	Problem        map[string]any           `mapstructure:"problem-opts"`
}

type Mesh struct {
	File      string  `mapstructure:"file"`
	ModelFile string  `mapstructure:"model-file"`
	Refine    int     `mapstructure:"refine"`
	NumNodes  int     `mapstructure:"num-nodes"`
	XMin      float64 `mapstructure:"x-min"`
	XMax      float64 `mapstructure:"x-max"`
	Spacing   string  `mapstructure:"spacing"`
}

type SpaceDis struct {
	Degree    int    `mapstructure:"degree"`
	BasisType string `mapstructure:"basis-type"`
}

// TimeDis selects the time discretization. Only steady problems are
// solved.
type TimeDis struct {
	Type string `mapstructure:"type"`
}

type NonlinSolver struct {
	Type       string     `mapstructure:"type"`
	PrintLevel int        `mapstructure:"printlevel"`
	MaxIter    int        `mapstructure:"maxiter"`
	RelTol     float64    `mapstructure:"reltol"`
	AbsTol     float64    `mapstructure:"abstol"`
	Abort      bool       `mapstructure:"abort"`
	LineSearch LineSearch `mapstructure:"linesearch"`
}

type LineSearch struct {
	Type    string  `mapstructure:"type"`
	Mu      float64 `mapstructure:"mu"`
	RhoLo   float64 `mapstructure:"rho-lo"`
	RhoHi   float64 `mapstructure:"rho-hi"`
	MaxIter int     `mapstructure:"maxiter"`
}

// LinSolver configures a dense linear solve: the factorization type ("lu"
// or "qr") and the refinement budget and tolerances applied after it.
type LinSolver struct {
	Type       string  `mapstructure:"type"`
	PrintLevel int     `mapstructure:"printlevel"`
	MaxIter    int     `mapstructure:"maxiter"`
	RelTol     float64 `mapstructure:"reltol"`
	AbsTol     float64 `mapstructure:"abstol"`
}

// ExternalField declares a field supplied to the solver by another stage.
type ExternalField struct {
	BasisType string `mapstructure:"basis-type"`
	Degree    int    `mapstructure:"degree"`
	NumStates int    `mapstructure:"num-states"`
	Size      string `mapstructure:"size"`
}

// IsScalar reports whether the field is sized as a single value.
func (e ExternalField) IsScalar() bool { return e.Size == SizeScalar }

// Parse merges doc over Defaults, decodes and validates the result.
func Parse(doc map[string]any) (Options, error) {
	merged, err := Merge(Defaults(), doc)
	if err != nil {
		return Options{}, err
	}
	var o Options
	if err := decode(merged, &o); err != nil {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// DecodeProblem decodes the problem-opts subtree into out.
func (o Options) DecodeProblem(out any) error {
	if err := decode(o.Problem, out); err != nil {
		return fmt.Errorf("decode problem-opts: %w", err)
	}
	return nil
}

func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ZeroFields:       false,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Validate checks the subset of the options the adapters and reference
// solvers rely on.
func (o Options) Validate() error {
	ns := o.NonlinSolver
	if ns.MaxIter <= 0 {
		return fmt.Errorf("nonlin-solver.maxiter must be positive, got %d", ns.MaxIter)
	}
	if ns.AbsTol < 0 || ns.RelTol < 0 {
		return fmt.Errorf("nonlin-solver tolerances must be non-negative")
	}
	if ns.AbsTol == 0 && ns.RelTol == 0 {
		return fmt.Errorf("nonlin-solver needs a positive abstol or reltol")
	}
	if t := o.TimeDis.Type; t != "" && t != TimeSteady {
		return fmt.Errorf("time-dis.type %q is not supported, only %q", t, TimeSteady)
	}
	for key, ls := range map[string]LinSolver{"lin-solver": o.LinSolver, "adj-solver": o.AdjSolver} {
		switch ls.Type {
		case "", "lu", "qr":
		default:
			return fmt.Errorf("%s.type: unknown solver %q", key, ls.Type)
		}
		if ls.MaxIter < 0 || ls.AbsTol < 0 || ls.RelTol < 0 {
			return fmt.Errorf("%s: maxiter and tolerances must be non-negative", key)
		}
	}
	if o.SpaceDis.Degree < 1 {
		return fmt.Errorf("space-dis.degree must be at least 1, got %d", o.SpaceDis.Degree)
	}
	for name, ef := range o.ExternalFields {
		switch ef.Size {
		case "", SizeField, SizeScalar:
		default:
			return fmt.Errorf("external-fields.%s.size: unknown rule %q", name, ef.Size)
		}
		if ef.NumStates < 0 {
			return fmt.Errorf("external-fields.%s.num-states must be non-negative", name)
		}
	}
	return nil
}

// HasExternalField reports whether name is a declared external field.
func (o Options) HasExternalField(name string) bool {
	_, ok := o.ExternalFields[name]
	return ok
}

// ExternalFieldNames returns the declared external fields in sorted order.
func (o Options) ExternalFieldNames() []string {
	return sortedKeys(o.ExternalFields)
}

// OutputNames returns the declared outputs in sorted order.
func (o Options) OutputNames() []string {
	return sortedKeys(o.Outputs)
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	c := o
	if o.BCs != nil {
		c.BCs = make(map[string][]int, len(o.BCs))
		for k, v := range o.BCs {
			c.BCs[k] = append([]int(nil), v...)
		}
	}
	if o.ExternalFields != nil {
		c.ExternalFields = make(map[string]ExternalField, len(o.ExternalFields))
		for k, v := range o.ExternalFields {
			c.ExternalFields[k] = v
		}
	}
	if o.Outputs != nil {
		c.Outputs = make(map[string][]int, len(o.Outputs))
		for k, v := range o.Outputs {
			c.Outputs[k] = append([]int(nil), v...)
		}
	}
	if o.Problem != nil {
		c.Problem = normalize(o.Problem).(map[string]any)
	}
	return c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
