package chain

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"github.com/notargets/DGAdjoint/geometry"
	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/metrics"
	"github.com/notargets/DGAdjoint/options"
	"github.com/notargets/DGAdjoint/solver"
	"github.com/notargets/DGAdjoint/stage"
	"gonum.org/v1/gonum/mat"
)

// Stage types understood by Build.
const (
	TypeImplicit     = "implicit"
	TypeFunctional   = "functional"
	TypeMeshMovement = "mesh-movement"
	TypeGeometry     = "geometry"
)

// Config describes a chain: the solver handles, the stages built on them,
// the connections and the parameter values.
type Config struct {
	Handles     map[string]HandleConfig `mapstructure:"handles"`
	Stages      []StageConfig           `mapstructure:"stages"`
	Connections []ConnectionConfig      `mapstructure:"connections"`
	Params      map[string][]float64    `mapstructure:"params"`
	Check       CheckConfig             `mapstructure:"check"`
}

// HandleConfig names a registered physics kind and its option document.
type HandleConfig struct {
	Kind    string         `mapstructure:"kind"`
	Options map[string]any `mapstructure:"options"`
}

// StageConfig describes one stage. Which fields apply depends on Type:
// Output and Depends for functionals, Policy for mesh movement,
// InitialCondition for implicit stages and Geometry for geometry stages.
type StageConfig struct {
	Name    string   `mapstructure:"name"`
	Type    string   `mapstructure:"type"`
	Handle  string   `mapstructure:"handle"`
	Output  string   `mapstructure:"output"`
	Depends []string `mapstructure:"depends"`
	Policy  string   `mapstructure:"policy"`

	InitialCondition InitialConfig  `mapstructure:"initial-condition"`
	Geometry         GeometryConfig `mapstructure:"geometry"`
}

// InitialConfig selects a vector initial condition when Components is set
// and a scalar one otherwise.
type InitialConfig struct {
	Value      float64   `mapstructure:"value"`
	Components []float64 `mapstructure:"components"`
}

// GeometryConfig builds an affine kernel over the mesh coordinates of the
// handle named by MeshFrom.
type GeometryConfig struct {
	MeshFrom string    `mapstructure:"mesh-from"`
	Origin   []float64 `mapstructure:"origin"`
	Sections int       `mapstructure:"sections"`
}

type ConnectionConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type CheckConfig struct {
	Of   string   `mapstructure:"of"`
	Wrt  []string `mapstructure:"wrt"`
	Step float64  `mapstructure:"step"`
}

// LoadConfig reads a chain document from a YAML or JSON file.
func LoadConfig(path string) (Config, error) {
	doc, err := options.Load(path)
	if err != nil {
		return Config{}, err
	}
	return DecodeConfig(doc)
}

// DecodeConfig decodes a chain document. Unknown keys are errors; a missing
// check step defaults to 1e-6.
func DecodeConfig(doc map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(doc); err != nil {
		return Config{}, fmt.Errorf("decode chain config: %w", err)
	}
	if cfg.Check.Step == 0 {
		cfg.Check.Step = 1e-6
	}
	return cfg, nil
}

// Build constructs the handles through the solver registry, wraps them in
// stages, connects and sets up the chain.
func Build(cfg Config, comm solver.Comm, lg *slog.Logger, rec *metrics.Recorder) (*Chain, error) {
	lg = logging.OrNop(lg)
	shared := make(map[string]*solver.Shared, len(cfg.Handles))
	defer func() {
		// Stages hold their own references.
		for _, sh := range shared {
			_ = sh.Release()
		}
	}()
	for name, hc := range cfg.Handles {
		h, err := solver.New(hc.Kind, hc.Options, comm, lg.With("handle", name))
		if err != nil {
			return nil, fmt.Errorf("handle %s: %w", name, err)
		}
		shared[name] = solver.Share(h)
	}

	c := New(WithLogger(lg))
	for _, sc := range cfg.Stages {
		s, err := buildStage(sc, shared, lg, rec)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := c.AddStage(s); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	for _, cc := range cfg.Connections {
		if err := c.Connect(cc.From, cc.To); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if err := c.Setup(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func buildStage(sc StageConfig, shared map[string]*solver.Shared, lg *slog.Logger, rec *metrics.Recorder) (stage.Stage, error) {
	opts := []stage.Option{stage.WithLogger(lg), stage.WithMetrics(rec)}
	sh := shared[sc.Handle]
	if sh == nil && sc.Type != TypeGeometry {
		return nil, invalidf("stage %q: unknown handle %q", sc.Name, sc.Handle)
	}
	switch sc.Type {
	case TypeImplicit:
		var ic stage.InitialCondition = stage.ScalarIC(sc.InitialCondition.Value)
		if len(sc.InitialCondition.Components) > 0 {
			ic = stage.VectorIC(sc.InitialCondition.Components)
		}
		return stage.NewImplicit(sc.Name, sh, ic, opts...), nil
	case TypeFunctional:
		return stage.NewFunctional(sc.Name, sh, sc.Output, sc.Depends, opts...), nil
	case TypeMeshMovement:
		policy := stage.Deform
		switch sc.Policy {
		case "", "deform":
		case "pass-through":
			policy = stage.PassThrough
		default:
			return nil, invalidf("stage %q: unknown mesh policy %q", sc.Name, sc.Policy)
		}
		return stage.NewMeshMovement(sc.Name, sh, policy, opts...), nil
	case TypeGeometry:
		src := shared[sc.Geometry.MeshFrom]
		if src == nil {
			return nil, invalidf("stage %q: unknown handle %q for geometry nodes", sc.Name, sc.Geometry.MeshFrom)
		}
		var nodes mat.VecDense
		err := src.Do(func(h solver.Handle) error { return h.GetField(solver.MeshCoordsName, &nodes) })
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		k, err := geometry.NewAffine(src.Handle().NumStates(), nodes.RawVector().Data, sc.Geometry.Origin, sc.Geometry.Sections)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		return stage.NewGeometry(sc.Name, k, opts...), nil
	}
	return nil, invalidf("stage %q: unknown type %q", sc.Name, sc.Type)
}

// ParamVectors turns the configured parameter values into chain inputs. A
// single value is broadcast to the parameter's size.
func (c *Chain) ParamVectors(values map[string][]float64) (map[string]mat.Vector, error) {
	out := make(map[string]mat.Vector, len(values))
	for name, vs := range values {
		n, ok := c.params[name]
		if !ok {
			return nil, invalidf("%q is not a chain parameter", name)
		}
		if len(vs) != 1 && len(vs) != n {
			return nil, invalidf("parameter %s has %d values, size %d", name, len(vs), n)
		}
		v := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			v.SetVec(i, vs[i%len(vs)])
		}
		out[name] = v
	}
	return out, nil
}
