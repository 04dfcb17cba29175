package solver

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
)

// Optimizer methods accepted in SOLVER.OPTIMIZING_METHOD.
const (
	MethodSGD  = "sgd"
	MethodAdam = "adam"
)

// StateScope is the absolute context scope holding optimizer state. Variables under
// it are never trainable.
const StateScope = "/optimizer"

// Optimizer updates variables from gradients inside a graph. Weight decay is added
// to the gradient (L2), then the gradients are clipped to a global norm and handed
// to the gomlx optimizer, which reads the learning rate from its variable.
type Optimizer struct {
	method      string
	momentum    float64
	weightDecay float64
	clipNorm    float64
	update      gradientUpdater
}

// gradientUpdater is implemented by the gomlx optimizers that accept gradients
// computed outside the update graph.
type gradientUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// New returns the optimizer configured by SOLVER.OPTIMIZING_METHOD.
func New(cfg config.SolverConfig) (*Optimizer, error) {
	o := &Optimizer{
		method:      strings.ToLower(cfg.OptimizingMethod),
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
		clipNorm:    cfg.ClipNorm,
	}
	var impl optimizers.Interface
	switch o.method {
	case MethodSGD:
		impl = optimizers.StochasticGradientDescent().WithDecay(false).Done()
	case MethodAdam:
		impl = optimizers.Adam().Betas(cfg.Beta1, cfg.Beta2).Epsilon(cfg.Epsilon).Done()
	default:
		return nil, errors.Errorf("unknown SOLVER.OPTIMIZING_METHOD %q", cfg.OptimizingMethod)
	}
	update, ok := impl.(gradientUpdater)
	if !ok {
		return nil, errors.Errorf("optimizer %q cannot apply precomputed gradients", o.method)
	}
	o.update = update
	return o, nil
}

// Method returns "sgd" or "adam".
func (o *Optimizer) Method() string { return o.method }

// TrainableVariables lists the trainable variables of ctx in a stable order, so
// separately built graphs agree on the position of each variable.
func TrainableVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && !strings.HasPrefix(v.Scope(), StateScope) {
			vars = append(vars, v)
		}
	})
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ParameterName(), b.ParameterName())
	})
	return vars
}

// Pack flattens the values of vars into one rank-1 node.
func Pack(g *Graph, vars []*context.Variable) *Node {
	parts := make([]*Node, len(vars))
	for i, v := range vars {
		parts[i] = Reshape(v.ValueGraph(g), -1)
	}
	return Concatenate(parts, 0)
}

// PackNodes flattens nodes into one rank-1 node.
func PackNodes(nodes []*Node) *Node {
	parts := make([]*Node, len(nodes))
	for i, n := range nodes {
		parts[i] = Reshape(n, -1)
	}
	return Concatenate(parts, 0)
}

// Unpack splits a rank-1 node produced by Pack back into nodes shaped like vars.
func Unpack(flat *Node, vars []*context.Variable) []*Node {
	out := make([]*Node, len(vars))
	start := 0
	for i, v := range vars {
		size := v.Shape().Size()
		out[i] = Reshape(Slice(flat, AxisRange(start, start+size)), v.Shape().Dimensions...)
		start += size
	}
	return out
}

// PackedSize is the length of the vector Pack returns for vars.
func PackedSize(vars []*context.Variable) int {
	n := 0
	for _, v := range vars {
		n += v.Shape().Size()
	}
	return n
}

// Apply performs one update of vars from grads at learning rate lr (a scalar node)
// and returns the global gradient norm measured before clipping. vars must hold
// every trainable variable of ctx.
func (o *Optimizer) Apply(ctx *context.Context, vars []*context.Variable, grads []*Node, lr *Node) *Node {
	g := lr.Graph()
	dt := lr.DType()
	if len(vars) != len(grads) {
		exceptions.Panicf("optimizer got %d variables and %d gradients", len(vars), len(grads))
	}

	// Reading every variable also marks it as used by g, which the gomlx
	// optimizers require.
	for i, v := range vars {
		param := v.ValueGraph(g)
		if o.weightDecay > 0 {
			grads[i] = Add(grads[i], MulScalar(param, o.weightDecay))
		}
	}

	sumSq := Scalar(g, dt, 0)
	for _, gr := range grads {
		sumSq = Add(sumSq, ReduceAllSum(Square(gr)))
	}
	norm := Sqrt(sumSq)
	if o.clipNorm > 0 {
		clip := Scalar(g, dt, o.clipNorm)
		scale := Div(clip, Max(norm, clip))
		for i := range grads {
			grads[i] = Mul(grads[i], scale)
		}
	}

	// gomlx SGD has no momentum: the heavy-ball buffer becomes the step direction.
	if o.method == MethodSGD && o.momentum > 0 {
		for i, v := range vars {
			buf := ctx.InAbsPath(StateScope+v.Scope()).Checked(false).WithInitializer(initializers.Zero).
				VariableWithShape("momentum_"+v.Name(), v.Shape()).SetTrainable(false)
			grads[i] = Add(MulScalar(buf.ValueGraph(g), o.momentum), grads[i])
			buf.SetValueGraph(grads[i])
		}
	}

	optimizers.LearningRateVar(ctx, dt, 0).SetValueGraph(lr)
	o.update.UpdateGraphWithGradients(ctx, contextOrder(ctx, g, vars, grads), dt)
	return norm
}

// contextOrder rearranges grads, given in the order of vars, into the order the
// gomlx optimizers walk the variables of ctx: trainable and used by g.
func contextOrder(ctx *context.Context, g *Graph, vars []*context.Variable, grads []*Node) []*Node {
	byVar := make(map[*context.Variable]*Node, len(vars))
	for i, v := range vars {
		byVar[v] = grads[i]
	}
	ordered := make([]*Node, 0, len(grads))
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		gr, ok := byVar[v]
		if !ok {
			exceptions.Panicf("trainable variable %s has no gradient", v.ParameterName())
		}
		ordered = append(ordered, gr)
	}
	return ordered
}
