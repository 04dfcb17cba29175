package solver

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/wayformer/config"
)

func TestGetEpochLRCosineWithWarmup(t *testing.T) {
	cfg := config.Default().Solver
	cfg.BaseLR, cfg.CosineEndLR, cfg.MaxEpoch = 0.1, 0.001, 10
	cfg.WarmupEpochs, cfg.WarmupStartLR = 2, 0.01
	require.NoError(t, CheckSchedule(cfg))

	require.InDelta(t, 0.01, GetEpochLR(0, cfg), 1e-12)
	require.InDelta(t, 0.001, GetEpochLR(10, cfg), 1e-12)
	require.InDelta(t, 0.001+0.099*0.5, GetEpochLR(5, cfg), 1e-12)

	// Continuous at the warmup boundary and deterministic everywhere.
	require.InDelta(t, GetEpochLR(2, cfg), GetEpochLR(2-1e-9, cfg), 1e-8)
	prev := GetEpochLR(0, cfg)
	for e := 0.01; e < 10; e += 0.01 {
		lr := GetEpochLR(e, cfg)
		require.Equal(t, lr, GetEpochLR(e, cfg))
		require.Less(t, math.Abs(lr-prev), 1e-3, "jump at epoch %g", e)
		prev = lr
	}
}

func TestGetEpochLRStepsAndConstant(t *testing.T) {
	cfg := config.Default().Solver
	cfg.LRPolicy = config.PolicySteps
	cfg.BaseLR, cfg.WarmupEpochs = 0.5, 0
	cfg.Steps, cfg.LRs = []float64{0, 4, 8}, []float64{1, 0.1, 0.01}
	require.NoError(t, CheckSchedule(cfg))

	require.InDelta(t, 0.5, GetEpochLR(0, cfg), 1e-12)
	require.InDelta(t, 0.5, GetEpochLR(3.99, cfg), 1e-12)
	require.InDelta(t, 0.05, GetEpochLR(4, cfg), 1e-12)
	require.InDelta(t, 0.005, GetEpochLR(20, cfg), 1e-12)

	cfg.LRs = cfg.LRs[:2]
	require.Error(t, CheckSchedule(cfg))
	cfg.Steps, cfg.LRs = []float64{0, 4, 2}, []float64{1, 1, 1}
	require.Error(t, CheckSchedule(cfg))

	cfg.LRPolicy = config.PolicyConstant
	require.Equal(t, 0.5, GetEpochLR(17.3, cfg))
	cfg.LRPolicy = "exponential"
	require.Error(t, CheckSchedule(cfg))
}

// steps runs n optimizer updates of loss = sum(x^2) from x = start and returns x
// along with the context holding the optimizer state.
func steps(t *testing.T, cfg config.SolverConfig, start []float32, lr float32, n int) ([]float32, *context.Context) {
	t.Helper()
	backend, err := backends.New()
	require.NoError(t, err)
	opt, err := New(cfg)
	require.NoError(t, err)

	ctx := context.New().Checked(false)
	x := ctx.In("model").VariableWithValue("x", start)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, lr *Node) *Node {
		vars := TrainableVariables(ctx)
		loss := ReduceAllSum(Square(x.ValueGraph(lr.Graph())))
		grads := Gradient(loss, x.ValueGraph(lr.Graph()))
		return opt.Apply(ctx, vars, grads, lr)
	})
	for range n {
		exec.MustExec(lr)
	}
	return x.Value().Value().([]float32), ctx
}

func step(t *testing.T, cfg config.SolverConfig, start []float32, lr float32) []float32 {
	t.Helper()
	x, _ := steps(t, cfg, start, lr, 1)
	return x
}

func TestOptimizerSteps(t *testing.T) {
	cfg := config.Default().Solver
	cfg.ClipNorm, cfg.WeightDecay = 0, 0

	cfg.OptimizingMethod, cfg.Momentum = MethodSGD, 0
	require.InDeltaSlice(t, []float32{2.4, -0.8}, step(t, cfg, []float32{3, -1}, 0.1), 1e-5)

	// Adam's first step moves each coordinate by lr in the direction of -sign(grad).
	cfg.OptimizingMethod = MethodAdam
	require.InDeltaSlice(t, []float32{2.9, -0.9}, step(t, cfg, []float32{3, -1}, 0.1), 1e-5)

	// Clipping to norm 1 rescales the gradient (6, 8) to (0.6, 0.8).
	cfg.OptimizingMethod, cfg.ClipNorm = MethodSGD, 1
	require.InDeltaSlice(t, []float32{2.94, 3.92}, step(t, cfg, []float32{3, 4}, 0.1), 1e-5)

	// L2 weight decay adds wd*x to the gradient.
	cfg.ClipNorm, cfg.WeightDecay = 0, 1
	require.InDeltaSlice(t, []float32{2.1}, step(t, cfg, []float32{3}, 0.1), 1e-5)

	cfg.OptimizingMethod = "lbfgs"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestSGDMomentum(t *testing.T) {
	cfg := config.Default().Solver
	cfg.OptimizingMethod, cfg.Momentum = MethodSGD, 0.5
	cfg.ClipNorm, cfg.WeightDecay = 0, 0

	// x: 3 -> 3-0.1*6 = 2.4; buffer 0.5*6+4.8 = 7.8, so x -> 2.4-0.78 = 1.62.
	x, _ := steps(t, cfg, []float32{3}, 0.1, 2)
	require.InDeltaSlice(t, []float32{1.62}, x, 1e-5)
}

func TestApplyFeedsLearningRateAndStep(t *testing.T) {
	for _, method := range []string{MethodSGD, MethodAdam} {
		cfg := config.Default().Solver
		cfg.OptimizingMethod = method
		_, ctx := steps(t, cfg, []float32{1, 2}, 0.25, 3)
		require.Equal(t, int64(3), optimizers.GetGlobalStep(ctx), method)
		lr := optimizers.LearningRateVar(ctx, dtypes.Float32, 0).Value().Value()
		require.Equal(t, float32(0.25), lr, method)
		require.Len(t, TrainableVariables(ctx), 1, "optimizer state must not be trainable")
	}
}

func TestPackUnpack(t *testing.T) {
	backend, err := backends.New()
	require.NoError(t, err)
	ctx := context.New().Checked(false)
	ctx.In("b").VariableWithValue("w", [][]float32{{1, 2}, {3, 4}})
	ctx.In("a").VariableWithValue("bias", []float32{5})

	vars := TrainableVariables(ctx)
	require.Len(t, vars, 2)
	require.Equal(t, 5, PackedSize(vars))
	require.Equal(t, "bias", vars[0].Name())

	pack := context.MustNewExec(backend, ctx, func(ctx *context.Context, scale *Node) *Node {
		return MulScalar(Pack(scale.Graph(), vars), 1)
	})
	flat := pack.MustExec(float32(1))[0].Value().([]float32)
	require.Equal(t, []float32{5, 1, 2, 3, 4}, flat)

	load := context.MustNewExec(backend, ctx, func(ctx *context.Context, flat *Node) *Node {
		for i, n := range Unpack(flat, vars) {
			vars[i].SetValueGraph(n)
		}
		return ReduceAllSum(flat)
	})
	load.MustExec([]float32{0, 9, 8, 7, 6})
	require.Equal(t, [][]float32{{9, 8}, {7, 6}}, vars[1].Value().Value())
	require.Equal(t, []float32{0}, vars[0].Value().Value())
}
