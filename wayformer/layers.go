package wayformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// linear applies x·W + b over the last axis of x. W is Xavier/Glorot-uniform
// initialised unless zeroInit is set; b always starts at zero.
func linear(ctx *context.Context, x *Node, out int, zeroInit bool) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	in := dims[len(dims)-1]

	wInit := initializers.XavierUniformFn(ctx)
	if zeroInit {
		wInit = initializers.Zero
	}
	w := ctx.WithInitializer(wInit).VariableWithShape("weights", shapes.Make(x.DType(), in, out)).ValueGraph(g)
	b := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(x.DType(), out)).ValueGraph(g)

	rows := x.Shape().Size() / in
	y := Dot(Reshape(x, rows, in), w)
	y = Add(y, BroadcastToDims(Reshape(b, 1, out), rows, out))
	outDims := append(append([]int(nil), dims[:len(dims)-1]...), out)
	return Reshape(y, outDims...)
}

// mlp is linear → ReLU → linear. The final layer is zero-initialised when zeroLast.
func mlp(ctx *context.Context, x *Node, hidden, out int, zeroLast bool) *Node {
	h := activations.Relu(linear(ctx.In("fc1"), x, hidden, false))
	return linear(ctx.In("fc2"), h, out, zeroLast)
}

// layerNorm normalises the last axis; gain starts at 1 and offset at 0.
func layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, x.Rank()-1).Done()
}

// broadcastLast expands mask (..., L) into (..., L, d) in x's dtype.
func broadcastLast(mask *Node, like *Node) *Node {
	dims := like.Shape().Dimensions
	m := ConvertDType(mask, like.DType())
	withOne := append(append([]int(nil), mask.Shape().Dimensions...), 1)
	return BroadcastToDims(Reshape(m, withOne...), dims...)
}

// maskedMaxPool reduces axis 2 of the non-negative x (B, S, L, D) over valid
// steps only. Invalid steps are zeroed first, so an all-invalid entity pools to 0.
func maskedMaxPool(x, mask *Node) *Node {
	return ReduceMax(Mul(x, broadcastLast(mask, x)), 2)
}

// anyValid turns a step mask (B, S, L) into a token mask (B, S).
func anyValid(mask *Node, dtypeOf *Node) *Node {
	counts := ReduceSum(ConvertDType(mask, dtypeOf.DType()), 2)
	return GreaterThan(counts, ZerosLike(counts))
}

// multiHeadAttention attends query (B, Lq, D) over key/value (B, Lk, D) with D/numHeads
// wide heads. Keys where keyMask (B, Lk) is false get zero weight; a row with every
// key masked attends to nothing, so its output is the output projection's bias.
func multiHeadAttention(ctx *context.Context, query, key, value, keyMask *Node, numHeads int) *Node {
	d := query.Shape().Dimensions[2]
	mha := layers.MultiHeadAttention(ctx, query, key, value, numHeads, d/numHeads)
	if keyMask != nil {
		mha = mha.SetKeyMask(keyMask)
	}
	return mha.Done()
}
