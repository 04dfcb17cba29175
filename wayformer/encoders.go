package wayformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
)

// Encoder turns per-entity time series into one token per entity.
//
// features is (B, S, Ts, F) and mask (B, S, Ts). The result is (B, S, D) plus a token
// mask (B, S) that is true when the entity has at least one valid step. Invalid steps
// never contribute to a token.
type Encoder interface {
	Encode(ctx *context.Context, features, mask *Node) (tokens, tokenMask *Node)
}

// NewEncoder returns the encoder variant named in MODEL.ENCODER.
func NewEncoder(name string, dModel int) (Encoder, error) {
	switch name {
	case config.EncoderTemporal, "":
		return temporalEncoder{d: dModel}, nil
	case config.EncoderVectorNet:
		return vectorNetEncoder{d: dModel}, nil
	case config.EncoderMLP:
		return mlpEncoder{d: dModel}, nil
	}
	return nil, errors.Errorf("unknown encoder %q", name)
}

// temporalEncoder embeds every step, adds a learned per-step time embedding and
// max-pools the valid steps.
type temporalEncoder struct{ d int }

func (e temporalEncoder) Encode(ctx *context.Context, features, mask *Node) (*Node, *Node) {
	g := features.Graph()
	dims := features.Shape().Dimensions
	b, s, ts := dims[0], dims[1], dims[2]

	h := linear(ctx.In("embed"), features, e.d, false)
	timeEmb := ctx.In("time").WithInitializer(initializers.XavierUniformFn(ctx)).
		VariableWithShape("embeddings", shapes.Make(features.DType(), ts, e.d)).ValueGraph(g)
	h = Add(h, BroadcastToDims(Reshape(timeEmb, 1, 1, ts, e.d), b, s, ts, e.d))
	h = activations.Relu(h)

	pooled := maskedMaxPool(h, mask)
	tokens := layerNorm(ctx.In("norm"), linear(ctx.In("proj"), pooled, e.d, false))
	return tokens, anyValid(mask, features)
}

// vectorNetEncoder is a two-stage VectorNet polyline subgraph: each stage embeds
// steps, pools them, and the second stage sees the first pool concatenated back onto
// every step.
type vectorNetEncoder struct{ d int }

func (e vectorNetEncoder) Encode(ctx *context.Context, features, mask *Node) (*Node, *Node) {
	dims := features.Shape().Dimensions
	b, s, ts := dims[0], dims[1], dims[2]

	h := activations.Relu(layerNorm(ctx.In("norm1"), linear(ctx.In("stage1"), features, e.d, false)))
	pooled := maskedMaxPool(h, mask)
	spread := BroadcastToDims(Reshape(pooled, b, s, 1, e.d), b, s, ts, e.d)
	h = Concatenate([]*Node{h, spread}, 3)
	h = activations.Relu(layerNorm(ctx.In("norm2"), linear(ctx.In("stage2"), h, e.d, false)))

	tokens := layerNorm(ctx.In("norm_out"), maskedMaxPool(h, mask))
	return tokens, anyValid(mask, features)
}

// mlpEncoder zeroes invalid steps, flattens time into features and applies a
// two-layer MLP.
type mlpEncoder struct{ d int }

func (e mlpEncoder) Encode(ctx *context.Context, features, mask *Node) (*Node, *Node) {
	dims := features.Shape().Dimensions
	b, s, ts, f := dims[0], dims[1], dims[2], dims[3]

	x := Mul(features, broadcastLast(mask, features))
	x = Reshape(x, b, s, ts*f)
	tokens := layerNorm(ctx.In("norm"), mlp(ctx.In("mlp"), x, e.d, e.d, false))
	return tokens, anyValid(mask, features)
}

// Fuse concatenates the channel tokens and their masks along the entity axis, in
// argument order.
func Fuse(tokens, masks []*Node) (*Node, *Node) {
	return Concatenate(tokens, 1), Concatenate(masks, 1)
}
