package wayformer

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Transformer is an encoder-decoder stack: self attention over the fused scene
// tokens, then mode queries that attend to each other and to the encoded scene.
// Every sub-layer is residual and followed by LayerNorm.
type Transformer struct {
	DModel    int
	NumHeads  int
	EncLayers int
	DecLayers int
}

func (tr Transformer) ffn(ctx *context.Context, x *Node) *Node {
	h := activations.Relu(linear(ctx.In("fc1"), x, 4*tr.DModel, false))
	return linear(ctx.In("fc2"), h, tr.DModel, false)
}

// Apply runs the stack. tokens is (B, S, D), tokenMask (B, S) or nil, pos (B, S, D)
// is added to the token queries and keys, and queryPos (B, M, D) holds the mode
// query embeddings. Returns (B, M, D).
func (tr Transformer) Apply(ctx *context.Context, tokens, tokenMask, pos, queryPos *Node) *Node {
	mem := tokens
	for l := range tr.EncLayers {
		lctx := ctx.In(fmt.Sprintf("encoder_%d", l))
		qk := Add(mem, pos)
		mem = layerNorm(lctx.In("norm1"), Add(mem, multiHeadAttention(lctx.In("self_attn"), qk, qk, mem, tokenMask, tr.NumHeads)))
		mem = layerNorm(lctx.In("norm2"), Add(mem, tr.ffn(lctx.In("ffn"), mem)))
	}

	tgt := ZerosLike(queryPos)
	memKeys := Add(mem, pos)
	for l := range tr.DecLayers {
		lctx := ctx.In(fmt.Sprintf("decoder_%d", l))
		q := Add(tgt, queryPos)
		tgt = layerNorm(lctx.In("norm1"), Add(tgt, multiHeadAttention(lctx.In("self_attn"), q, q, tgt, nil, tr.NumHeads)))
		cross := multiHeadAttention(lctx.In("cross_attn"), Add(tgt, queryPos), memKeys, mem, tokenMask, tr.NumHeads)
		tgt = layerNorm(lctx.In("norm2"), Add(tgt, cross))
		tgt = layerNorm(lctx.In("norm3"), Add(tgt, tr.ffn(lctx.In("ffn"), tgt)))
	}
	return tgt
}
