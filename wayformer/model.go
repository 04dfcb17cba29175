// Package wayformer implements the Wayformer motion forecasting model on gomlx:
// per-channel scene encoders, early fusion, a transformer over the fused tokens
// decoded by learned mode queries, and anchor-relative trajectory heads trained with
// a hard-assignment loss.
package wayformer

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/anchors"
	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/datasets"
)

// Output is what one forward pass produces.
type Output struct {
	// Logits is (B, M).
	Logits *Node
	// Trajectories is (B, M, T, 2), anchors plus the regressed offsets.
	Trajectories *Node
	// Loss is set only when the context is in training mode.
	Loss *LossTerms
}

// Model holds the hyper-parameters and the anchor constant. Its trainable variables
// live in the gomlx context passed to Forward.
type Model struct {
	modes, horizon, dModel int
	agentEnc, nearbyEnc    Encoder
	mapEnc                 Encoder
	tr                     Transformer
	anchors                *anchors.Set
	weights                LossWeights
}

// Build loads the anchor set named in MODEL.ANCHOR_FILE and constructs the model named
// in MODEL.NAME.
func Build(cfg *config.Config) (*Model, error) {
	set, err := anchors.Load(cfg.Model.AnchorFile, cfg.Model.OutputModes, cfg.Track.FutureSize)
	if err != nil {
		return nil, err
	}
	return New(cfg, set)
}

// New constructs the model named in MODEL.NAME around the given anchors. The anchors
// must be exactly (MODEL.OUTPUT_MODES, TRACK.FUTURE_SIZE, 2).
func New(cfg *config.Config, set *anchors.Set) (*Model, error) {
	if !strings.EqualFold(cfg.Model.Name, "wayformer") {
		return nil, errors.Errorf("unknown model %q", cfg.Model.Name)
	}
	if err := set.Check(cfg.Model.OutputModes, cfg.Track.FutureSize); err != nil {
		return nil, err
	}
	if cfg.Model.DModel%cfg.Model.NumHeads != 0 {
		return nil, errors.Errorf("MODEL.D_MODEL=%d is not divisible by MODEL.NUM_HEADS=%d", cfg.Model.DModel, cfg.Model.NumHeads)
	}
	m := &Model{
		modes:   cfg.Model.OutputModes,
		horizon: cfg.Track.FutureSize,
		dModel:  cfg.Model.DModel,
		tr: Transformer{
			DModel:    cfg.Model.DModel,
			NumHeads:  cfg.Model.NumHeads,
			EncLayers: cfg.Model.EncLayers,
			DecLayers: cfg.Model.DecLayers,
		},
		anchors: set,
		weights: LossWeights{Cls: cfg.Loss.ClsWeight, Reg: cfg.Loss.RegWeight},
	}
	var err error
	for _, enc := range []*Encoder{&m.agentEnc, &m.nearbyEnc, &m.mapEnc} {
		if *enc, err = NewEncoder(cfg.Model.Encoder, cfg.Model.DModel); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Modes returns M.
func (m *Model) Modes() int { return m.modes }

// Horizon returns T.
func (m *Model) Horizon() int { return m.horizon }

// Forward builds the model graph. inputs are the datasets.NumInputs nodes in
// datasets.Batch.Tensors order. The loss is computed when ctx is in training mode.
func (m *Model) Forward(ctx *context.Context, inputs []*Node) Output {
	if len(inputs) != datasets.NumInputs {
		exceptions.Panicf("wayformer: got %d inputs, want %d", len(inputs), datasets.NumInputs)
	}
	g := inputs[0].Graph()
	agent, agentMask := inputs[0], inputs[1]
	nearby, nearbyMask := inputs[2], inputs[3]
	roads, roadMask := inputs[4], inputs[5]
	target, targetMask := inputs[6], inputs[7]
	b := agent.Shape().Dimensions[0]
	dt := agent.DType()
	d := m.dModel

	agentTok, agentTokMask := m.agentEnc.Encode(ctx.In("agent_encoder"), agent, agentMask)
	nearbyTok, nearbyTokMask := m.nearbyEnc.Encode(ctx.In("nearby_encoder"), nearby, nearbyMask)
	mapTok, mapTokMask := m.mapEnc.Encode(ctx.In("map_encoder"), roads, roadMask)
	tokens, tokenMask := Fuse([]*Node{agentTok, nearbyTok, mapTok}, []*Node{agentTokMask, nearbyTokMask, mapTokMask})

	s := tokens.Shape().Dimensions[1]
	pos := ConvertDType(Const(g, PositionalEncoding(s, d)), dt)
	pos = BroadcastToDims(Reshape(pos, 1, s, d), b, s, d)

	queries := ctx.In("query_embed").WithInitializer(initializers.XavierUniformFn(ctx)).
		VariableWithShape("embeddings", shapes.Make(dt, m.modes, d)).ValueGraph(g)
	queries = BroadcastToDims(Reshape(queries, 1, m.modes, d), b, m.modes, d)

	decoded := m.tr.Apply(ctx.In("transformer"), tokens, tokenMask, pos, queries)

	logits := Reshape(mlp(ctx.In("cls_head"), decoded, d, 1, false), b, m.modes)
	offsets := Reshape(mlp(ctx.In("reg_head"), decoded, d, m.horizon*2, true), b, m.modes, m.horizon, 2)
	anchorConst := ConvertDType(Const(g, m.anchors.Nested()), dt)
	trajs := Add(offsets, BroadcastToDims(Reshape(anchorConst, 1, m.modes, m.horizon, 2), b, m.modes, m.horizon, 2))

	out := Output{Logits: logits, Trajectories: trajs}
	if ctx.IsTraining(g) {
		terms := AssignmentLoss(logits, trajs, target, targetMask, m.weights)
		out.Loss = &terms
	}
	return out
}

// Prediction is the host-side result of Predict.
type Prediction struct {
	// Logits is [B][M].
	Logits [][]float32
	// Trajectories is [B][M][T][2].
	Trajectories [][][][]float32
}

// Predictor runs inference on batches, compiling once per batch shape.
type Predictor struct {
	model *Model
	exec  *context.Exec
}

// NewPredictor prepares an inference executor over ctx's variables.
func NewPredictor(backend backends.Backend, ctx *context.Context, model *Model) (*Predictor, error) {
	p := &Predictor{model: model}
	err := exceptions.TryCatch[error](func() {
		p.exec = context.MustNewExec(backend, ctx.Checked(false), func(ctx *context.Context, inputs []*Node) []*Node {
			out := model.Forward(ctx, inputs)
			return []*Node{out.Logits, out.Trajectories}
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "building predictor")
	}
	return p, nil
}

// Predict runs one forward pass in inference mode.
func (p *Predictor) Predict(batch *datasets.Batch) (*Prediction, error) {
	var pred Prediction
	err := exceptions.TryCatch[error](func() {
		outs := p.exec.MustExec(batch.Inputs()...)
		pred.Logits = outs[0].Value().([][]float32)
		pred.Trajectories = outs[1].Value().([][][][]float32)
	})
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	return &pred, nil
}

// NewBackend returns the gomlx backend named by cfg.Backend, or the default one.
func NewBackend(cfg *config.Config) (backends.Backend, error) {
	var (
		b   backends.Backend
		err error
	)
	if cfg.Backend == "" {
		b, err = backends.New()
	} else {
		b, err = backends.NewWithConfig(cfg.Backend)
	}
	return b, errors.Wrap(err, "creating backend")
}
