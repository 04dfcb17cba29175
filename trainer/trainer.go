// Package trainer runs data-parallel training of the Wayformer model: one graph
// execution computes the loss and gradients, gradients are averaged across the
// worker group, and a second execution applies the optimizer step.
package trainer

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/datasets"
	"github.com/Noofbiz/wayformer/distributed"
	"github.com/Noofbiz/wayformer/logging"
	"github.com/Noofbiz/wayformer/solver"
	"github.com/Noofbiz/wayformer/wayformer"
)

// LossTag is the scalar the master writes once per batch.
const LossTag = "train_loss"

// Trainer owns the model variables of one worker.
type Trainer struct {
	cfg     *config.Config
	model   *wayformer.Model
	data    datasets.Dataset
	opt     *solver.Optimizer
	group   distributed.Group
	log     logr.Logger
	backend backends.Backend
	ctx     *mlctx.Context
	runID   string
	scalars *logging.ScalarWriter
	ckpt    *checkpoints.Handler
	ckptDir string

	gradExec, applyExec *mlctx.Exec
	packExec, loadExec  *mlctx.Exec
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithBackend sets the gomlx backend. By default one is created from cfg.
func WithBackend(b backends.Backend) Option { return func(t *Trainer) { t.backend = b } }

// WithContext sets the gomlx context holding the variables. By default a fresh one.
func WithContext(ctx *mlctx.Context) Option { return func(t *Trainer) { t.ctx = ctx } }

// WithRunID names the checkpoint directory of a run that is not resumed.
func WithRunID(id string) Option { return func(t *Trainer) { t.runID = id } }

// New validates the schedule and prepares the graph executors. log is the
// unfiltered logger; only rank 0 logs.
func New(cfg *config.Config, model *wayformer.Model, data datasets.Dataset, opt *solver.Optimizer,
	group distributed.Group, log logr.Logger, opts ...Option) (*Trainer, error) {
	if err := solver.CheckSchedule(cfg.Solver); err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:   cfg,
		model: model,
		data:  data,
		opt:   opt,
		group: group,
		log:   logging.ForRank(log.WithName("trainer"), group.Rank()),
	}
	for _, o := range opts {
		o(t)
	}
	if t.backend == nil {
		b, err := wayformer.NewBackend(cfg)
		if err != nil {
			return nil, err
		}
		t.backend = b
	}
	if t.ctx == nil {
		t.ctx = mlctx.New()
	}
	t.ctx = t.ctx.Checked(false)
	if t.runID == "" {
		t.runID = uuid.NewString()[:8]
	}
	if err := exceptions.TryCatch[error](t.buildExecs); err != nil {
		return nil, errors.Wrap(err, "building training graphs")
	}
	return t, nil
}

// Context returns the gomlx context holding the model and optimizer variables.
func (t *Trainer) Context() *mlctx.Context { return t.ctx }

func (t *Trainer) buildExecs() {
	t.gradExec = mlctx.MustNewExec(t.backend, t.ctx, func(ctx *mlctx.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		out := t.model.Forward(ctx, inputs)
		vars := solver.TrainableVariables(ctx)
		params := make([]*Node, len(vars))
		for i, v := range vars {
			params[i] = v.ValueGraph(g)
		}
		grads := Gradient(out.Loss.Total, params...)
		return []*Node{out.Loss.Total, solver.PackNodes(grads), out.Loss.Cls, out.Loss.Reg}
	})
	t.applyExec = mlctx.MustNewExec(t.backend, t.ctx, func(ctx *mlctx.Context, lr, flatGrads *Node) *Node {
		vars := solver.TrainableVariables(ctx)
		return t.opt.Apply(ctx, vars, solver.Unpack(flatGrads, vars), lr)
	})
	t.packExec = mlctx.MustNewExec(t.backend, t.ctx, func(ctx *mlctx.Context, inputs []*Node) *Node {
		t.model.Forward(ctx, inputs)
		return solver.Pack(inputs[0].Graph(), solver.TrainableVariables(ctx))
	})
	t.loadExec = mlctx.MustNewExec(t.backend, t.ctx, func(ctx *mlctx.Context, flat *Node) *Node {
		vars := solver.TrainableVariables(ctx)
		for i, n := range solver.Unpack(flat, vars) {
			vars[i].SetValueGraph(n)
		}
		return ReduceAllSum(flat)
	})
}

func (t *Trainer) master() bool { return t.group.Rank() == 0 }

// Train runs epochs [start, SOLVER.MAX_EPOCH), where start is 0 or the epoch after the
// last checkpoint when TRAIN.AUTO_RESUME is set.
func (t *Trainer) Train(ctx context.Context) (err error) {
	if err := t.setupCheckpoints(); err != nil {
		return err
	}
	epochVar := t.ctx.InAbsPath(solver.StateScope).VariableWithValue("epoch", int64(0)).SetTrainable(false)
	start := int(epochVar.Value().Value().(int64))
	if start >= t.cfg.Solver.MaxEpoch {
		t.log.Info("nothing to do", "epoch", start, "maxEpoch", t.cfg.Solver.MaxEpoch)
		return nil
	}

	if t.master() {
		if t.scalars, err = logging.NewScalarWriter(t.cfg.OutputDir); err != nil {
			return err
		}
		defer func() {
			if cerr := t.scalars.Close(); err == nil {
				err = cerr
			}
		}()
	}

	t.data.Shuffle(start)
	if t.data.Len() == 0 {
		return errors.New("dataset yields no batches for this worker")
	}
	first, err := t.data.Batch(0)
	if err != nil {
		return err
	}
	if err := t.syncParams(ctx, first); err != nil {
		return err
	}
	t.log.Info("starting training", "run", t.runID, "startEpoch", start, "maxEpoch", t.cfg.Solver.MaxEpoch,
		"workers", t.group.Size(), "batchesPerEpoch", humanize.Comma(int64(t.data.Len())))

	for epoch := start; epoch < t.cfg.Solver.MaxEpoch; epoch++ {
		if epoch != start {
			t.data.Shuffle(epoch)
		}
		if err := t.trainEpoch(ctx, epoch); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		epochVar.SetValue(tensors.FromValue(int64(epoch + 1)))
		if err := t.maybeSave(epoch); err != nil {
			return err
		}
	}
	return t.group.Barrier(ctx)
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) error {
	t.log.Info("Epoch", "epoch", epoch)
	n := t.data.Len()
	var running float64
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		lr := solver.GetEpochLR(float64(epoch)+float64(i)/float64(n), t.cfg.Solver)
		batch, err := t.data.Batch(i)
		if err != nil {
			return err
		}
		loss, err := t.Step(ctx, batch, lr)
		if err != nil {
			return errors.Wrapf(err, "batch %d", i)
		}
		if !t.master() {
			continue
		}
		running += loss
		mean := running / float64(i+1)
		t.log.Info("Loss", "loss", mean, "lr", lr, "batch", i+1, "of", n)
		if err := t.scalars.AddScalar(LossTag, mean, epoch*n+i); err != nil {
			return err
		}
	}
	return nil
}

// Step trains on one batch at learning rate lr and returns the loss, averaged across
// the group when it has more than one worker.
func (t *Trainer) Step(ctx context.Context, batch *datasets.Batch, lr float64) (float64, error) {
	var loss float32
	var grads []float32
	err := exceptions.TryCatch[error](func() {
		outs := t.gradExec.MustExec(batch.Inputs()...)
		loss = outs[0].Value().(float32)
		grads = outs[1].Value().([]float32)
	})
	if err != nil {
		return 0, errors.Wrap(err, "forward/backward")
	}
	if err := t.group.AllReduceMean(ctx, grads); err != nil {
		return 0, err
	}
	if err := exceptions.TryCatch[error](func() { t.applyExec.MustExec(float32(lr), grads) }); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	if t.group.Size() > 1 {
		l := []float32{loss}
		if err := t.group.AllReduceMean(ctx, l); err != nil {
			return 0, err
		}
		loss = l[0]
	}
	return float64(loss), nil
}

// syncParams creates the model variables (or loads them from a checkpoint) and
// replaces every worker's copy with rank 0's.
func (t *Trainer) syncParams(ctx context.Context, batch *datasets.Batch) error {
	flat, err := t.Parameters(batch)
	if err != nil {
		return err
	}
	t.log.Info("model ready", "parameters", humanize.Comma(int64(len(flat))))
	if t.group.Size() == 1 {
		return nil
	}
	if err := t.group.Broadcast(ctx, flat); err != nil {
		return err
	}
	if t.master() {
		return nil
	}
	return errors.Wrap(exceptions.TryCatch[error](func() { t.loadExec.MustExec(flat) }), "loading broadcast parameters")
}

// Parameters returns the trainable variables flattened in a stable order, creating
// them first if needed. batch only fixes the input shapes.
func (t *Trainer) Parameters(batch *datasets.Batch) ([]float32, error) {
	var flat []float32
	err := exceptions.TryCatch[error](func() {
		flat = t.packExec.MustExec(batch.Inputs()...)[0].Value().([]float32)
	})
	return flat, errors.Wrap(err, "reading parameters")
}

// CheckpointRoot is where run directories are created.
func CheckpointRoot(cfg *config.Config) string {
	return filepath.Join(cfg.OutputDir, "checkpoints")
}

// setupCheckpoints attaches a checkpoint handler. When resuming, every worker loads
// the most recent run directory; otherwise only the master gets a fresh one.
func (t *Trainer) setupCheckpoints() error {
	dir := filepath.Join(CheckpointRoot(t.cfg), t.runID)
	if t.cfg.Train.AutoResume {
		latest, err := latestRun(CheckpointRoot(t.cfg))
		if err != nil {
			return err
		}
		if latest != "" {
			dir = latest
			t.log.Info("resuming", "dir", dir)
		}
	} else if !t.master() || t.cfg.Train.CheckpointPeriod <= 0 {
		return nil
	}
	h, err := checkpoints.Build(t.ctx).Dir(dir).Keep(3).Done()
	if err != nil {
		return errors.Wrapf(err, "checkpoints in %q", dir)
	}
	t.ckpt, t.ckptDir = h, dir
	return nil
}

func (t *Trainer) maybeSave(epoch int) error {
	period := t.cfg.Train.CheckpointPeriod
	if !t.master() || t.ckpt == nil || period <= 0 {
		return nil
	}
	if (epoch+1)%period != 0 && epoch+1 != t.cfg.Solver.MaxEpoch {
		return nil
	}
	if err := t.ckpt.Save(); err != nil {
		return errors.Wrapf(err, "saving checkpoint after epoch %d", epoch)
	}
	t.log.Info("checkpoint saved", "epoch", epoch, "dir", t.ckptDir)
	return nil
}

// latestRun returns the most recently modified run directory under root, or "" when
// there is none.
func latestRun(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "listing %q", root)
	}
	type run struct {
		path string
		mod  int64
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", errors.Wrapf(err, "stat %q", e.Name())
		}
		runs = append(runs, run{filepath.Join(root, e.Name()), info.ModTime().UnixNano()})
	}
	if len(runs) == 0 {
		return "", nil
	}
	latest := slices.MaxFunc(runs, func(a, b run) int { return cmp.Compare(a.mod, b.mod) })
	return latest.path, nil
}
