package wayformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// LossWeights scale the two terms of the assignment loss.
type LossWeights struct {
	Cls, Reg float64
}

// LossTerms are the scalar components of one loss evaluation, plus the assigned
// mode per sample.
type LossTerms struct {
	Total, Cls, Reg *Node
	// Assigned is (B,) holding the winning mode index as a float.
	Assigned *Node
}

// Assign picks, per sample, the mode whose trajectory (B, M, T, 2) is closest to
// target (B, T, 2), measuring the sum of Euclidean point distances over the valid
// steps of targetMask (B, T). Ties go to the lowest index. The result is (B,) in the
// trajectories' dtype and carries no gradient.
func Assign(trajectories, target, targetMask *Node) *Node {
	idx, _ := assign(trajectories, target, targetMask)
	return idx
}

func assign(trajectories, target, targetMask *Node) (idx, oneHot *Node) {
	g := trajectories.Graph()
	dims := trajectories.Shape().Dimensions
	b, m, t := dims[0], dims[1], dims[2]
	dt := trajectories.DType()

	stepMask := ConvertDType(targetMask, dt)
	diff := Sub(StopGradient(trajectories), BroadcastToDims(Reshape(target, b, 1, t, 2), b, m, t, 2))
	pointDist := Sqrt(ReduceSum(Square(diff), 3))
	dist := ReduceSum(Mul(pointDist, BroadcastToDims(Reshape(stepMask, b, 1, t), b, m, t)), 2)

	minDist := BroadcastToDims(Reshape(ReduceMin(dist, 1), b, 1), b, m)
	modes := Iota(g, shapes.Make(dt, b, m), 1)
	candidates := Where(LessOrEqual(dist, minDist), modes, AddScalar(ZerosLike(modes), float64(m)))
	idx = ReduceMin(candidates, 1)
	oneHot = ConvertDType(Equal(modes, BroadcastToDims(Reshape(idx, b, 1), b, m)), dt)
	return StopGradient(idx), StopGradient(oneHot)
}

// smoothL1 is the Huber loss with beta 1, elementwise.
func smoothL1(x *Node) *Node {
	ax := Abs(x)
	return Where(LessThan(ax, OnesLike(ax)), MulScalar(Square(x), 0.5), AddScalar(ax, -0.5))
}

// AssignmentLoss scores predictions against the ground truth with hard assignment:
// cross entropy pushes the logits (B, M) toward the closest mode, smooth L1 pulls
// that mode's trajectory toward the target. Each sample's regression term is averaged
// over its valid steps; both terms are averaged over samples with at least one valid
// step, so fully invalid samples contribute nothing and an all-invalid batch gives 0.
func AssignmentLoss(logits, trajectories, target, targetMask *Node, w LossWeights) LossTerms {
	g := logits.Graph()
	dims := trajectories.Shape().Dimensions
	b, m, t := dims[0], dims[1], dims[2]
	dt := logits.DType()

	idx, oneHot := assign(trajectories, target, targetMask)

	stepMask := ConvertDType(targetMask, dt)
	validSteps := ReduceSum(stepMask, 1)
	sampleValid := ConvertDType(GreaterThan(validSteps, ZerosLike(validSteps)), dt)
	numValid := Max(ReduceAllSum(sampleValid), ScalarOne(g, dt))

	// Cross entropy via a shifted log-sum-exp.
	shift := StopGradient(ReduceMax(logits, 1))
	shifted := Sub(logits, BroadcastToDims(Reshape(shift, b, 1), b, m))
	logSumExp := Add(Log(ReduceSum(Exp(shifted), 1)), shift)
	ce := Sub(logSumExp, ReduceSum(Mul(logits, oneHot), 1))
	cls := Div(ReduceAllSum(Mul(ce, sampleValid)), numValid)

	selected := ReduceSum(Mul(trajectories, BroadcastToDims(Reshape(oneHot, b, m, 1, 1), b, m, t, 2)), 1)
	perStep := ReduceSum(smoothL1(Sub(selected, target)), 2)
	perSample := Div(ReduceSum(Mul(perStep, stepMask), 1), Max(validSteps, OnesLike(validSteps)))
	reg := Div(ReduceAllSum(Mul(perSample, sampleValid)), numValid)

	total := Add(MulScalar(cls, w.Cls), MulScalar(reg, w.Reg))
	return LossTerms{Total: total, Cls: cls, Reg: reg, Assigned: idx}
}
