package memseg

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A segStep records one executed segment step.
//
// The memory entering the step is held in a pool variable,
// so each step's graph is self-contained; gradients cross
// segment boundaries only through the reverse walk in
// chainRes.Propagate.
type segStep struct {
	out      *StepOutput
	pool     *anydiff.Var
	next     anydiff.Res
	present  PresentMap
	detached bool
}

// A Result holds the per-segment model outputs of one
// forward call, in segment order.
// Steps that were skipped entirely contribute no entry.
type Result struct {
	steps []*segStep
	start anydiff.Res
	batch int
	row   int
	agg   anydiff.Res
}

// Outputs returns the executed steps' model outputs.
//
// The Res fields of the outputs hang off per-step pool
// variables; to back-propagate through the memory chain,
// use SumLoss, FinalLoss or FinalLogits.
func (r *Result) Outputs() []*StepOutput {
	outs := make([]*StepOutput, len(r.steps))
	for i, s := range r.steps {
		outs[i] = s.out
	}
	return outs
}

// NumSteps returns the number of executed steps.
func (r *Result) NumSteps() int {
	return len(r.steps)
}

// Loss returns the aggregated loss when the Encoder was
// created with SumLoss set, or nil otherwise.
func (r *Result) Loss() anydiff.Res {
	return r.agg
}

// SumLoss sums the per-step losses into one scalar.
func (r *Result) SumLoss() anydiff.Res {
	if len(r.steps) == 0 {
		panic("sum loss: no executed segments")
	}
	targets := make([]anydiff.Res, len(r.steps))
	var total anyvec.Vector
	for i, s := range r.steps {
		if s.out.Loss == nil {
			panic("sum loss: step has no loss")
		}
		if s.out.Loss.Output().Len() != 1 {
			panic("sum loss: step loss is not a scalar")
		}
		targets[i] = s.out.Loss
		if total == nil {
			total = s.out.Loss.Output().Copy()
		} else {
			total.Add(s.out.Loss.Output())
		}
	}
	return r.chain(targets, total)
}

// FinalLoss returns the last executed step's loss.
func (r *Result) FinalLoss() anydiff.Res {
	if len(r.steps) == 0 {
		panic("final loss: no executed segments")
	}
	last := r.steps[len(r.steps)-1]
	if last.out.Loss == nil {
		panic("final loss: step has no loss")
	}
	return r.final(last.out.Loss)
}

// FinalLogits returns the last executed step's logits,
// the natural classification target since memory flows
// left to right into later segments.
func (r *Result) FinalLogits() anydiff.Res {
	if len(r.steps) == 0 {
		panic("final logits: no executed segments")
	}
	last := r.steps[len(r.steps)-1]
	if last.out.Logits == nil {
		panic("final logits: step has no logits")
	}
	return r.final(last.out.Logits)
}

func (r *Result) final(target anydiff.Res) anydiff.Res {
	targets := make([]anydiff.Res, len(r.steps))
	targets[len(targets)-1] = target
	return r.chain(targets, target.Output().Copy())
}

// chain wraps a set of per-step targets into a Res whose
// Propagate walks the steps in reverse, carrying the
// memory gradient across segment boundaries.
func (r *Result) chain(targets []anydiff.Res, out anyvec.Vector) anydiff.Res {
	vars := anydiff.VarSet{}
	carry := false
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if targets[i] == nil && !carry {
			continue
		}
		if targets[i] != nil {
			vars = anydiff.MergeVarSets(vars, targets[i].Vars())
		}
		if carry {
			vars = anydiff.MergeVarSets(vars, s.next.Vars())
		}
		vars.Del(s.pool)
		carry = !s.detached
	}
	if carry {
		vars = anydiff.MergeVarSets(vars, r.start.Vars())
	}
	return &chainRes{res: r, targets: targets, out: out, v: vars}
}

type chainRes struct {
	res     *Result
	targets []anydiff.Res
	out     anyvec.Vector
	v       anydiff.VarSet
}

func (c *chainRes) Output() anyvec.Vector {
	return c.out
}

func (c *chainRes) Vars() anydiff.VarSet {
	return c.v
}

func (c *chainRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	r := c.res
	creator := u.Creator()

	// upMem is the gradient with respect to the full-batch
	// memory state after the step being visited.
	var upMem anyvec.Vector

	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if c.targets[i] == nil && upMem == nil {
			continue
		}

		g[s.pool] = creator.MakeVector(s.pool.Vector.Len())
		if c.targets[i] != nil {
			c.targets[i].Propagate(u.Copy(), g)
		}
		if upMem != nil {
			s.next.Propagate(reduceRows(upMem, s.present, r.row), g)
		}
		poolGrad := g[s.pool]
		delete(g, s.pool)

		if s.detached {
			upMem = nil
			continue
		}

		// Rows this step did not update pass their gradient
		// through to the previous step.
		base := upMem
		if base == nil {
			base = creator.MakeVector(r.batch * r.row)
		}
		upMem = scatterRows(base, poolGrad, s.present, r.row)
	}

	if upMem != nil && g.Intersects(r.start.Vars()) {
		startGrad := creator.MakeVector(r.row)
		for i := 0; i < r.batch; i++ {
			startGrad.Add(upMem.Slice(i*r.row, (i+1)*r.row))
		}
		r.start.Propagate(startGrad, g)
	}
}
