package main

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/memseg"
)

// A Batch stores the raw sequences and labels for one
// mini-batch; segmentation happens inside the Encoder.
type Batch struct {
	IDs    [][]int
	Labels []int
}

// A Trainer computes batches, costs, and gradients for an
// Encoder on labeled sequences.
type Trainer struct {
	Encoder *memseg.Encoder
	Params  []*anydiff.Var

	// Average indicates whether the cost should be averaged
	// over the batch before computing gradients.
	Average bool

	// After every gradient computation, LastCost is set to
	// the cost from the batch.
	LastCost anyvec.Numeric
}

// Fetch produces a *Batch for the subset of samples.
// The s argument must be a SampleList.
func (t *Trainer) Fetch(s anysgd.SampleList) (anysgd.Batch, error) {
	if s.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	b := &Batch{}
	for _, sample := range s.(SampleList) {
		b.IDs = append(b.IDs, sample.IDs)
		b.Labels = append(b.Labels, sample.Label)
	}
	return b, nil
}

// TotalCost computes the final-segment cost for the *Batch.
func (t *Trainer) TotalCost(batch anysgd.Batch) anydiff.Res {
	b := batch.(*Batch)
	total := t.Encoder.Forward(b.IDs, b.Labels).FinalLoss()
	if t.Average {
		divisor := 1 / float64(len(b.IDs))
		total = anydiff.Scale(total, total.Output().Creator().MakeNumeric(divisor))
	}
	return total
}

// Gradient computes the gradient for the batch's cost.
// It also sets t.LastCost to the numerical value of the
// total cost.
//
// The b argument must be a *Batch.
func (t *Trainer) Gradient(b anysgd.Batch) anydiff.Grad {
	grad, lc := anysgd.CosterGrad(t, b, t.Params)
	t.LastCost = lc
	return grad
}
