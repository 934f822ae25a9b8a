package memseg

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/essentials"
)

// Params configures New.
type Params struct {
	// NumMem is the number of memory slots per segment.
	// It must be at least 1.
	NumMem int

	// InputSize is the total segment length.
	// If it is 0, the model's MaxPositions is used.
	InputSize int

	// ContentCap, if non-zero, caps the number of content
	// tokens per segment below the structural maximum.
	ContentCap int

	// BPTTDepth bounds how many of the most recent segments
	// gradients may flow back through.
	// A value of -1 means unlimited.
	BPTTDepth int

	// DropEmpty excludes all-padding segments from model
	// calls, leaving their examples' memory untouched.
	DropEmpty bool

	// SumLoss makes Forward aggregate the per-segment
	// losses into one scalar on the Result.
	SumLoss bool

	// Special token ids.
	Pad   int
	Start int
	Sep   int
}

// An Encoder threads memory vectors through the segments
// of long input sequences.
//
// An Encoder may be used from multiple goroutines at once,
// provided the underlying Model supports it; each call
// owns its own memory state.
type Encoder struct {
	Model Model
	Seg   *Segmenter

	DropEmpty bool
	SumLoss   bool
	BPTTDepth int
}

// New creates an Encoder around a model, extending the
// model's vocabulary with the reserved memory token ids.
func New(m Model, p *Params) (*Encoder, error) {
	inSize := p.InputSize
	if inSize == 0 {
		inSize = m.MaxPositions()
	}
	if inSize > m.MaxPositions() {
		return nil, fmt.Errorf("new encoder: input size %d exceeds %d positions",
			inSize, m.MaxPositions())
	}
	if p.NumMem < 1 {
		return nil, fmt.Errorf("new encoder: invalid memory slot count: %d", p.NumMem)
	}
	if inSize-p.NumMem-3 < 1 {
		return nil, fmt.Errorf("new encoder: input size %d leaves no room for "+
			"content after %d memory slots", inSize, p.NumMem)
	}
	first, err := m.ExtendVocab(p.NumMem)
	if err != nil {
		return nil, essentials.AddCtx("new encoder", err)
	}
	return &Encoder{
		Model: m,
		Seg: &Segmenter{
			NumMem:     p.NumMem,
			FirstMem:   first,
			InputSize:  inSize,
			ContentCap: p.ContentCap,
			Pad:        p.Pad,
			Start:      p.Start,
			Sep:        p.Sep,
		},
		DropEmpty: p.DropEmpty,
		SumLoss:   p.SumLoss,
		BPTTDepth: p.BPTTDepth,
	}, nil
}

// Parameters returns the wrapped model's parameters, if it
// exposes any.
func (e *Encoder) Parameters() []*anydiff.Var {
	if p, ok := e.Model.(anynet.Parameterizer); ok {
		return p.Parameters()
	}
	return nil
}

// Forward segments a batch of token-id sequences and runs
// the model over the segments in order.
//
// If labels is non-nil, it must have one entry per
// example; the labels are forwarded to the model so it can
// produce per-segment losses.
func (e *Encoder) Forward(ids [][]int, labels []int) *Result {
	return e.Process(e.Seg.Segment(ids), labels)
}

// Process runs the segment loop over a pre-computed
// segmentation.
//
// Segment i+1 cannot start before segment i finishes,
// since it consumes segment i's output memory; only the
// batch dimension is processed in parallel, inside the
// model.
func (e *Encoder) Process(seg *Segmentation, labels []int) *Result {
	if len(seg.Steps) == 0 {
		panic("empty segmentation")
	}
	batch := len(seg.Steps[0].IDs)
	if batch == 0 {
		panic("empty batch")
	}
	if labels != nil && len(labels) != batch {
		panic(fmt.Sprintf("have %d labels but %d examples", len(labels), batch))
	}

	hidden := e.Model.HiddenSize()
	row := e.Seg.NumMem * hidden

	start := e.Model.EmbedTokens(e.Seg.MemTokens())
	memVec := repeatRows(start.Output(), batch)

	res := &Result{start: start, batch: batch, row: row}
	numSegs := len(seg.Steps)
	for segNum, sb := range seg.Steps {
		detached := e.BPTTDepth >= 0 && numSegs-segNum > e.BPTTDepth

		present := make(PresentMap, batch)
		for i := range present {
			present[i] = true
		}
		in := &StepInput{IDs: sb.IDs, Mask: sb.Mask, TypeIDs: sb.TypeIDs, Labels: labels}
		if e.DropEmpty {
			present = seg.PresentAt(segNum)
			if present.NumPresent() == 0 {
				continue
			}
			if !present.AllPresent() {
				in = in.reduce(present)
			}
		}

		memIn := memVec
		if !present.AllPresent() {
			memIn = reduceRows(memVec, present, row)
		}
		pool := anydiff.NewVar(memIn)
		in.Embeds = e.splice(in.IDs, pool)

		out := e.Model.Apply(in)
		next := memoryRows(out.LastHidden(), present.NumPresent(), e.Seg.InputSize,
			e.Seg.NumMem, hidden)
		memVec = scatterRows(memVec, next.Output(), present, row)

		res.steps = append(res.steps, &segStep{
			out:      out,
			pool:     pool,
			next:     next,
			present:  present,
			detached: detached,
		})
	}

	if e.SumLoss && labels != nil && len(res.steps) > 0 {
		res.agg = res.SumLoss()
	}
	return res
}

// splice looks up the token embeddings for the segments
// and replaces the memory positions, which sit right after
// the start marker, with the pooled memory vectors.
func (e *Encoder) splice(ids [][]int, mem *anydiff.Var) anydiff.Res {
	h := e.Model.HiddenSize()
	m := e.Seg.NumMem
	size := e.Seg.InputSize

	flat := make([]int, 0, len(ids)*size)
	for _, seq := range ids {
		if len(seq) != size {
			panic(fmt.Sprintf("segment length should be %d, but got %d", size, len(seq)))
		}
		flat = append(flat, seq...)
	}
	emb := e.Model.EmbedTokens(flat)

	return anydiff.Pool(emb, func(emb anydiff.Res) anydiff.Res {
		var parts []anydiff.Res
		for i := range ids {
			off := i * size * h
			parts = append(parts,
				anydiff.Slice(emb, off, off+h),
				anydiff.Slice(mem, i*m*h, (i+1)*m*h),
				anydiff.Slice(emb, off+(1+m)*h, off+size*h))
		}
		return anydiff.Concat(parts...)
	})
}

// memoryRows extracts the first numMem hidden rows of each
// example from a batch-packed hidden state.
func memoryRows(hidden anydiff.Res, batch, size, numMem, hiddenSize int) anydiff.Res {
	return anydiff.Pool(hidden, func(hidden anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, batch)
		for i := range parts {
			off := i * size * hiddenSize
			parts[i] = anydiff.Slice(hidden, off, off+numMem*hiddenSize)
		}
		return anydiff.Concat(parts...)
	})
}
