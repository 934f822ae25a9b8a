package memseg

import (
	"github.com/unixpickle/anydiff"
)

// A Model is the wrapped encoder.
//
// The wrapper only relies on the capabilities listed here;
// everything else about the model (architecture, training
// state, persistence) is its own business.
type Model interface {
	// HiddenSize returns the width of a hidden-state row.
	HiddenSize() int

	// MaxPositions returns the longest segment the model
	// can attend over.
	MaxPositions() int

	// EmbedTokens looks up the embedding rows for the given
	// ids and returns them concatenated in order.
	EmbedTokens(ids []int) anydiff.Res

	// ExtendVocab appends extra embedding rows to the
	// vocabulary and returns the first new token id.
	ExtendVocab(extra int) (int, error)

	// Apply runs a forward pass over one segment batch,
	// using in.Embeds in place of token-id lookup.
	Apply(in *StepInput) *StepOutput
}

// A StepInput bundles everything the model needs for one
// segment step.
//
// All fields are batch-aligned; when empty segments are
// dropped from a step, every field is filtered by the same
// present map, so they cannot silently fall out of sync.
type StepInput struct {
	IDs     [][]int
	Mask    [][]int
	TypeIDs [][]int

	// Labels is nil for unlabeled calls.
	Labels []int

	// Embeds holds the input embeddings, one example after
	// another, with the memory vectors already spliced into
	// the reserved positions.
	Embeds anydiff.Res
}

// Batch returns the number of examples in the step.
func (s *StepInput) Batch() int {
	return len(s.IDs)
}

// reduce filters every field down to the present examples.
func (s *StepInput) reduce(p PresentMap) *StepInput {
	res := &StepInput{}
	for i, pres := range p {
		if !pres {
			continue
		}
		res.IDs = append(res.IDs, s.IDs[i])
		res.Mask = append(res.Mask, s.Mask[i])
		res.TypeIDs = append(res.TypeIDs, s.TypeIDs[i])
		if s.Labels != nil {
			res.Labels = append(res.Labels, s.Labels[i])
		}
	}
	return res
}

// A StepOutput is the model's output for one segment.
type StepOutput struct {
	// Hidden contains one batch-packed hidden state per
	// layer, starting with the embedding layer's output.
	// The memory vectors for the next segment are read from
	// the last entry.
	Hidden []anydiff.Res

	// Logits are the per-example classification outputs.
	Logits anydiff.Res

	// Loss is a scalar, or nil when no labels were given.
	Loss anydiff.Res
}

// LastHidden returns the final layer's hidden state.
func (s *StepOutput) LastHidden() anydiff.Res {
	if len(s.Hidden) == 0 {
		panic("no hidden states")
	}
	return s.Hidden[len(s.Hidden)-1]
}
