package memseg

import (
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var n NetEncoder
	serializer.RegisterTypedDeserializer(n.SerializerType(), DeserializeNetEncoder)
}

// A NetEncoder is a small, self-contained Model built from
// anynet layers.
//
// It is not a transformer; it stands in for the pretrained
// encoder in tests and demos.
// Each layer transforms every position independently and
// then mixes a mask-weighted mean of the segment back into
// all positions, so content can reach the memory slots.
type NetEncoder struct {
	Hidden     int
	Positions  int
	NumClasses int

	// Embeddings is the token embedding table, one row of
	// Hidden values per id.
	Embeddings *anydiff.Var

	// TypeEmbeddings has one row per type id.
	TypeEmbeddings *anydiff.Var

	// Layers are the per-position transforms.
	Layers []anynet.Layer

	// Head maps the first position's final hidden row to
	// class logits.
	Head anynet.Layer

	// Cost turns logits and labels into the step loss.
	// It is not serialized; deserialization restores
	// anynet.DotCost{}.
	Cost anynet.Cost

	// VocabLimit, if non-zero, bounds ExtendVocab.
	VocabLimit int
}

// NewNetEncoder creates a randomized NetEncoder.
func NewNetEncoder(c anyvec.Creator, vocab, hidden, positions, classes,
	depth int) *NetEncoder {
	emb := anydiff.NewVar(c.MakeVector(vocab * hidden))
	anyvec.Rand(emb.Vector, anyvec.Normal, nil)
	emb.Vector.Scale(c.MakeNumeric(1 / math.Sqrt(float64(hidden))))

	typ := anydiff.NewVar(c.MakeVector(2 * hidden))

	layers := make([]anynet.Layer, depth)
	for i := range layers {
		layers[i] = anynet.Net{anynet.NewFC(c, hidden, hidden), anynet.Tanh}
	}

	return &NetEncoder{
		Hidden:         hidden,
		Positions:      positions,
		NumClasses:     classes,
		Embeddings:     emb,
		TypeEmbeddings: typ,
		Layers:         layers,
		Head:           anynet.Net{anynet.NewFC(c, hidden, classes), anynet.LogSoftmax},
		Cost:           anynet.DotCost{},
	}
}

// DeserializeNetEncoder deserializes a NetEncoder.
func DeserializeNetEncoder(d []byte) (*NetEncoder, error) {
	var emb, typ *anyvecsave.S
	var layers anynet.Net
	var head anynet.Layer
	var res NetEncoder
	err := serializer.DeserializeAny(d, &emb, &typ, &layers, &head, &res.Hidden,
		&res.Positions, &res.NumClasses, &res.VocabLimit)
	if err != nil {
		return nil, essentials.AddCtx("deserialize NetEncoder", err)
	}
	if res.Hidden <= 0 || emb.Vector.Len()%res.Hidden != 0 {
		return nil, errors.New("deserialize NetEncoder: invalid embedding size")
	}
	res.Embeddings = anydiff.NewVar(emb.Vector)
	res.TypeEmbeddings = anydiff.NewVar(typ.Vector)
	res.Layers = layers
	res.Head = head
	res.Cost = anynet.DotCost{}
	return &res, nil
}

// VocabSize returns the current vocabulary size.
func (n *NetEncoder) VocabSize() int {
	return n.Embeddings.Vector.Len() / n.Hidden
}

// HiddenSize returns the hidden row width.
func (n *NetEncoder) HiddenSize() int {
	return n.Hidden
}

// MaxPositions returns the longest supported segment.
func (n *NetEncoder) MaxPositions() int {
	return n.Positions
}

// EmbedTokens looks up embedding rows by token id.
func (n *NetEncoder) EmbedTokens(ids []int) anydiff.Res {
	parts := make([]anydiff.Res, len(ids))
	for i, id := range ids {
		if id < 0 || id >= n.VocabSize() {
			panic(fmt.Sprintf("token id out of range: %d", id))
		}
		parts[i] = anydiff.Slice(n.Embeddings, id*n.Hidden, (id+1)*n.Hidden)
	}
	return anydiff.Concat(parts...)
}

// ExtendVocab appends extra randomized embedding rows and
// returns the first new token id.
//
// The embedding variable is replaced, so callers should
// re-query Parameters afterward.
func (n *NetEncoder) ExtendVocab(extra int) (int, error) {
	if extra < 0 {
		return 0, errors.New("extend vocab: negative row count")
	}
	old := n.VocabSize()
	if n.VocabLimit != 0 && old+extra > n.VocabLimit {
		return 0, fmt.Errorf("extend vocab: %d rows exceeds limit of %d",
			old+extra, n.VocabLimit)
	}
	c := n.Embeddings.Vector.Creator()
	rows := c.MakeVector(extra * n.Hidden)
	anyvec.Rand(rows, anyvec.Normal, nil)
	rows.Scale(c.MakeNumeric(1 / math.Sqrt(float64(n.Hidden))))
	n.Embeddings = anydiff.NewVar(c.Concat(n.Embeddings.Vector, rows))
	return old, nil
}

// Apply runs a forward pass over one segment batch.
func (n *NetEncoder) Apply(in *StepInput) *StepOutput {
	batch := in.Batch()
	if batch == 0 {
		panic("empty step batch")
	}
	size := len(in.IDs[0])
	if in.Embeds.Output().Len() != batch*size*n.Hidden {
		panic(fmt.Sprintf("embeddings length should be %d, but got %d",
			batch*size*n.Hidden, in.Embeds.Output().Len()))
	}

	h := in.Embeds
	if in.TypeIDs != nil {
		h = anydiff.Add(h, n.typeRows(in.TypeIDs))
	}
	out := &StepOutput{Hidden: []anydiff.Res{h}}
	for _, layer := range n.Layers {
		h = layer.Apply(h, batch*size)
		h = n.mix(h, in.Mask)
		out.Hidden = append(out.Hidden, h)
	}

	out.Logits = anydiff.Pool(h, func(h anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, batch)
		for i := range parts {
			off := i * size * n.Hidden
			parts[i] = anydiff.Slice(h, off, off+n.Hidden)
		}
		return n.Head.Apply(anydiff.Concat(parts...), batch)
	})
	if in.Labels != nil {
		out.Loss = anydiff.Sum(n.Cost.Cost(n.oneHot(in.Labels), out.Logits, batch))
	}
	return out
}

// Parameters returns the encoder's learnable variables.
func (n *NetEncoder) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{n.Embeddings, n.TypeEmbeddings}
	for _, layer := range n.Layers {
		if p, ok := layer.(anynet.Parameterizer); ok {
			res = append(res, p.Parameters()...)
		}
	}
	if p, ok := n.Head.(anynet.Parameterizer); ok {
		res = append(res, p.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a NetEncoder with the serializer package.
func (n *NetEncoder) SerializerType() string {
	return "github.com/unixpickle/memseg.NetEncoder"
}

// Serialize serializes the NetEncoder.
func (n *NetEncoder) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: n.Embeddings.Vector},
		&anyvecsave.S{Vector: n.TypeEmbeddings.Vector},
		anynet.Net(n.Layers),
		n.Head,
		n.Hidden,
		n.Positions,
		n.NumClasses,
		n.VocabLimit,
	)
}

func (n *NetEncoder) typeRows(typeIDs [][]int) anydiff.Res {
	numTypes := n.TypeEmbeddings.Vector.Len() / n.Hidden
	var parts []anydiff.Res
	for _, seq := range typeIDs {
		for _, t := range seq {
			if t < 0 || t >= numTypes {
				panic(fmt.Sprintf("type id out of range: %d", t))
			}
			parts = append(parts, anydiff.Slice(n.TypeEmbeddings, t*n.Hidden,
				(t+1)*n.Hidden))
		}
	}
	return anydiff.Concat(parts...)
}

// mix adds each example's mask-weighted mean row to all of
// its positions.
func (n *NetEncoder) mix(h anydiff.Res, mask [][]int) anydiff.Res {
	c := h.Output().Creator()
	size := len(mask[0])
	return anydiff.Pool(h, func(h anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, len(mask))
		for i, m := range mask {
			weights := make([]float64, size)
			var total float64
			for _, x := range m {
				total += float64(x)
			}
			if total == 0 {
				total = 1
			}
			for j, x := range m {
				weights[j] = float64(x) / total
			}
			wVec := c.MakeVectorData(c.MakeNumericList(weights))
			hE := anydiff.Slice(h, i*size*n.Hidden, (i+1)*size*n.Hidden)
			mean := anydiff.MatMul(false, false,
				&anydiff.Matrix{Data: anydiff.NewConst(wVec), Rows: 1, Cols: size},
				&anydiff.Matrix{Data: hE, Rows: size, Cols: n.Hidden})
			parts[i] = anydiff.AddRepeated(hE, mean.Data)
		}
		return anydiff.Concat(parts...)
	})
}

func (n *NetEncoder) oneHot(labels []int) anydiff.Res {
	c := n.Embeddings.Vector.Creator()
	data := make([]float64, len(labels)*n.NumClasses)
	for i, label := range labels {
		if label < 0 || label >= n.NumClasses {
			panic(fmt.Sprintf("label out of range: %d", label))
		}
		data[i*n.NumClasses+label] = 1
	}
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
}
