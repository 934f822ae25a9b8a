package memseg

import (
	"errors"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

// A testModel is an identity Model: the last hidden state
// is exactly the input embeddings, so the memory read out
// of a step can be predicted from the splice layout.
type testModel struct {
	emb       *anydiff.Var
	hidden    int
	positions int
	vocab     int
	capacity  int

	// logitPos selects which position's row the logits
	// read from.
	logitPos int

	// losses supplies a fixed loss per Apply call.
	losses []float64

	inputs []*StepInput
}

func newTestModel(vocab, hidden, positions int) *testModel {
	capacity := vocab + 16
	data := make([]float32, capacity*hidden)
	for i := range data {
		data[i] = float32(i/hidden) + float32(i%hidden)/10
	}
	return &testModel{
		emb:       anydiff.NewVar(anyvec32.MakeVectorData(data)),
		hidden:    hidden,
		positions: positions,
		vocab:     vocab,
		capacity:  capacity,
		logitPos:  1,
	}
}

func (t *testModel) HiddenSize() int {
	return t.hidden
}

func (t *testModel) MaxPositions() int {
	return t.positions
}

func (t *testModel) EmbedTokens(ids []int) anydiff.Res {
	parts := make([]anydiff.Res, len(ids))
	for i, id := range ids {
		if id < 0 || id >= t.vocab {
			panic("token id out of range")
		}
		parts[i] = anydiff.Slice(t.emb, id*t.hidden, (id+1)*t.hidden)
	}
	return anydiff.Concat(parts...)
}

func (t *testModel) ExtendVocab(extra int) (int, error) {
	if t.vocab+extra > t.capacity {
		return 0, errors.New("out of embedding rows")
	}
	old := t.vocab
	t.vocab += extra
	return old, nil
}

func (t *testModel) Apply(in *StepInput) *StepOutput {
	t.inputs = append(t.inputs, in)
	batch := in.Batch()
	size := len(in.IDs[0])
	out := &StepOutput{Hidden: []anydiff.Res{in.Embeds}}
	out.Logits = anydiff.Pool(in.Embeds, func(h anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, batch)
		for i := range parts {
			off := (i*size + t.logitPos) * t.hidden
			parts[i] = anydiff.Slice(h, off, off+t.hidden)
		}
		return anydiff.Concat(parts...)
	})
	if in.Labels != nil {
		loss := 1.0
		if idx := len(t.inputs) - 1; idx < len(t.losses) {
			loss = t.losses[idx]
		}
		out.Loss = anydiff.NewConst(anyvec32.MakeVectorData([]float32{float32(loss)}))
	}
	return out
}

func testEncoder(t *testing.T, tm *testModel, p *Params) *Encoder {
	enc, err := New(tm, p)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestForwardMemoryChain(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1,
		Pad: 0, Start: 1, Sep: 2,
	})

	// Content [3 4 5 6] with K=3 gives segments [3] and
	// [4 5 6].
	res := enc.Forward([][]int{{1, 3, 4, 5, 6, 2}}, nil)
	if res.NumSteps() != 2 {
		t.Fatalf("expected 2 steps but got %d", res.NumSteps())
	}

	// The first segment starts from the embedding lookup of
	// the reserved memory ids.
	initMem := tm.EmbedTokens([]int{10, 11}).Output()
	if !vecsClose(res.steps[0].pool.Vector, initMem) {
		t.Errorf("expected %v but got %v", initMem.Data(),
			res.steps[0].pool.Vector.Data())
	}

	// The second segment's memory is the first two rows of
	// the first segment's last hidden state.
	rows := res.steps[0].out.LastHidden().Output().Slice(0, 4)
	if !vecsClose(res.steps[1].pool.Vector, rows) {
		t.Errorf("expected %v but got %v", rows.Data(),
			res.steps[1].pool.Vector.Data())
	}
}

func TestForwardEmptySkip(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1, DropEmpty: true,
		Pad: 0, Start: 1, Sep: 2,
	})

	res := enc.Forward([][]int{
		{1, 3, 4, 5, 6, 2},
		{1, 7, 2, 0, 0, 0},
	}, nil)
	if res.NumSteps() != 2 {
		t.Fatalf("expected 2 steps but got %d", res.NumSteps())
	}
	if !reflect.DeepEqual(res.steps[0].present, PresentMap{true, false}) {
		t.Errorf("unexpected present map: %v", res.steps[0].present)
	}
	if tm.inputs[0].Batch() != 1 {
		t.Errorf("step 0 should run 1 example but ran %d", tm.inputs[0].Batch())
	}
	if tm.inputs[1].Batch() != 2 {
		t.Errorf("step 1 should run 2 examples but ran %d", tm.inputs[1].Batch())
	}

	// The skipped example's memory entering step 1 must
	// still be the initial memory.
	initMem := tm.EmbedTokens([]int{10, 11}).Output()
	if !vecsClose(res.steps[1].pool.Vector.Slice(4, 8), initMem) {
		t.Error("skipped example's memory changed")
	}

	// The other example's memory comes from step 0's output.
	rows := res.steps[0].out.LastHidden().Output().Slice(0, 4)
	if !vecsClose(res.steps[1].pool.Vector.Slice(0, 4), rows) {
		t.Error("present example's memory was not updated")
	}
}

func TestProcessAllEmptyStep(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1, DropEmpty: true,
		Pad: 0, Start: 1, Sep: 2,
	})

	ids := [][]int{{1, 3, 4, 2}, {1, 7, 2, 0}}
	seg := enc.Seg.Segment(ids)
	seg.Steps = append([]*SegmentBatch{emptyStep(enc.Seg, seg, len(ids))}, seg.Steps...)

	res := enc.Process(seg, nil)
	if res.NumSteps() != 1 {
		t.Errorf("expected 1 step but got %d", res.NumSteps())
	}
	if len(tm.inputs) != 1 {
		t.Errorf("expected 1 model call but got %d", len(tm.inputs))
	}
}

func TestProcessDegenerate(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1, DropEmpty: true,
		Pad: 0, Start: 1, Sep: 2,
	})

	seg := enc.Seg.Segment([][]int{{1, 2}, {1, 2}})
	res := enc.Process(seg, nil)
	if res.NumSteps() != 0 {
		t.Fatalf("expected 0 steps but got %d", res.NumSteps())
	}
	if len(res.Outputs()) != 0 {
		t.Error("outputs should be empty")
	}
	if !panics(func() { res.SumLoss() }) {
		t.Error("SumLoss should panic with no executed segments")
	}
}

func TestForwardLabelFilter(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1, DropEmpty: true,
		Pad: 0, Start: 1, Sep: 2,
	})

	enc.Forward([][]int{
		{1, 3, 4, 5, 6, 2},
		{1, 7, 2, 0, 0, 0},
	}, []int{9, 8})

	if !reflect.DeepEqual(tm.inputs[0].Labels, []int{9}) {
		t.Errorf("step 0 labels should be [9] but got %v", tm.inputs[0].Labels)
	}
	if !reflect.DeepEqual(tm.inputs[1].Labels, []int{9, 8}) {
		t.Errorf("step 1 labels should be [9 8] but got %v", tm.inputs[1].Labels)
	}

	// Inference without labels must work even when empty
	// segments are dropped.
	tm.inputs = nil
	enc.Forward([][]int{{1, 3, 4, 5, 6, 2}, {1, 7, 2, 0, 0, 0}}, nil)
	for i, in := range tm.inputs {
		if in.Labels != nil {
			t.Errorf("step %d: labels should be nil", i)
		}
	}
}

func TestForwardLabelMismatch(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1,
		Pad: 0, Start: 1, Sep: 2,
	})
	if !panics(func() {
		enc.Forward([][]int{{1, 3, 2}, {1, 4, 2}}, []int{0})
	}) {
		t.Error("mismatched labels should panic")
	}
}

func TestSumLossScenario(t *testing.T) {
	tm := newTestModel(10, 2, 8)
	tm.losses = []float64{1, 2, 3}
	enc := testEncoder(t, tm, &Params{
		NumMem: 2, InputSize: 8, BPTTDepth: -1, SumLoss: true,
		Pad: 0, Start: 1, Sep: 2,
	})

	// Content of length 7 with K=3 gives three segments.
	res := enc.Forward([][]int{{1, 3, 4, 5, 6, 7, 8, 9, 2}}, []int{0})
	if res.NumSteps() != 3 {
		t.Fatalf("expected 3 steps but got %d", res.NumSteps())
	}
	if res.Loss() == nil {
		t.Fatal("aggregated loss should be set")
	}
	sum := res.Loss().Output().Data().([]float32)[0]
	if sum != 6 {
		t.Errorf("expected loss 6 but got %f", sum)
	}
}

func TestBPTTDetach(t *testing.T) {
	embGrad := func(depth int) (anyvec.Vector, *testModel) {
		tm := newTestModel(10, 2, 8)
		tm.logitPos = 2
		enc := testEncoder(t, tm, &Params{
			NumMem: 2, InputSize: 8, BPTTDepth: depth,
			Pad: 0, Start: 1, Sep: 2,
		})
		res := enc.Forward([][]int{{1, 3, 4, 5, 6, 2}}, nil)
		logits := res.FinalLogits()

		g := anydiff.NewGrad(tm.emb)
		up := logits.Output().Creator().MakeVector(logits.Output().Len())
		up.AddScalar(up.Creator().MakeNumeric(1))
		logits.Propagate(up, g)
		return g[tm.emb], tm
	}

	// Unlimited depth: the gradient reaches the memory
	// token embedding through both segments.
	grad, tm := embGrad(-1)
	row := grad.Slice(10*tm.hidden, 11*tm.hidden)
	if anyvec.AbsMax(row).(float32) == 0 {
		t.Error("memory embedding gradient should be non-zero")
	}

	// Depth 1 detaches the first segment's input memory, so
	// nothing reaches the embedding table.
	grad, _ = embGrad(1)
	if anyvec.AbsMax(grad).(float32) != 0 {
		t.Error("gradient should be cut off at the detach boundary")
	}
}

func TestForwardGradients(t *testing.T) {
	model := NewNetEncoder(anyvec32.CurrentCreator(), 20, 4, 10, 3, 2)
	enc, err := New(model, &Params{
		NumMem: 2, InputSize: 10, BPTTDepth: -1, DropEmpty: true,
		Pad: 0, Start: 1, Sep: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := [][]int{
		{1, 3, 4, 5, 6, 7, 8, 9, 2},
		{1, 10, 11, 12, 2, 0, 0, 0, 0},
	}
	labels := []int{0, 2}

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return enc.Forward(ids, labels).SumLoss()
		},
		V: enc.Parameters(),
	}
	ch.FullCheck(t)
}

func TestFinalLogitsGradients(t *testing.T) {
	model := NewNetEncoder(anyvec32.CurrentCreator(), 20, 4, 10, 3, 1)
	enc, err := New(model, &Params{
		NumMem: 1, InputSize: 10, BPTTDepth: -1,
		Pad: 0, Start: 1, Sep: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := [][]int{{1, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 2}}

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return enc.Forward(ids, nil).FinalLogits()
		},
		V: enc.Parameters(),
	}
	ch.FullCheck(t)
}

func TestNewErrors(t *testing.T) {
	if _, err := New(newTestModel(10, 2, 8), &Params{
		NumMem: 0, InputSize: 8, Pad: 0, Start: 1, Sep: 2,
	}); err == nil {
		t.Error("expected error for zero memory slots")
	}
	if _, err := New(newTestModel(10, 2, 8), &Params{
		NumMem: 2, InputSize: 9, Pad: 0, Start: 1, Sep: 2,
	}); err == nil {
		t.Error("expected error for oversized input")
	}
	if _, err := New(newTestModel(10, 2, 8), &Params{
		NumMem: 5, InputSize: 8, Pad: 0, Start: 1, Sep: 2,
	}); err == nil {
		t.Error("expected error for no content room")
	}
	if _, err := New(newTestModel(10, 2, 32), &Params{
		NumMem: 20, InputSize: 24, Pad: 0, Start: 1, Sep: 2,
	}); err == nil {
		t.Error("expected error for vocab capacity")
	}
}

func emptyStep(s *Segmenter, seg *Segmentation, batch int) *SegmentBatch {
	res := &SegmentBatch{}
	for i := 0; i < batch; i++ {
		res.IDs = append(res.IDs, seg.Empty)
		res.Mask = append(res.Mask, s.maskFor(seg.Empty))
		res.TypeIDs = append(res.TypeIDs, make([]int, s.InputSize))
	}
	return res
}

func panics(f func()) (res bool) {
	defer func() {
		if recover() != nil {
			res = true
		}
	}()
	f()
	return
}

func vecsClose(a, b anyvec.Vector) bool {
	if a.Len() != b.Len() {
		return false
	}
	diff := a.Copy()
	diff.Sub(b)
	return anyvec.AbsMax(diff).(float32) < 1e-4
}
