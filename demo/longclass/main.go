// Command longclass trains a NetEncoder, wrapped in a
// memseg.Encoder, on a synthetic long-sequence task: the
// class of each sequence is determined by a key token near
// the front, followed by enough filler tokens that the key
// only reaches the classification head through the memory
// vectors.
package main

import (
	"log"
	"math/rand"

	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/memseg"
	"github.com/unixpickle/rip"
)

const (
	NumClasses = 4
	VocabSize  = 32
	Hidden     = 32
	Positions  = 16
	NumMem     = 4
	Depth      = 3

	MinFiller = 20
	MaxFiller = 60

	NumTrain = 2000
	NumTest  = 200
)

const (
	PadToken = iota
	StartToken
	SepToken
	FirstKeyToken
)

var Creator anyvec.Creator

func main() {
	log.Println("Setting up...")

	Creator = anyvec32.CurrentCreator()

	model := memseg.NewNetEncoder(Creator, VocabSize, Hidden, Positions,
		NumClasses, Depth)
	enc, err := memseg.New(model, &memseg.Params{
		NumMem:    NumMem,
		InputSize: Positions,
		BPTTDepth: -1,
		DropEmpty: true,
		Pad:       PadToken,
		Start:     StartToken,
		Sep:       SepToken,
	})
	if err != nil {
		log.Fatal(err)
	}

	t := &Trainer{
		Encoder: enc,
		Params:  enc.Parameters(),
		Average: true,
	}

	var iterNum int
	s := &anysgd.SGD{
		Fetcher:     t,
		Gradienter:  t,
		Transformer: &anysgd.Adam{},
		Samples:     GenSamples(NumTrain),
		Rater:       anysgd.ConstRater(0.001),
		StatusFunc: func(b anysgd.Batch) {
			log.Printf("iter %d: cost=%v", iterNum, t.LastCost)
			iterNum++
		},
		BatchSize: 16,
	}

	log.Println("Press ctrl+c once to stop...")
	s.Run(rip.NewRIP().Chan())

	log.Println("Computing statistics...")
	printStats(enc)
}

func printStats(enc *memseg.Encoder) {
	samples := GenSamples(NumTest)
	var correct int
	for _, sample := range samples {
		logits := enc.Forward([][]int{sample.IDs}, nil).FinalLogits()
		if anyvec.MaxIndex(logits.Output()) == sample.Label {
			correct++
		}
	}
	log.Printf("Validation: %d/%d", correct, len(samples))
}

// A Sample is one labeled token sequence.
type Sample struct {
	IDs   []int
	Label int
}

// A SampleList is an anysgd.SampleList of Samples.
type SampleList []*Sample

// GenSamples generates random labeled sequences.
//
// Each sequence is the key token for its class followed by
// a random run of filler tokens, wrapped in the boundary
// markers a tokenizer would add.
func GenSamples(n int) SampleList {
	res := make(SampleList, n)
	numFillers := VocabSize - FirstKeyToken - NumClasses
	for i := range res {
		label := rand.Intn(NumClasses)
		ids := []int{StartToken, FirstKeyToken + label}
		length := MinFiller + rand.Intn(MaxFiller-MinFiller+1)
		for j := 0; j < length; j++ {
			ids = append(ids, FirstKeyToken+NumClasses+rand.Intn(numFillers))
		}
		ids = append(ids, SepToken)
		res[i] = &Sample{IDs: ids, Label: label}
	}
	return res
}

// Len returns the number of samples.
func (s SampleList) Len() int {
	return len(s)
}

// Swap swaps two samples.
func (s SampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice copies a sub-range of the list.
func (s SampleList) Slice(i, j int) anysgd.SampleList {
	return append(SampleList{}, s[i:j]...)
}
