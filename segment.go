package memseg

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var s Segmenter
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSegmenter)
}

// A Segmenter splits batches of token-id sequences into
// fixed-size segments with reserved memory slots.
//
// Every segment has the form
//
//	[Start, mem ids..., Sep, content..., Sep, Pad...]
//
// and is exactly InputSize tokens long.
// The memory slots use "virtual" token ids above the
// wrapped model's original vocabulary.
type Segmenter struct {
	// NumMem is the number of reserved memory slots.
	NumMem int

	// FirstMem is the first reserved memory token id.
	// The slots use ids FirstMem through FirstMem+NumMem-1.
	FirstMem int

	// InputSize is the total length of every segment.
	InputSize int

	// ContentCap, if non-zero, caps the number of content
	// tokens per segment below the structural maximum.
	ContentCap int

	// Special token ids.
	Pad   int
	Start int
	Sep   int
}

// DeserializeSegmenter deserializes a Segmenter.
func DeserializeSegmenter(d []byte) (*Segmenter, error) {
	var res Segmenter
	err := serializer.DeserializeAny(d, &res.NumMem, &res.FirstMem, &res.InputSize,
		&res.ContentCap, &res.Pad, &res.Start, &res.Sep)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Segmenter", err)
	}
	return &res, nil
}

// ContentSize returns the number of content tokens that
// fit in one segment.
func (s *Segmenter) ContentSize() int {
	size := s.InputSize - s.NumMem - 3
	if s.ContentCap > 0 && s.ContentCap < size {
		size = s.ContentCap
	}
	return size
}

// MemTokens returns the reserved memory token ids.
func (s *Segmenter) MemTokens() []int {
	res := make([]int, s.NumMem)
	for i := range res {
		res[i] = s.FirstMem + i
	}
	return res
}

// Segment splits a batch of sequences into segment steps.
//
// Each sequence is stripped of padding and of its leading
// and trailing boundary markers, then chunked back to
// front, so that only the first segment may hold fewer
// than ContentSize() content tokens.
// Shorter sequences are left-padded with copies of the
// empty segment so that every example has the same number
// of steps.
func (s *Segmenter) Segment(batch [][]int) *Segmentation {
	k := s.ContentSize()
	if k < 1 {
		panic(fmt.Sprintf("input size %d leaves no room for content", s.InputSize))
	}

	contents := make([][]int, len(batch))
	numSegs := 1
	for i, seq := range batch {
		contents[i] = s.strip(seq)
		if n := (len(contents[i]) + k - 1) / k; n > numSegs {
			numSegs = n
		}
	}

	res := &Segmentation{Empty: s.wrap(nil)}
	perExample := make([][][]int, len(batch))
	for i, content := range contents {
		var segs [][]int
		chunks := s.chunk(content, k)
		for len(segs)+len(chunks) < numSegs {
			segs = append(segs, res.Empty)
		}
		for _, chunk := range chunks {
			segs = append(segs, s.wrap(chunk))
		}
		perExample[i] = segs
	}

	for step := 0; step < numSegs; step++ {
		sb := &SegmentBatch{}
		for i := range batch {
			ids := perExample[i][step]
			sb.IDs = append(sb.IDs, ids)
			sb.Mask = append(sb.Mask, s.maskFor(ids))
			sb.TypeIDs = append(sb.TypeIDs, make([]int, s.InputSize))
		}
		res.Steps = append(res.Steps, sb)
	}

	return res
}

// SerializerType returns the unique ID used to serialize
// a Segmenter with the serializer package.
func (s *Segmenter) SerializerType() string {
	return "github.com/unixpickle/memseg.Segmenter"
}

// Serialize serializes the Segmenter.
func (s *Segmenter) Serialize() ([]byte, error) {
	return serializer.SerializeAny(s.NumMem, s.FirstMem, s.InputSize,
		s.ContentCap, s.Pad, s.Start, s.Sep)
}

// strip removes all padding, then the leading and trailing
// boundary markers.
func (s *Segmenter) strip(seq []int) []int {
	var content []int
	for _, tok := range seq {
		if tok != s.Pad {
			content = append(content, tok)
		}
	}
	if len(content) <= 2 {
		return nil
	}
	return content[1 : len(content)-1]
}

// chunk partitions content back to front in steps of k, so
// that any remainder ends up in the first chunk.
func (s *Segmenter) chunk(content []int, k int) [][]int {
	if len(content) == 0 {
		return [][]int{nil}
	}
	var bounds []int
	for end := len(content); end > 0; end -= k {
		bounds = append(bounds, end)
	}
	var chunks [][]int
	start := 0
	for i := len(bounds) - 1; i >= 0; i-- {
		chunks = append(chunks, content[start:bounds[i]])
		start = bounds[i]
	}
	return chunks
}

// wrap turns a content chunk into a full segment.
func (s *Segmenter) wrap(chunk []int) []int {
	if len(chunk) > s.ContentSize() {
		panic(fmt.Sprintf("chunk length %d exceeds content size %d", len(chunk),
			s.ContentSize()))
	}
	seg := make([]int, 0, s.InputSize)
	seg = append(seg, s.Start)
	seg = append(seg, s.MemTokens()...)
	seg = append(seg, s.Sep)
	seg = append(seg, chunk...)
	seg = append(seg, s.Sep)
	for len(seg) < s.InputSize {
		seg = append(seg, s.Pad)
	}
	return seg
}

func (s *Segmenter) maskFor(ids []int) []int {
	mask := make([]int, len(ids))
	for i, tok := range ids {
		if tok != s.Pad {
			mask[i] = 1
		}
	}
	return mask
}

// A SegmentBatch holds one segment step for every example
// in a batch, along with the aligned attention mask and
// type ids.
type SegmentBatch struct {
	IDs     [][]int
	Mask    [][]int
	TypeIDs [][]int
}

// A Segmentation is the result of segmenting a batch.
type Segmentation struct {
	// Steps contains one SegmentBatch per segment index.
	Steps []*SegmentBatch

	// Empty is the canonical segment with no content.
	// Examples shorter than the longest example in the
	// batch are front-filled with copies of it.
	Empty []int
}

// PresentAt reports which examples have a non-empty
// segment at the given step.
func (s *Segmentation) PresentAt(step int) PresentMap {
	sb := s.Steps[step]
	res := make(PresentMap, len(sb.IDs))
	for i, ids := range sb.IDs {
		res[i] = !equalIDs(ids, s.Empty)
	}
	return res
}

func equalIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if x != b[i] {
			return false
		}
	}
	return true
}
