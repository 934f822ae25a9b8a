package memseg

import "github.com/unixpickle/anyvec"

// A PresentMap indicates which examples in a batch take
// part in a segment step.
// A true value indicates present.
type PresentMap []bool

// NumPresent counts the present examples.
func (p PresentMap) NumPresent() int {
	var n int
	for _, x := range p {
		if x {
			n++
		}
	}
	return n
}

// AllPresent reports whether every example is present.
func (p PresentMap) AllPresent() bool {
	return p.NumPresent() == len(p)
}

// repeatRows broadcasts a single memory row set across a
// batch of n examples.
func repeatRows(v anyvec.Vector, n int) anyvec.Vector {
	rep := v.Creator().MakeVector(v.Len() * n)
	anyvec.AddRepeated(rep, v)
	return rep
}

// reduceRows keeps the rows belonging to present examples.
// Each example owns one row of the given length.
func reduceRows(v anyvec.Vector, p PresentMap, row int) anyvec.Vector {
	var chunks []anyvec.Vector
	for i, pres := range p {
		if pres {
			chunks = append(chunks, v.Slice(i*row, (i+1)*row))
		}
	}
	return v.Creator().Concat(chunks...)
}

// scatterRows produces a new full-batch vector in which
// the present examples' rows are taken from updated (which
// is packed) and the rest are carried over from full.
func scatterRows(full, updated anyvec.Vector, p PresentMap, row int) anyvec.Vector {
	chunks := make([]anyvec.Vector, 0, len(p))
	var j int
	for i, pres := range p {
		if pres {
			chunks = append(chunks, updated.Slice(j*row, (j+1)*row))
			j++
		} else {
			chunks = append(chunks, full.Slice(i*row, (i+1)*row))
		}
	}
	return full.Creator().Concat(chunks...)
}
