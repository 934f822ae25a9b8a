// Package memseg wraps a sequence-classification encoder
// with a recurrent external memory, allowing it to process
// token sequences longer than the encoder's positional
// capacity.
//
// An input sequence is split into fixed-size segments,
// each of which reserves a handful of positions for
// learned memory vectors.
// The segments are fed to the wrapped encoder one at a
// time; after each segment, the memory vectors are read
// back out of the encoder's final hidden state and carried
// into the next segment.
// This way, information from early parts of a long
// sequence can influence the classification of the end.
package memseg
