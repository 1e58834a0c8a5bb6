package qmux

import "sort"

// seqLess reports whether a precedes b under 32-bit modular sequence
// arithmetic (the same signed-difference comparison TCP uses for its
// sequence numbers), so that wraparound does not break ordering.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// reorderBuffer holds inbound data frames whose Seq is ahead of the
// stream's rxNextSeq, so they can be drained in order once the gap
// closes. Depth is expected to stay tiny in practice (the carrier
// delivers in order; the only source of reordering is duplicate or
// stale frames), so a sorted slice outperforms a heap here.
type reorderBuffer struct {
	frames []Frame
}

// add inserts f in seq order, dropping it if a frame with the same seq
// is already buffered (duplicate).
func (b *reorderBuffer) add(f Frame) {
	i := sort.Search(len(b.frames), func(i int) bool {
		return !seqLess(b.frames[i].Seq, f.Seq)
	})
	if i < len(b.frames) && b.frames[i].Seq == f.Seq {
		return // duplicate
	}
	b.frames = append(b.frames, Frame{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = f
}

// drainContiguous removes and returns every buffered frame whose Seq
// continues the run starting at nextSeq, advancing nextSeq past each
// one it returns.
func (b *reorderBuffer) drainContiguous(nextSeq uint32) (drained []Frame, newNextSeq uint32) {
	newNextSeq = nextSeq
	i := 0
	for i < len(b.frames) && b.frames[i].Seq == newNextSeq {
		drained = append(drained, b.frames[i])
		newNextSeq++
		i++
	}
	b.frames = b.frames[i:]
	return drained, newNextSeq
}

func (b *reorderBuffer) len() int { return len(b.frames) }
