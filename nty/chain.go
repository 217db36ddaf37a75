package nty

import "iter"

// Segment describes one stored record of a container.
type Segment struct {
	Index       int
	Offset      uint64
	StoredSize  uint32
	Size        uint32
	Compression CompressionTag
	Flags       uint16
	Digest      Digest
}

// End is the first byte past the segment's stored bytes.
func (s Segment) End() uint64 {
	return s.Offset + uint64(s.StoredSize)
}

// SegmentChain is the ordered, append-only list of a container's
// segments. Only the Reader that produced it appends to or releases it.
// Traversal runs head to tail and can be restarted at any time while the
// Reader is open.
type SegmentChain struct {
	segments []Segment
}

func (c *SegmentChain) append(s Segment) {
	s.Index = len(c.segments)
	c.segments = append(c.segments, s)
}

func (c *SegmentChain) release() {
	c.segments = nil
}

// Len is the number of segments in the chain.
func (c *SegmentChain) Len() int {
	return len(c.segments)
}

// Head returns the first segment.
func (c *SegmentChain) Head() (Segment, bool) {
	return c.At(0)
}

// Tail returns the last segment.
func (c *SegmentChain) Tail() (Segment, bool) {
	return c.At(len(c.segments) - 1)
}

// At returns the segment at index i.
func (c *SegmentChain) At(i int) (Segment, bool) {
	if i < 0 || i >= len(c.segments) {
		return Segment{}, false
	}
	return c.segments[i], true
}

// Next returns the segment following s, or false at the end of the chain.
func (c *SegmentChain) Next(s Segment) (Segment, bool) {
	return c.At(s.Index + 1)
}

// All yields every segment from head to tail.
func (c *SegmentChain) All() iter.Seq2[int, Segment] {
	return func(yield func(int, Segment) bool) {
		for i, s := range c.segments {
			if !yield(i, s) {
				return
			}
		}
	}
}

// Range yields count segments starting at first. It yields nothing if
// the range is not fully inside the chain.
func (c *SegmentChain) Range(first, count int) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if !c.Contains(first, count) {
			return
		}
		for _, s := range c.segments[first : first+count] {
			if !yield(s) {
				return
			}
		}
	}
}

// Contains reports whether count segments starting at first exist.
func (c *SegmentChain) Contains(first, count int) bool {
	return first >= 0 && count >= 0 && first <= len(c.segments) && count <= len(c.segments)-first
}
