package cipc

import "math/bits"

// msgIDSet tracks which message ids of a ring are in flight. Ids are handed
// out lowest first.
type msgIDSet struct {
	words [maxRingEntries / 64]uint64
	size  int
}

func newMsgIDSet(size int) msgIDSet {
	return msgIDSet{size: size}
}

// acquire reserves the lowest free id.
func (s *msgIDSet) acquire() (uint8, bool) {
	for i, w := range s.words {
		free := ^w
		if free == 0 {
			continue
		}
		id := i*64 + bits.TrailingZeros64(free)
		if id >= s.size {
			return 0, false
		}
		s.words[i] |= 1 << (id % 64)
		return uint8(id), true
	}
	return 0, false
}

func (s *msgIDSet) test(id uint8) bool {
	return s.words[id/64]&(1<<(id%64)) != 0
}

func (s *msgIDSet) release(id uint8) {
	s.words[id/64] &^= 1 << (id % 64)
}

func (s *msgIDSet) reset() {
	clear(s.words[:])
}

// count returns the number of ids in flight.
func (s *msgIDSet) count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}
