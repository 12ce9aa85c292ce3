package fanout

import "sync/atomic"

// RoomCounter hands out bootstrap_room values. Next reserves a contiguous
// block of `stride` room ids and returns the one offset by `rank` within it,
// so concurrent requests never collide and a single request's dp-ranks each
// get a distinct room within the same stride, per spec.md §4.D step 2.
type RoomCounter struct {
	n atomic.Uint32
}

// Next returns base + rank, where base is an exclusive reservation of
// [base, base+stride). Wraparound of the underlying uint32 counter is
// tolerated: collisions only matter within the brief in-flight window of a
// few seconds, per spec.md's RoomId definition.
func (c *RoomCounter) Next(stride, rank uint) int64 {
	if stride == 0 {
		stride = 1
	}
	base := c.n.Add(uint32(stride)) - uint32(stride)
	return int64(base) + int64(rank)
}
