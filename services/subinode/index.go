package subinode

import "time"

// CompactIndex is the manager's compact forward/reverse Outpoint<->int
// map, rebuilt periodically once holes left by removals exceed a
// threshold and enough wall-clock time has elapsed.
type CompactIndex struct {
	forward map[Outpoint]int
	reverse map[int]Outpoint
	holes   int
	lastRebuild time.Time
}

func NewCompactIndex() *CompactIndex {
	return &CompactIndex{
		forward: make(map[Outpoint]int),
		reverse: make(map[int]Outpoint),
	}
}

// Add assigns the next free slot to out, if not already indexed.
func (c *CompactIndex) Add(out Outpoint) int {
	if i, ok := c.forward[out]; ok {
		return i
	}

	i := len(c.forward) + c.holes
	c.forward[out] = i
	c.reverse[i] = out

	return i
}

// Remove deletes out's slot, leaving a hole rather than compacting
// immediately (compaction happens in Rebuild).
func (c *CompactIndex) Remove(out Outpoint) {
	i, ok := c.forward[out]
	if !ok {
		return
	}

	delete(c.forward, out)
	delete(c.reverse, i)
	c.holes++
}

func (c *CompactIndex) Get(out Outpoint) (int, bool) {
	i, ok := c.forward[out]
	return i, ok
}

func (c *CompactIndex) At(i int) (Outpoint, bool) {
	o, ok := c.reverse[i]
	return o, ok
}

func (c *CompactIndex) Len() int {
	return len(c.forward)
}

// ShouldRebuild reports whether the hole count has grown enough, and
// enough wall-clock time has passed, to justify a rebuild (:
// "live node count shrinks below the index size by more than the
// expected margin AND at least MIN_INDEX_REBUILD_TIME has elapsed").
func (c *CompactIndex) ShouldRebuild(now time.Time, liveCount int) bool {
	indexSize := len(c.forward) + c.holes
	if indexSize == 0 {
		return false
	}

	marginExceeded := indexSize-liveCount > liveCount/10+1

	enoughTimePassed := c.lastRebuild.IsZero() || now.Sub(c.lastRebuild) >= MinIndexRebuildTime*time.Second

	return marginExceeded && enoughTimePassed
}

// Rebuild compacts the index to exactly live, in the given order,
// resetting the hole counter.
func (c *CompactIndex) Rebuild(now time.Time, live []Outpoint) {
	c.forward = make(map[Outpoint]int, len(live))
	c.reverse = make(map[int]Outpoint, len(live))

	for i, out := range live {
		c.forward[out] = i
		c.reverse[i] = out
	}

	c.holes = 0
	c.lastRebuild = now
}
