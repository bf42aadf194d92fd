package nn

// CachingComputation wraps a Computation with the evaluation cache: inputs
// already cached are served without occupying a network slot, and fresh
// results are written back after the batch runs.
type CachingComputation struct {
	inner Computation
	cache *Cache
	slots []cacheSlot
}

type cacheSlot struct {
	hash        uint64
	cached      *CachedEvaluation // non-nil: served from cache
	moveIndices []uint16
	innerIdx    int
}

func NewCachingComputation(inner Computation, cache *Cache) *CachingComputation {
	return &CachingComputation{inner: inner, cache: cache}
}

// AddInputByHash records a cache hit for hash if present. Returns whether it
// was found.
func (c *CachingComputation) AddInputByHash(hash uint64) bool {
	eval, ok := c.cache.Lookup(hash)
	if !ok {
		return false
	}
	c.slots = append(c.slots, cacheSlot{hash: hash, cached: eval})
	return true
}

// AddInput schedules a network evaluation for a position not in the cache.
// moveIndices lists the policy slots that will be read back and cached.
func (c *CachingComputation) AddInput(hash uint64, planes []float32, moveIndices []uint16) {
	idx := c.inner.BatchSize()
	c.inner.AddInput(planes)
	c.slots = append(c.slots, cacheSlot{hash: hash, moveIndices: moveIndices, innerIdx: idx})
}

// CacheMisses is the number of slots that need the network.
func (c *CachingComputation) CacheMisses() int {
	return c.inner.BatchSize()
}

// BatchSize is the total number of slots, hits included.
func (c *CachingComputation) BatchSize() int { return len(c.slots) }

// PopCacheHit drops the most recently added slot. Callers only use it after
// serving that slot out of order.
func (c *CachingComputation) PopCacheHit() {
	c.slots = c.slots[:len(c.slots)-1]
}

// ComputeBlocking evaluates the missed slots and populates the cache.
func (c *CachingComputation) ComputeBlocking() error {
	if c.inner.BatchSize() == 0 {
		return nil
	}
	if err := c.inner.ComputeBlocking(); err != nil {
		return err
	}
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.cached != nil {
			continue
		}
		eval := &CachedEvaluation{
			Q: c.inner.QVal(slot.innerIdx),
			P: make([]PolicyEntry, 0, len(slot.moveIndices)),
		}
		for _, idx := range slot.moveIndices {
			eval.P = append(eval.P, PolicyEntry{Index: idx, P: c.inner.PVal(slot.innerIdx, int(idx))})
		}
		c.cache.Insert(slot.hash, eval)
	}
	return nil
}

func (c *CachingComputation) QVal(i int) float32 {
	slot := &c.slots[i]
	if slot.cached != nil {
		return slot.cached.Q
	}
	return c.inner.QVal(slot.innerIdx)
}

func (c *CachingComputation) PVal(i int, moveIndex int) float32 {
	slot := &c.slots[i]
	if slot.cached != nil {
		return slot.cached.Lookup(moveIndex)
	}
	return c.inner.PVal(slot.innerIdx, moveIndex)
}
