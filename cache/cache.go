// Package cache implements the LRU block cache of spec.md §4.6: a
// fixed-size, doubly-linked list of entries sitting between KTFS and a
// block-device I/O endpoint, with write-through release semantics
// (see SPEC_FULL.md §4 decision on the source's documented open
// question).
//
// biscuit's block cache (fs/blk.go, Bdev_block_t/BlkList_t) keys
// blocks by block number and uses a container/list.List plus a
// separate Objref_t refcount and eviction callback interface, because
// it must cooperate with biscuit's write-ahead log and multiple
// concurrent block consumers. This kernel has one KTFS mount and one
// cache lock, so the intrusive list collapses to a plain doubly-linked
// list of fixed capacity with move-to-head-on-touch LRU, the structure
// spec.md §4.6 actually describes.
package cache

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/kstats"
)

const (
	CAPACITY  = 64
	BlockSize = 512
)

// Block_t is one cache entry, handed out by GetBlock and handed back
// to ReleaseBlock. Pos and Data are the only fields a caller should
// touch; the rest is cache bookkeeping.
type Block_t struct {
	Pos   int64
	Data  [BlockSize]byte
	valid bool
	dirty bool
	prev  *Block_t
	next  *Block_t
}

// Cache_t is the fixed-capacity LRU cache (spec.md §4.6 "Block
// cache"). head is the most-recently-used entry, tail the least.
type Cache_t struct {
	mu      sync.Mutex
	backing kio.IO_i
	entries []*Block_t
	head    *Block_t
	tail    *Block_t
}

// CreateCache builds a fixed-size list of invalid entries over a
// backing I/O endpoint (create_cache).
func CreateCache(backing kio.IO_i) *Cache_t {
	c := &Cache_t{backing: backing, entries: make([]*Block_t, CAPACITY)}
	for i := range c.entries {
		c.entries[i] = &Block_t{}
	}
	for i, e := range c.entries {
		if i > 0 {
			e.prev = c.entries[i-1]
		}
		if i < CAPACITY-1 {
			e.next = c.entries[i+1]
		}
	}
	c.head = c.entries[0]
	c.tail = c.entries[CAPACITY-1]
	return c
}

// moveToHead unlinks e from wherever it sits in the list and
// reinserts it at the head, which simultaneously promotes e to
// most-recently-used and lets whatever sat just before it become the
// new tail — spec.md §4.6's "rotate the list so the newly loaded entry
// becomes head and the previous second-to-tail becomes tail" is just
// this operation applied to the tail entry.
func (c *Cache_t) moveToHead(e *Block_t) {
	if c.head == e {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
}

// load reads one block from the backing endpoint into e, tagging the
// round trip with a correlation id for debugging (domain stack
// addition, SPEC_FULL.md §1).
func (c *Cache_t) load(e *Block_t, pos int64) kerrno.Err_t {
	reqID := uuid.New()
	klog.Debugf("cache: reading block %d (req=%s)", pos, reqID)
	n, err := c.backing.ReadAt(pos, e.Data[:])
	if err != 0 {
		e.valid = false
		klog.Errorf("cache: read block %d failed (req=%s): %s", pos, reqID, err)
		return err
	}
	if n < BlockSize {
		for i := n; i < BlockSize; i++ {
			e.Data[i] = 0
		}
	}
	e.Pos = pos
	e.valid = true
	e.dirty = false
	return 0
}

func (c *Cache_t) writeBack(e *Block_t) kerrno.Err_t {
	reqID := uuid.New()
	klog.Debugf("cache: writing back block %d (req=%s)", e.Pos, reqID)
	_, err := c.backing.WriteAt(e.Pos, e.Data[:])
	if err != 0 {
		klog.Errorf("cache: write-back block %d failed (req=%s): %s", e.Pos, reqID, err)
		return err
	}
	e.dirty = false
	return 0
}

// GetBlock implements get_block: hit, then claim-an-invalid-entry,
// then evict-the-tail, in that order (spec.md §4.6).
func (c *Cache_t) GetBlock(pos int64) (*Block_t, kerrno.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.head; e != nil; e = e.next {
		if e.valid && e.Pos == pos {
			c.moveToHead(e)
			kstats.CacheHits.Inc()
			return e, 0
		}
	}

	for e := c.tail; e != nil; e = e.prev {
		if !e.valid {
			if err := c.load(e, pos); err != 0 {
				return nil, err
			}
			c.moveToHead(e)
			kstats.CacheMisses.Inc()
			return e, 0
		}
	}

	victim := c.tail
	if victim.dirty {
		if err := c.writeBack(victim); err != 0 {
			return nil, err
		}
	}
	if err := c.load(victim, pos); err != 0 {
		return nil, err
	}
	c.moveToHead(victim)
	kstats.CacheMisses.Inc()
	kstats.CacheEvictions.Inc()
	return victim, 0
}

// ReleaseBlock implements release_block: write-through immediately on
// dirty=true, per the source's documented behavior (SPEC_FULL.md §4).
// Unknown buffers (not owned by this cache) are silently ignored.
func (c *Cache_t) ReleaseBlock(blk *Block_t, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := false
	for _, e := range c.entries {
		if e == blk {
			owned = true
			break
		}
	}
	if !owned {
		return
	}
	if dirty {
		blk.dirty = true
		// writeBack clears dirty on success; a failure leaves it set so
		// a later Flush retries, per spec.md §7.
		c.writeBack(blk)
	}
}

// Flush implements flush: write back every valid+dirty entry.
func (c *Cache_t) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.valid && e.dirty {
			c.writeBack(e)
		}
	}
}
