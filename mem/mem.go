// Package mem implements the physical page pool described in
// spec.md §3/§4.1: a chunked free list of fixed-size page runs, carved
// up best-fit on allocation and pushed back uncoalesced on free.
//
// biscuit's mem package (mem/mem.go) tracks physical memory with a
// refcounted Physpg_t table sized for up to 16TB and a per-CPU free
// list, because it runs on real multi-gigabyte x86-64 RAM with SMP.
// This kernel is explicitly single-hart with no demand paging or COW
// (spec.md Non-goals), so the allocator is refcount-free and the
// per-CPU free lists collapse to one chunked best-fit list — the data
// structure spec.md §3 actually describes ("Physical page pool").
package mem

import (
	"fmt"
	"sync"

	"github.com/hakyung4/operating-system/kstats"
	"github.com/hakyung4/operating-system/util"
)

// PGSHIFT/PGSIZE describe the page geometry; Sv39 leaves this at the
// standard RISC-V 4KiB page.
const (
	PGSHIFT uint = 12
	PGSIZE  int  = 1 << PGSHIFT
)

// Pa_t is a physical address, renamed from biscuit's Pa_t but kept as
// the same narrow uintptr-based type so arithmetic on it stays
// explicit rather than silently mixing with virtual addresses.
type Pa_t uintptr

// Page_t is the in-memory view of one physical page's bytes, mirroring
// biscuit's Bytepg_t.
type Page_t [PGSIZE]byte

// chunk_t is the header biscuit's physical allocator would store in
// the first bytes of a free run (spec.md §3: "a run of contiguous
// page-sized frames whose header ... occupies the first frame's first
// bytes"). Here the header lives beside the backing store rather than
// inside it, because this kernel models physical memory as a Go byte
// arena rather than reading/writing raw frames through a direct map —
// there is no MMU to fault through in a hosted test harness.
type chunk_t struct {
	base    Pa_t
	pagecnt int
	next    *chunk_t
}

// Pool_t is the chunked free-page allocator (spec.md §4.1).
type Pool_t struct {
	mu    sync.Mutex
	free  *chunk_t
	arena []byte
	base  Pa_t
}

// NewPool carves out npages contiguous pages starting at a
// kernel-chosen base address and seeds the free list with one chunk
// spanning all of them, the same single-chunk starting state
// Phys_init leaves biscuit's allocator in.
func NewPool(base Pa_t, npages int) *Pool_t {
	p := &Pool_t{
		arena: make([]byte, npages*PGSIZE),
		base:  base,
	}
	p.free = &chunk_t{base: base, pagecnt: npages}
	kstats.FreePageCount.Set(float64(npages))
	return p
}

// AllocPages implements alloc_phys_pages: best-fit scan of the free
// list, splitting the tail n pages off the smallest sufficient chunk
// (spec.md §4.1 "Allocation policy").
func (p *Pool_t) AllocPages(n int) (Pa_t, bool) {
	if n <= 0 {
		panic("mem: bad page count")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var bestPrev, best *chunk_t
	var prev *chunk_t
	for c := p.free; c != nil; c = c.next {
		if c.pagecnt >= n && (best == nil || c.pagecnt < best.pagecnt) {
			best, bestPrev = c, prev
		}
		prev = c
	}
	if best == nil {
		return 0, false
	}

	// carve the tail n pages off best, leaving the (possibly empty)
	// remainder in place.
	allocBase := best.base + Pa_t((best.pagecnt-n)*PGSIZE)
	best.pagecnt -= n
	if best.pagecnt == 0 {
		if bestPrev == nil {
			p.free = best.next
		} else {
			bestPrev.next = best.next
		}
	}

	off := int(allocBase - p.base)
	for i := 0; i < n*PGSIZE; i++ {
		p.arena[off+i] = 0
	}
	kstats.PagesAllocated.Add(float64(n))
	kstats.FreePageCount.Set(float64(p.countFree()))
	return allocBase, true
}

// AllocPage allocates a single zeroed page.
func (p *Pool_t) AllocPage() (Pa_t, bool) {
	return p.AllocPages(1)
}

// FreePages implements free_phys_pages: push the freed run onto the
// head of the free list as a brand-new chunk, with no coalescing
// against neighboring chunks (spec.md §4.1 "Free policy" — an
// acknowledged fragmentation source carried forward unchanged; see
// SPEC_FULL.md §4 decision 2).
func (p *Pool_t) FreePages(pa Pa_t, n int) {
	if n <= 0 {
		panic("mem: bad page count")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = &chunk_t{base: pa, pagecnt: n, next: p.free}
	kstats.PagesFreed.Add(float64(n))
	kstats.FreePageCount.Set(float64(p.countFree()))
}

// FreePage frees a single page.
func (p *Pool_t) FreePage(pa Pa_t) {
	p.FreePages(pa, 1)
}

func (p *Pool_t) countFree() int {
	n := 0
	for c := p.free; c != nil; c = c.next {
		n += c.pagecnt
	}
	return n
}

// FreePageCount implements free_phys_page_count (spec.md §8 testable
// property: equals the sum of pagecnt over the free-chunk list, and is
// invariant under a paired alloc/free of the same page count).
func (p *Pool_t) FreePageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countFree()
}

// Bytes returns the byte slice backing the page at pa, the hosted
// stand-in for biscuit's Dmap direct-map lookup: vm reaches physical
// memory only through this accessor rather than holding raw pointers
// into the arena.
func (p *Pool_t) Bytes(pa Pa_t) []byte {
	if pa < p.base || int(pa-p.base) >= len(p.arena) {
		panic(fmt.Sprintf("mem: %#x out of pool range", pa))
	}
	if Pa_t(util.Rounddown(int(pa), PGSIZE)) != pa {
		panic("mem: unaligned page address")
	}
	off := int(pa - p.base)
	return p.arena[off : off+PGSIZE]
}
