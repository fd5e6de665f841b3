// Package vm implements the Sv39 three-level page table and the
// per-address-space operations of spec.md §4.2: mapping, cloning,
// resetting and discarding address spaces, lazy user-fault backing,
// and pointer/string validation for syscall arguments.
//
// biscuit's vm package (vm/as.go) manages a four-level x86-64 page
// table with copy-on-write anonymous/file-backed regions tracked in a
// Vmregion_t interval tree (Vm_t.Vmregion), because biscuit supports
// fork-via-COW and mmap. This kernel's Non-goals exclude demand paging
// and its fork (spec.md §4.8 process_fork) performs an eager
// byte-copy of every non-global leaf rather than COW, so there is no
// region tracker here: every mapping is installed directly into the
// three-level table, exactly the subset of biscuit's pmap_walk /
// Page_insert / Uvmfree machinery this spec actually needs.
package vm

import (
	"fmt"
	"unsafe"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/mem"
	"github.com/hakyung4/operating-system/util"
)

// Sv39 geometry: three levels of 512-entry tables, 4KiB leaf pages.
const (
	PTESIZE = 8
	PTPN    = 512 // page table entries per table
)

// Pte_t is one Sv39 page table entry: V|R|W|X|U|G|A|D flag bits plus a
// 44-bit physical page number, matching the layout spec.md §3 assigns
// to "Page table entry".
type Pte_t uint64

const (
	PTE_V Pte_t = 1 << 0 /// valid
	PTE_R Pte_t = 1 << 1 /// readable
	PTE_W Pte_t = 1 << 2 /// writable
	PTE_X Pte_t = 1 << 3 /// executable
	PTE_U Pte_t = 1 << 4 /// user-accessible
	PTE_G Pte_t = 1 << 5 /// global (shared across address spaces)
	PTE_A Pte_t = 1 << 6 /// accessed
	PTE_D Pte_t = 1 << 7 /// dirty

	pteFlagBits = 10
	pteFlagMask = Pte_t(1<<pteFlagBits) - 1
)

// IsLeaf reports whether a PTE is a leaf (any of R/W/X set) as opposed
// to an intermediate table pointer (spec.md §3: "Leaf vs. intermediate
// is determined by whether any of R/W/X is set").
func (p Pte_t) IsLeaf() bool { return p&(PTE_R|PTE_W|PTE_X) != 0 }

func (p Pte_t) Valid() bool { return p&PTE_V != 0 }

// PPN returns the physical page number encoded in the PTE.
func (p Pte_t) PPN() mem.Pa_t {
	return mem.Pa_t(p>>pteFlagBits) << mem.PGSHIFT
}

func mkpte(ppn mem.Pa_t, flags Pte_t) Pte_t {
	return Pte_t(ppn>>mem.PGSHIFT)<<pteFlagBits | (flags & pteFlagMask) | PTE_V
}

// vpns extracts VPN2/VPN1/VPN0, the three 9-bit page table indices of
// a 39-bit virtual address (spec.md §4.2 "Macros VPN2/VPN1/VPN0").
func vpns(va uintptr) (vpn2, vpn1, vpn0 int) {
	return int((va >> 30) & 0x1ff), int((va >> 21) & 0x1ff), int((va >> 12) & 0x1ff)
}

func table(pool *mem.Pool_t, pa mem.Pa_t) *[PTPN]Pte_t {
	b := pool.Bytes(pa)
	return (*[PTPN]Pte_t)(castPtr(b))
}

// AddrSpace_t is one Sv39 address space: its root page table plus the
// pool it allocates table/leaf pages from (spec.md §3 "Address space").
type AddrSpace_t struct {
	pool *mem.Pool_t
	root mem.Pa_t
	asid uint16
	// global marks the kernel's own address space, whose non-global
	// leaves don't exist (every kernel mapping is PTE_G) and which
	// therefore cannot be reset or discarded.
	global bool
}

// Mtag_t is the opaque address-space identifier of spec.md §3: paging
// mode + ASID + root page table physical page number. Callers cannot
// reach into it; Switch installs it as the active space.
type Mtag_t struct {
	mode uint8
	asid uint16
	as   *AddrSpace_t
}

const sv39Mode = 8 // RISC-V satp MODE field value for Sv39

func (as *AddrSpace_t) Mtag() Mtag_t {
	return Mtag_t{mode: sv39Mode, asid: as.asid, as: as}
}

// Switch implements the thread.AddrSpace contract so the scheduler can
// install the right page table when resuming a thread that owns a
// process (spec.md §4.3's "switch address space if the new thread has
// a process").
func (t Mtag_t) Switch() { SwitchMspace(t) }

var (
	active     *AddrSpace_t
	kernelMtag Mtag_t
	asidNext   uint16 = 1
)

// NewKernelSpace allocates the root page table for the one global,
// immutable-after-init kernel address space (spec.md §3: "The main
// kernel mtag is global and immutable after init").
func NewKernelSpace(pool *mem.Pool_t) *AddrSpace_t {
	root, ok := pool.AllocPage()
	if !ok {
		panic("vm: cannot allocate root page table for kernel space")
	}
	as := &AddrSpace_t{pool: pool, root: root, asid: 0, global: true}
	kernelMtag = as.Mtag()
	active = as
	return as
}

// NewUserSpace allocates a fresh, empty address space for a process,
// sharing no page tables with any other space (every entry it
// installs starts out non-global, per spec.md §3's leaf invariant).
func NewUserSpace(pool *mem.Pool_t) *AddrSpace_t {
	root, ok := pool.AllocPage()
	if !ok {
		return nil
	}
	id := asidNext
	asidNext++
	return &AddrSpace_t{pool: pool, root: root, asid: id}
}

// ActiveMspace returns the mtag of the currently installed address
// space (active_mspace).
func ActiveMspace() Mtag_t { return active.Mtag() }

// KernelMspace returns the immutable main kernel mtag.
func KernelMspace() Mtag_t { return kernelMtag }

// SwitchMspace installs tag as the active address space (switch_mspace).
// There is no real TLB to flush in this hosted model; the "flush" is
// simply that every subsequent page-table walk reads through the newly
// active root.
func SwitchMspace(tag Mtag_t) {
	active = tag.as
}

// walk finds (and, if alloc, creates) the leaf PTE slot for va within
// as, allocating and zeroing intermediate L1/L0 tables on demand
// (spec.md §4.2 map_page: "Walks L2/L1; allocates and zeroes
// intermediate tables on demand").
func (as *AddrSpace_t) walk(va uintptr, alloc bool) (*Pte_t, bool) {
	vpn2, vpn1, vpn0 := vpns(va)
	l2 := table(as.pool, as.root)
	pte2 := &l2[vpn2]
	l1pa, ok := as.descend(pte2, alloc)
	if !ok {
		return nil, false
	}
	l1 := table(as.pool, l1pa)
	pte1 := &l1[vpn1]
	l0pa, ok := as.descend(pte1, alloc)
	if !ok {
		return nil, false
	}
	l0 := table(as.pool, l0pa)
	return &l0[vpn0], true
}

// descend returns the physical page of the next-level table named by
// pte, allocating it if absent and alloc is set.
func (as *AddrSpace_t) descend(pte *Pte_t, alloc bool) (mem.Pa_t, bool) {
	if pte.Valid() {
		if pte.IsLeaf() {
			// caller asked to walk past a huge page; treat as failure
			return 0, false
		}
		return pte.PPN(), true
	}
	if !alloc {
		return 0, false
	}
	pa, ok := as.pool.AllocPage()
	if !ok {
		return 0, false
	}
	flags := Pte_t(0)
	if as.global {
		flags |= PTE_G
	}
	*pte = mkpte(pa, flags) // intermediate: V only (+G), no RWX
	return pa, true
}

// MapPage implements map_page: installs a leaf PTE with V|A|D plus the
// caller's flags at a page-aligned vma. Returns ENOMEM if an
// intermediate table couldn't be allocated, or EEXIST if the slot is
// already valid (spec.md §4.2: "Returns none if the target slot is
// already valid, or on allocation failure. Does not coalesce or
// upgrade to larger pages.").
func (as *AddrSpace_t) MapPage(vma uintptr, pp mem.Pa_t, flags Pte_t) kerrno.Err_t {
	if vma%uintptr(mem.PGSIZE) != 0 {
		panic("vm: unaligned vma")
	}
	if pp == 0 {
		panic("vm: nil physical page")
	}
	pte, ok := as.walk(vma, true)
	if !ok {
		return kerrno.ENOMEM
	}
	if pte.Valid() {
		return kerrno.EEXIST
	}
	leaf := flags | PTE_A | PTE_D
	if as.global {
		leaf |= PTE_G
	}
	*pte = mkpte(pp, leaf)
	return 0
}

// MapRange implements map_range: a page-loop wrapper over MapPage that
// rolls back everything it mapped in this call on any failure.
func (as *AddrSpace_t) MapRange(vma uintptr, size int, pp mem.Pa_t, flags Pte_t) kerrno.Err_t {
	npg := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npg; i++ {
		v := vma + uintptr(i*mem.PGSIZE)
		p := pp + mem.Pa_t(i*mem.PGSIZE)
		if err := as.MapPage(v, p, flags); err != 0 {
			as.UnmapAndFreeRange(vma, i*mem.PGSIZE)
			return err
		}
	}
	return 0
}

// AllocAndMapRange implements alloc_and_map_range: allocate one
// physical page per virtual page and map it, rolling back on failure.
func (as *AddrSpace_t) AllocAndMapRange(vma uintptr, size int, flags Pte_t) kerrno.Err_t {
	npg := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npg; i++ {
		v := vma + uintptr(i*mem.PGSIZE)
		pp, ok := as.pool.AllocPage()
		if !ok {
			as.UnmapAndFreeRange(vma, i*mem.PGSIZE)
			return kerrno.ENOMEM
		}
		if err := as.MapPage(v, pp, flags); err != 0 {
			as.pool.FreePage(pp)
			as.UnmapAndFreeRange(vma, i*mem.PGSIZE)
			return err
		}
	}
	return 0
}

// SetRangeFlags implements set_range_flags: rewrites the flag byte of
// every existing leaf in the range, preserving V|A|D.
func (as *AddrSpace_t) SetRangeFlags(vp uintptr, size int, flags Pte_t) kerrno.Err_t {
	npg := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npg; i++ {
		v := vp + uintptr(i*mem.PGSIZE)
		pte, ok := as.walk(v, false)
		if !ok || !pte.Valid() || !pte.IsLeaf() {
			return kerrno.EINVAL
		}
		keep := *pte & (PTE_V | PTE_A | PTE_D)
		ppn := *pte &^ pteFlagMask
		*pte = ppn | keep | (flags &^ (PTE_V | PTE_A | PTE_D))
	}
	return 0
}

// UnmapAndFreeRange implements unmap_and_free_range: for each valid
// leaf in the range, free the physical frame and zero the PTE.
func (as *AddrSpace_t) UnmapAndFreeRange(vp uintptr, size int) {
	npg := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npg; i++ {
		v := vp + uintptr(i*mem.PGSIZE)
		pte, ok := as.walk(v, false)
		if !ok || !pte.Valid() {
			continue
		}
		as.pool.FreePage(pte.PPN())
		*pte = 0
	}
}

// castPtr reinterprets a page-sized byte slice as a [PTPN]Pte_t table,
// the Sv39 analogue of biscuit's pg2pmap cast (mem/mem.go).
func castPtr(b []byte) *[PTPN]Pte_t {
	if len(b) != mem.PGSIZE {
		panic(fmt.Sprintf("vm: table cast needs exactly one page, got %d bytes", len(b)))
	}
	return (*[PTPN]Pte_t)(unsafe.Pointer(&b[0]))
}
