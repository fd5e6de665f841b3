package vm

import (
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/mem"
)

// Layout constants for the Sv39 address space (spec.md §4.2). Their
// exact values aren't specified; these pick a QEMU-virt-shaped layout:
// MMIO below RAM_START, RAM from RAM_START up, and a generous user
// region below the kernel's own mappings.
const (
	RamStart     uintptr = 0x80000000
	UmemStartVma uintptr = 0x10000
	UmemEndVma   uintptr = 0x7f000000
)

// InitKernelSpace installs the boot-time identity mappings biscuit's
// pmap_init performs for the kernel's own address space: the MMIO hole
// below RamStart as R+W+G gigapages, and the rest of the mapped RAM as
// R+W+G megapages (spec.md §4.2 "Boot-time identity mappings").
//
// A gigapage/megapage here is still installed leaf-by-leaf at 4KiB
// granularity: this hosted model has no benefit from a real huge-page
// TLB entry, and doing so keeps UnmapAndFreeRange's per-page free loop
// correct without a second leaf-size code path.
func InitKernelSpace(pool *mem.Pool_t, ramSize int) *AddrSpace_t {
	as := NewKernelSpace(pool)
	mmioFlags := PTE_R | PTE_W | PTE_G
	if err := as.MapRange(0, int(RamStart), mem.Pa_t(0), mmioFlags); err != 0 {
		panic("vm: failed to identity-map MMIO region")
	}
	ramFlags := PTE_R | PTE_W | PTE_G
	if err := as.MapRange(RamStart, ramSize, mem.Pa_t(RamStart), ramFlags); err != 0 {
		panic("vm: failed to identity-map RAM region")
	}
	return as
}

// CloneActiveMspace implements clone_active_mspace: deep-copies the
// active address space's root table into a fresh one. Global and huge
// leaves (none of which this kernel installs below L2/L1 granularity,
// see InitKernelSpace) are shared directly; non-global L0 leaves are
// byte-copied into freshly allocated frames. Any allocation failure
// aborts cleanly, discarding the partially built child rather than
// leaving it reachable.
func CloneActiveMspace() (Mtag_t, kerrno.Err_t) {
	src := active
	dst := NewUserSpace(src.pool)
	if dst == nil {
		return Mtag_t{}, kerrno.ENOMEM
	}
	if err := cloneTable(src.pool, src.root, dst.root, 2); err != 0 {
		freeNonGlobalTree(dst.pool, dst.root, 2)
		dst.pool.FreePage(dst.root)
		return Mtag_t{}, err
	}
	klog.Debugf("vm: cloned address space asid=%d", dst.asid)
	return dst.Mtag(), 0
}

// cloneTable recursively populates dst at the given level (2=L2 root,
// 1=L1, 0=L0 leaves) from src, per the three rules in spec.md §4.2
// clone_active_mspace.
func cloneTable(pool *mem.Pool_t, srcPa, dstPa mem.Pa_t, level int) kerrno.Err_t {
	st := table(pool, srcPa)
	dt := table(pool, dstPa)
	for i := range st {
		pte := st[i]
		if !pte.Valid() {
			continue
		}
		if pte.IsLeaf() {
			if level == 0 && pte&PTE_G == 0 {
				cp, ok := pool.AllocPage()
				if !ok {
					return kerrno.ENOMEM
				}
				copy(pool.Bytes(cp), pool.Bytes(pte.PPN()))
				dt[i] = mkpte(cp, pte&pteFlagMask&^PTE_V) | PTE_V
				continue
			}
			// huge leaf or global: shared directly.
			dt[i] = pte
			continue
		}
		childPa, ok := pool.AllocPage()
		if !ok {
			return kerrno.ENOMEM
		}
		dt[i] = mkpte(childPa, 0)
		if err := cloneTable(pool, pte.PPN(), childPa, level-1); err != 0 {
			return err
		}
	}
	return 0
}

// freeNonGlobalTree releases every private frame cloneTable allocated
// for a child it is abandoning after a failed clone, so a failed
// CloneActiveMspace leaks nothing.
func freeNonGlobalTree(pool *mem.Pool_t, pa mem.Pa_t, level int) {
	t := table(pool, pa)
	for _, pte := range t {
		if !pte.Valid() || pte&PTE_G != 0 {
			continue
		}
		if pte.IsLeaf() {
			if level == 0 {
				pool.FreePage(pte.PPN())
			}
			continue
		}
		freeNonGlobalTree(pool, pte.PPN(), level-1)
		pool.FreePage(pte.PPN())
	}
}

// ResetActiveMspace implements reset_active_mspace: frees every
// non-global leaf frame and clears its PTE, leaving intermediate
// tables and global mappings intact for reuse.
func ResetActiveMspace() {
	resetTable(active.pool, active.root, 2)
	klog.Debugf("vm: reset address space asid=%d", active.asid)
}

func resetTable(pool *mem.Pool_t, pa mem.Pa_t, level int) {
	t := table(pool, pa)
	for i, pte := range t {
		if !pte.Valid() || pte&PTE_G != 0 {
			continue
		}
		if pte.IsLeaf() {
			pool.FreePage(pte.PPN())
			t[i] = 0
			continue
		}
		resetTable(pool, pte.PPN(), level-1)
	}
}

// DiscardActiveMspace implements discard_active_mspace: reset then
// fall back to the main kernel mtag, used when a process exits and its
// thread has nothing left to run in.
func DiscardActiveMspace() {
	ResetActiveMspace()
	SwitchMspace(kernelMtag)
}

// HandleUmodePageFault implements handle_umode_page_fault: lazily
// backs a first touch into the user region with a zeroed, R+W+U frame.
// Returns true if handled.
func HandleUmodePageFault(vma uintptr) bool {
	if vma < UmemStartVma || vma >= UmemEndVma {
		return false
	}
	if vma%uintptr(mem.PGSIZE) != 0 {
		return false
	}
	pp, ok := active.pool.AllocPage()
	if !ok {
		return false
	}
	if err := active.MapPage(vma, pp, PTE_R|PTE_W|PTE_U); err != 0 {
		active.pool.FreePage(pp)
		return false
	}
	klog.Debugf("vm: lazily backed user fault at %#x", vma)
	return true
}

// ValidateVptr implements validate_vptr: every page in [vp, vp+len)
// must have a present leaf PTE whose flags are a superset of required.
func ValidateVptr(vp uintptr, length int, required Pte_t) kerrno.Err_t {
	if length <= 0 {
		return 0
	}
	start := vp - (vp % uintptr(mem.PGSIZE))
	end := vp + uintptr(length)
	for v := start; v < end; v += uintptr(mem.PGSIZE) {
		pte, ok := active.walk(v, false)
		if !ok || !pte.Valid() || !pte.IsLeaf() {
			return kerrno.EINVAL
		}
		if *pte&required != required {
			return kerrno.EACCES
		}
	}
	return 0
}

// WriteBytes copies data into as starting at vma, crossing page
// boundaries as needed. Every page touched must already be mapped with
// PTE_W (e.g. via AllocAndMapRange); used by the ELF loader to fill
// PT_LOAD segments and by process_exec to marshal argv onto the fresh
// user stack page (spec.md §4.8, §4.10).
func (as *AddrSpace_t) WriteBytes(vma uintptr, data []byte) kerrno.Err_t {
	done := 0
	for done < len(data) {
		v := vma + uintptr(done)
		pte, ok := as.walk(v, false)
		if !ok || !pte.Valid() || !pte.IsLeaf() || pte&PTE_W == 0 {
			return kerrno.EINVAL
		}
		off := int(v % uintptr(mem.PGSIZE))
		n := mem.PGSIZE - off
		if remaining := len(data) - done; n > remaining {
			n = remaining
		}
		copy(as.pool.Bytes(pte.PPN())[off:off+n], data[done:done+n])
		done += n
	}
	return 0
}

// ZeroRange zeroes [vma, vma+size), the same page-crossing walk as
// WriteBytes; used to clear a PT_LOAD segment's BSS tail.
func (as *AddrSpace_t) ZeroRange(vma uintptr, size int) kerrno.Err_t {
	done := 0
	for done < size {
		v := vma + uintptr(done)
		pte, ok := as.walk(v, false)
		if !ok || !pte.Valid() || !pte.IsLeaf() || pte&PTE_W == 0 {
			return kerrno.EINVAL
		}
		off := int(v % uintptr(mem.PGSIZE))
		n := mem.PGSIZE - off
		if remaining := size - done; n > remaining {
			n = remaining
		}
		buf := as.pool.Bytes(pte.PPN())
		for i := off; i < off+n; i++ {
			buf[i] = 0
		}
		done += n
	}
	return 0
}

// ReadBytes copies n bytes out of as starting at vma, the read-side
// counterpart of WriteBytes; every page touched must already be
// mapped with PTE_R. Used by tests and by syscalls that copy process
// memory out to the kernel (e.g. write(2)'s user buffer).
func (as *AddrSpace_t) ReadBytes(vma uintptr, n int) ([]byte, kerrno.Err_t) {
	out := make([]byte, n)
	done := 0
	for done < n {
		v := vma + uintptr(done)
		pte, ok := as.walk(v, false)
		if !ok || !pte.Valid() || !pte.IsLeaf() || pte&PTE_R == 0 {
			return nil, kerrno.EINVAL
		}
		off := int(v % uintptr(mem.PGSIZE))
		c := mem.PGSIZE - off
		if remaining := n - done; c > remaining {
			c = remaining
		}
		copy(out[done:done+c], as.pool.Bytes(pte.PPN())[off:off+c])
		done += c
	}
	return out, 0
}

// ActiveSpaceReadBytes and ActiveSpaceWriteBytes copy between the
// kernel and the currently active user address space, the two
// directions a syscall handler needs when copying a process's buffer
// arguments (spec.md §4.9 read/write/exec's argv): validate with
// ValidateVptr first if the caller needs a specific permission beyond
// what ReadBytes/WriteBytes themselves already require (R/W leaf).
func ActiveSpaceReadBytes(vma uintptr, n int) ([]byte, kerrno.Err_t) {
	return active.ReadBytes(vma, n)
}

func ActiveSpaceWriteBytes(vma uintptr, data []byte) kerrno.Err_t {
	return active.WriteBytes(vma, data)
}

const maxVstrLen = 8192

// ValidateVstr implements validate_vstr: walks byte-by-byte up to
// maxVstrLen characters looking for a NUL terminator, checking page
// permissions one page at a time as it crosses page boundaries.
func ValidateVstr(vs uintptr, required Pte_t) (string, kerrno.Err_t) {
	var out []byte
	v := vs
	for i := 0; i < maxVstrLen; i++ {
		if i == 0 || v%uintptr(mem.PGSIZE) == 0 {
			if err := ValidateVptr(v, 1, required); err != 0 {
				return "", err
			}
		}
		pte, _ := active.walk(v, false)
		off := v % uintptr(mem.PGSIZE)
		b := active.pool.Bytes(pte.PPN())[off]
		if b == 0 {
			return string(out), 0
		}
		out = append(out, b)
		v++
	}
	return "", kerrno.EINVAL
}
