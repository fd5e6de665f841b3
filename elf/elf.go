// Package elf implements the loader of spec.md §4.10: validate a
// 64-bit little-endian RISC-V ET_EXEC image, map and fill its PT_LOAD
// segments into an address space, and report the entry point.
//
// Grounded on kernel/chentry.go, the one place in the whole pack that
// parses ELF at all — and it reaches for the standard library's
// debug/elf rather than hand-rolling a parser, so this is also the
// only place in the pack an ecosystem choice would even apply; there
// is no third-party ELF library any example repo uses (see DESIGN.md).
// chentry.go itself only rewrites a header field for an x86-64 build
// tool; this package instead walks program headers to actually load a
// RISC-V binary into a live address space.
package elf

import (
	"bytes"
	"debug/elf"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/vm"
)

// Mapper is the subset of vm.AddrSpace_t the loader needs, kept as an
// interface so tests can load into a real address space without
// dragging in the rest of proc's boot sequence.
type Mapper interface {
	AllocAndMapRange(vma uintptr, size int, flags vm.Pte_t) kerrno.Err_t
	SetRangeFlags(vp uintptr, size int, flags vm.Pte_t) kerrno.Err_t
	WriteBytes(vma uintptr, data []byte) kerrno.Err_t
	ZeroRange(vma uintptr, size int) kerrno.Err_t
}

// Load validates exeio as a RISC-V ET_EXEC image and maps every
// PT_LOAD segment into as within [lower, upper) (spec.md §4.10).
// Returns the ELF entry point.
func Load(exeio kio.IO_i, as Mapper, lower, upper uintptr) (uintptr, kerrno.Err_t) {
	raw, err := readWhole(exeio)
	if err != 0 {
		return 0, err
	}

	ef, derr := elf.NewFile(bytes.NewReader(raw))
	if derr != nil {
		klog.Errorf("elf: parse failed: %v", derr)
		return 0, kerrno.EBADFORMAT
	}
	if verr := validate(&ef.FileHeader); verr != 0 {
		return 0, verr
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		vaddr := uintptr(prog.Vaddr)
		memsz := int(prog.Memsz)
		if vaddr < lower || vaddr+uintptr(memsz) > upper {
			return 0, kerrno.EBADFORMAT
		}

		if err := as.AllocAndMapRange(vaddr, memsz, vm.PTE_R|vm.PTE_W|vm.PTE_U); err != 0 {
			return 0, err
		}

		filesz := int(prog.Filesz)
		if filesz > 0 {
			buf := make([]byte, filesz)
			n, rerr := exeio.ReadAt(int64(prog.Off), buf)
			if rerr != 0 {
				return 0, rerr
			}
			if n != filesz {
				return 0, kerrno.EBADFORMAT
			}
			if werr := as.WriteBytes(vaddr, buf); werr != 0 {
				return 0, werr
			}
		}

		flags := segmentFlags(prog.Flags)
		if frerr := as.SetRangeFlags(vaddr, memsz, flags); frerr != 0 {
			return 0, frerr
		}

		if memsz > filesz {
			if zerr := as.ZeroRange(vaddr+uintptr(filesz), memsz-filesz); zerr != 0 {
				return 0, zerr
			}
		}
	}

	klog.Infof("elf: loaded image, entry=%#x", ef.Entry)
	return uintptr(ef.Entry), 0
}

// validate implements the ELF constraints of spec.md §6: 64-bit class,
// little-endian, ET_EXEC, machine RISC-V, version current.
func validate(h *elf.FileHeader) kerrno.Err_t {
	if h.Class != elf.ELFCLASS64 {
		return kerrno.EBADFORMAT
	}
	if h.Data != elf.ELFDATA2LSB {
		return kerrno.EBADFORMAT
	}
	if h.Type != elf.ET_EXEC {
		return kerrno.EBADFORMAT
	}
	if h.Machine != elf.EM_RISCV {
		return kerrno.EBADFORMAT
	}
	if h.Version != elf.EV_CURRENT {
		return kerrno.EBADFORMAT
	}
	return 0
}

// segmentFlags recomputes final PTE flags from a PT_LOAD segment's
// p_flags (spec.md §4.10 step 4).
func segmentFlags(pf elf.ProgFlag) vm.Pte_t {
	flags := vm.PTE_U
	if pf&elf.PF_R != 0 {
		flags |= vm.PTE_R
	}
	if pf&elf.PF_W != 0 {
		flags |= vm.PTE_W
	}
	if pf&elf.PF_X != 0 {
		flags |= vm.PTE_X
	}
	return flags
}

// readWhole slurps an IO_i endpoint into memory in fixed-size chunks;
// the loader needs the whole image up front since debug/elf parses
// from a ReaderAt over the complete byte stream.
func readWhole(io kio.IO_i) ([]byte, kerrno.Err_t) {
	const chunk = 4096
	var out []byte
	for {
		buf := make([]byte, chunk)
		n, err := io.ReadAt(int64(len(out)), buf)
		if err != 0 {
			return nil, err
		}
		out = append(out, buf[:n]...)
		if n < chunk {
			break
		}
	}
	return out, 0
}
