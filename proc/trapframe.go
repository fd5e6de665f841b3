package proc

// Trapframe_t is the saved user-mode register state at a privileged
// entry (spec.md §3 "trap frame"): the 32 RISC-V integer registers
// plus the CSRs a trap handler must restore to resume user execution.
//
// biscuit's trapframe (trap/trap.go Trapregs_t) is the same flat
// register-file layout for x86-64; this is its RISC-V-shaped
// counterpart, indexed the way the calling convention names them
// (x2=sp, x10..x17=a0..a7) rather than giving every register its own
// named field, since process_exec/process_fork only ever touch a
// handful of them by ABI name.
type Trapframe_t struct {
	Regs    [32]uint64
	Sepc    uintptr
	Sstatus uint64
}

const (
	regSP = 2
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA7 = 17
)

func (tf *Trapframe_t) Sp() uint64     { return tf.Regs[regSP] }
func (tf *Trapframe_t) SetSp(v uint64) { tf.Regs[regSP] = v }

func (tf *Trapframe_t) A0() uint64     { return tf.Regs[regA0] }
func (tf *Trapframe_t) SetA0(v uint64) { tf.Regs[regA0] = v }

func (tf *Trapframe_t) A1() uint64     { return tf.Regs[regA1] }
func (tf *Trapframe_t) SetA1(v uint64) { tf.Regs[regA1] = v }

func (tf *Trapframe_t) A2() uint64     { return tf.Regs[regA2] }
func (tf *Trapframe_t) SetA2(v uint64) { tf.Regs[regA2] = v }

func (tf *Trapframe_t) A7() uint64     { return tf.Regs[regA7] }
func (tf *Trapframe_t) SetA7(v uint64) { tf.Regs[regA7] = v }

// AdvanceSepc moves sepc past the ecall instruction that trapped here,
// so a successful syscall resumes just after the call site rather
// than re-trapping forever (spec.md §4.9 "advances sepc by 4").
func (tf *Trapframe_t) AdvanceSepc() { tf.Sepc += 4 }

// sstatusSPP/sstatusSIE are the two bits process_exec must clear
// before entering user mode: SPP (previous privilege was supervisor)
// and SIE (interrupts were enabled in supervisor mode) — spec.md
// §4.8 "sstatus cleared of SPP and SIE".
const (
	sstatusSPP uint64 = 1 << 8
	sstatusSIE uint64 = 1 << 1
)
