// Package kerrno defines the stable integer error codes that cross the
// syscall boundary, mirroring the way biscuit's defs package gives every
// kernel error a fixed numeric identity (defs.Err_t).
package kerrno

// Err_t is a kernel error code. Zero means success; the kinds below are
// positive values, and Code gives their negative syscall-visible form. I/O operations return a byte count as a plain
// int and a separate Err_t, the same two-value convention the teacher
// uses throughout fs and vm.
type Err_t int

// Stable error kinds (spec.md §7). Numbering is internal to this
// kernel; nothing outside it depends on particular values.
const (
	EINVAL       Err_t = 1 + iota /// Invalid: malformed argument or address
	ENOMEM                        /// NoMemory: allocation failed
	ENOTSUP                       /// NotSupported: unimplemented operation
	EEXIST                        /// BusyOrExists: name taken / resource busy
	EBADF                         /// BadDescriptor: descriptor out of range or unused
	EMFILE                        /// TooManyOpen: descriptor table full
	ENOENT                        /// NotFound: name does not exist
	EIO                           /// IoError: underlying device failure
	EACCES                        /// AccessDenied: permission check failed
	EPIPE                         /// BrokenPipe: write end has no reader
	EBADFORMAT                    /// BadFormat: malformed on-disk or ELF structure
	EAGAINTHR                     /// TooManyThreads: thread table full
)

var names = map[Err_t]string{
	EINVAL:     "invalid argument",
	ENOMEM:     "out of memory",
	ENOTSUP:    "not supported",
	EEXIST:     "busy or exists",
	EBADF:      "bad descriptor",
	EMFILE:     "too many open descriptors",
	ENOENT:     "not found",
	EIO:        "i/o error",
	EACCES:     "access denied",
	EPIPE:      "broken pipe",
	EBADFORMAT: "bad format",
	EAGAINTHR:  "too many threads",
}

// Error implements the error interface so an Err_t can be returned
// wherever idiomatic Go code expects one (e.g. wrapped by pkg/errors
// at an internal boundary before being mapped back to a raw code).
func (e Err_t) Error() string {
	if e == 0 {
		return "success"
	}
	neg := e
	if neg < 0 {
		neg = -neg
	}
	if s, ok := names[neg]; ok {
		return s
	}
	return "unknown kernel error"
}

// Code returns the raw negative syscall-visible value for e, matching
// the convention that "a7" return values are negative on error.
func (e Err_t) Code() int {
	if e <= 0 {
		return int(e)
	}
	return -int(e)
}
