package ksyscall

import (
	"sync"

	"github.com/hakyung4/operating-system/defs"
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
)

// devKey identifies one device instance by major/minor pair, reusing
// defs/device.go's device-numbering scheme rather than inventing a
// parallel one.
type devKey struct {
	major int
	minor int
}

var (
	devMu    sync.Mutex
	devNames = map[string]int{
		"console": defs.D_CONSOLE,
		"null":    defs.D_DEVNULL,
		"rawdisk": defs.D_RAWDISK,
		"stat":    defs.D_STAT,
	}
	devs = map[devKey]kio.IO_i{}
)

// RegisterDevice installs io as the backing endpoint for name/instno,
// the devopen syscall's namespace (spec.md §4.9 devopen(fd, name,
// instno)). Kernel boot code calls this once per device it brings up;
// there is no hotplug in this kernel.
func RegisterDevice(name string, instno int, io kio.IO_i) kerrno.Err_t {
	devMu.Lock()
	defer devMu.Unlock()
	maj, ok := devNames[name]
	if !ok {
		return kerrno.ENOENT
	}
	devs[devKey{maj, instno}] = io
	return 0
}

// openDevice resolves name/instno to its registered IO_i. Unlike
// fsopen, a device endpoint is shared directly rather than duplicated
// per open: this kernel's device set (console, null, etc.) has no
// per-descriptor state worth isolating, a deliberate simplification
// over biscuit's per-open device instances.
func openDevice(name string, instno int) (kio.IO_i, kerrno.Err_t) {
	devMu.Lock()
	defer devMu.Unlock()
	maj, ok := devNames[name]
	if !ok {
		return nil, kerrno.ENOENT
	}
	io, ok := devs[devKey{maj, instno}]
	if !ok {
		return nil, kerrno.ENOENT
	}
	return io, 0
}
