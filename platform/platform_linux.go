//go:build linux

package platform

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SysfsProbe reads firmware facts from a sysfs mount
type SysfsProbe struct {
	root string
}

// NewSysfsProbe reads from root instead of /sys
func NewSysfsProbe(root string) SysfsProbe {
	return SysfsProbe{root: root}
}

// Default returns the probe for this host
func Default() Probe {
	return NewSysfsProbe("/sys")
}

// IsEFIMode reports whether the kernel was booted through UEFI, which the
// kernel signals by exposing firmware/efi
func (p SysfsProbe) IsEFIMode() bool {
	fi, err := os.Stat(filepath.Join(p.root, "firmware", "efi"))
	return err == nil && fi.IsDir()
}

// kernelVersion returns the release string from uname(2)
func kernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
