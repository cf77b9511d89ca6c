// Package platform answers questions about the host the agent runs on.
//
// Probe is the narrow interface the rest of the agent depends on. On Linux
// Default reads /sys; elsewhere it reports a legacy BIOS host. Missing or
// unreadable files produce zero values rather than errors.
package platform

import (
	"os"
	"runtime"
)

// Probe reports host firmware facts
type Probe interface {
	IsEFIMode() bool
}

// Static is a Probe with a fixed answer
type Static bool

// IsEFIMode returns the fixed answer
func (s Static) IsEFIMode() bool {
	return bool(s)
}

// Info describes the host for metadata requests
type Info struct {
	Hostname string
	OS       string
	Arch     string
	Kernel   string
	EFI      bool
}

// Describe collects host information using p for firmware facts. A nil p
// reports no EFI.
func Describe(p Probe) Info {
	info := Info{
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
		Kernel: kernelVersion(),
	}
	info.Hostname, _ = os.Hostname()
	if p != nil {
		info.EFI = p.IsEFIMode()
	}
	return info
}
