//go:build !linux

package platform

// Default returns the probe for this host
func Default() Probe {
	return Static(false)
}

func kernelVersion() string {
	return ""
}
