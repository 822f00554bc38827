//go:build !linux

package produce

// IsHardwareAccelAvailable reports whether the VA-API device opened.
// VA-API is Linux only.
func IsHardwareAccelAvailable() bool { return false }

// defaultHardwareFilter is the hardware FilterFactory used when none is injected.
var defaultHardwareFilter FilterFactory
