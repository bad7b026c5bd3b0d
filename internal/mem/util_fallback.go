//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

// Platforms without mlockall still get enclave-level protection for key
// material, but swapped pages cannot be prevented.

func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
