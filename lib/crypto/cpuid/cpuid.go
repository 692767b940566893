// Package cpuid exposes the single CPU feature the authenticator cares
// about: whether AES instructions are available, which decides if the
// client advertises AES-256-GCM alongside ChaCha20-Poly1305.
package cpuid

import "golang.org/x/sys/cpu"

// HasAESNI reports whether the running CPU has hardware AES acceleration.
// ChaCha20-Poly1305 is fast in pure software, so clients without AES-NI
// only advertise it; AES-256-GCM without hardware support is slow enough
// that the original implementation refuses to offer it.
func HasAESNI() bool {
	switch {
	case cpu.X86.HasAES:
		return true
	case cpu.ARM64.HasAES:
		return true
	default:
		return false
	}
}
