//go:build linux || darwin

package execmem

import "golang.org/x/sys/unix"

// mapRegion allocates anonymous memory with RWX permissions.
func mapRegion(size int) ([]byte, error) {
	size = roundPage(size)
	return unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
}

func unmapRegion(b []byte) error {
	return unix.Munmap(b)
}

func roundPage(size int) int {
	page := unix.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}
