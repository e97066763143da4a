//go:build !linux && !darwin

package execmem

const pageSize = 4096

// mapRegion falls back to ordinary heap memory. Code placed here can be
// linked, patched and interpreted, but not run on the host CPU.
func mapRegion(size int) ([]byte, error) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	return make([]byte, size), nil
}

func unmapRegion([]byte) error {
	return nil
}
