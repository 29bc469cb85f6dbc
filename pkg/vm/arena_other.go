//go:build !unix && !windows

package vm

// Only the interpreter runs here, so ordinary heap memory will do.
func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(b []byte) error {
	return nil
}
