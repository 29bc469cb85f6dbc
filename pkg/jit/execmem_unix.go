//go:build unix

package jit

import "golang.org/x/sys/unix"

func mapExecutable(size int) ([]byte, error) {
	return unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
}

func unmapExecutable(b []byte) error {
	return unix.Munmap(b)
}
