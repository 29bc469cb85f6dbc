//go:build unix

package vm

import "golang.org/x/sys/unix"

func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapArena(b []byte) error {
	return unix.Munmap(b)
}
