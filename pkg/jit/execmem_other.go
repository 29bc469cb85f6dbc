//go:build !unix && !windows

package jit

import "mplx/pkg/errors"

func mapExecutable(size int) ([]byte, error) {
	return nil, errors.ErrUnsupported
}

func unmapExecutable(b []byte) error {
	return nil
}
