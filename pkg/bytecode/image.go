package bytecode

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mplx/pkg/serializer"

	"golang.org/x/crypto/blake2b"
)

const (
	imageMagic   = "MPLX"
	imageVersion = 1
)

type imageFunction struct {
	Name   string
	Entry  serializer.Natural
	Arity  uint8
	Locals uint16
}

type image struct {
	Version   uint8
	Consts    []int64
	Functions []imageFunction
	Code      []byte
}

// Encode returns the binary image of m.
func Encode(m *Module) []byte {
	img := image{
		Version: imageVersion,
		Consts:  m.Consts,
		Code:    m.Code,
	}
	for _, fn := range m.Functions {
		img.Functions = append(img.Functions, imageFunction{
			Name:   fn.Name,
			Entry:  serializer.Natural(fn.Entry),
			Arity:  fn.Arity,
			Locals: fn.Locals,
		})
	}
	return append([]byte(imageMagic), serializer.Serialize(&img)...)
}

// DecodeImage parses and validates a binary image.
func DecodeImage(data []byte) (*Module, error) {
	if !bytes.HasPrefix(data, []byte(imageMagic)) {
		return nil, fmt.Errorf("not a module image: bad magic")
	}
	var img image
	if err := serializer.Deserialize(data[len(imageMagic):], &img); err != nil {
		return nil, fmt.Errorf("decode module image: %w", err)
	}
	if img.Version != imageVersion {
		return nil, fmt.Errorf("unsupported module image version %d", img.Version)
	}

	m := &Module{Code: img.Code, Consts: img.Consts}
	for _, fn := range img.Functions {
		if uint64(fn.Entry) > uint64(^uint32(0)) {
			return nil, fmt.Errorf("function %q entry %d overflows", fn.Name, fn.Entry)
		}
		m.Functions = append(m.Functions, Function{
			Name:   fn.Name,
			Entry:  uint32(fn.Entry),
			Arity:  fn.Arity,
			Locals: fn.Locals,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid module image: %w", err)
	}
	return m, nil
}

// Hash identifies a module by the BLAKE2b-256 of its image.
func Hash(m *Module) [32]byte {
	return blake2b.Sum256(Encode(m))
}

// LoadFile reads a module from path: text form for .masm, image otherwise.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".masm") {
		m, err := Assemble(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	m, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
