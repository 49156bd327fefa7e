package vstbridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Architecture tags a plugin image as 32-bit or 64-bit. It selects which
// bridge host executable gets spawned, since a 64-bit process cannot host
// a 32-bit image or the other way around.
type Architecture int

const (
	Arch32 Architecture = iota
	Arch64
)

func (a Architecture) String() string {
	if a == Arch32 {
		return "32"
	}
	return "64"
}

// PE machine types, per the PE format specification.
const (
	peMachineI386    = 0x014c
	peMachineAMD64   = 0x8664
	peMachineUnknown = 0x0000
)

// DetectArchitecture reads the image's binary header and reports whether
// it is a 32-bit or 64-bit image. PE images are probed through the
// signature offset stored at 0x3c; ELF images through the identification
// class byte.
func DetectArchitecture(path string) (Architecture, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadArchitecture, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}

	switch {
	case magic[0] == 'M' && magic[1] == 'Z':
		return detectPE(f, path)
	case magic[0] == 0x7f && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F':
		return detectELF(f, path)
	}
	return 0, fmt.Errorf("%w: %q is neither a PE nor an ELF image", ErrBadArchitecture, path)
}

// detectPE follows the pointer at offset 0x3c (the end of the DOS stub) to
// the PE signature and reads the machine type that follows it.
func detectPE(f *os.File, path string) (Architecture, error) {
	var sigOffset uint32
	if _, err := f.Seek(0x3c, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}
	if err := binary.Read(f, binary.LittleEndian, &sigOffset); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}

	var header struct {
		Signature [4]byte
		Machine   uint16
	}
	if _, err := f.Seek(int64(sigOffset), io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}

	if header.Signature != [4]byte{'P', 'E', 0, 0} {
		return 0, fmt.Errorf("%w: %q has no PE signature", ErrBadArchitecture, path)
	}

	switch header.Machine {
	case peMachineI386:
		return Arch32, nil
	case peMachineAMD64, peMachineUnknown:
		return Arch64, nil
	}
	return 0, fmt.Errorf("%w: %q: machine type 0x%04x", ErrBadArchitecture, path, header.Machine)
}

// detectELF reads the class byte of the ELF identification block, which
// directly encodes the word size.
func detectELF(f *os.File, path string) (Architecture, error) {
	var class [1]byte
	if _, err := f.ReadAt(class[:], 4); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadArchitecture, path, err)
	}
	switch class[0] {
	case 1:
		return Arch32, nil
	case 2:
		return Arch64, nil
	}
	return 0, fmt.Errorf("%w: %q: ELF class %d", ErrBadArchitecture, path, class[0])
}
