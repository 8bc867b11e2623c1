// Package arch maps user-facing CPU architecture tokens to the QEMU system
// emulator binaries that boot EDK-II firmware for them.
package arch

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	ErrUnsupportedArchitecture     = errors.New("unsupported architecture")
	ErrUnsupportedHostArchitecture = errors.New("unsupported host architecture")
)

type Architecture int

const (
	X8632 Architecture = iota + 1 // i386/i686
	X8664
	AArch64
	RISCV32
	RISCV64
	PowerPC32
	PowerPC64
)

var tokens = map[string]Architecture{
	"i386":    X8632,
	"i686":    X8632,
	"x86_64":  X8664,
	"amd64":   X8664,
	"aarch64": AArch64,
	"riscv32": RISCV32,
	"riscv64": RISCV64,
	"ppc":     PowerPC32,
	"ppc64":   PowerPC64,
}

var binaries = map[Architecture]string{
	X8632:     "qemu-system-i386",
	X8664:     "qemu-system-x86_64",
	AArch64:   "qemu-system-aarch64",
	RISCV32:   "qemu-system-riscv32",
	RISCV64:   "qemu-system-riscv64",
	PowerPC32: "qemu-system-ppc",
	PowerPC64: "qemu-system-ppc64",
}

var names = map[Architecture]string{
	X8632:     "i386",
	X8664:     "x86_64",
	AArch64:   "aarch64",
	RISCV32:   "riscv32",
	RISCV64:   "riscv64",
	PowerPC32: "ppc",
	PowerPC64: "ppc64",
}

// Resolve returns the architecture for a user-supplied token. The token set
// matches what EDK-II can be built for.
func Resolve(token string) (Architecture, error) {
	architecture, ok := tokens[token]
	if !ok {
		return 0, errors.Join(ErrUnsupportedArchitecture, fmt.Errorf("unknown token %q", token))
	}

	return architecture, nil
}

// DetectHost maps the running process' architecture. It is meant to be called
// once at startup, with the result passed into every component that needs it.
func DetectHost() (Architecture, error) {
	switch runtime.GOARCH {
	case "386":
		return X8632, nil
	case "amd64":
		return X8664, nil
	case "arm64":
		return AArch64, nil
	case "riscv64":
		return RISCV64, nil
	case "ppc64", "ppc64le":
		return PowerPC64, nil
	default:
		return 0, errors.Join(ErrUnsupportedHostArchitecture, fmt.Errorf("host is %q", runtime.GOARCH))
	}
}

// QemuBinary returns the name of the QEMU system emulator for the
// architecture. The binary still needs to be resolved against PATH.
func (a Architecture) QemuBinary() string {
	return binaries[a]
}

func (a Architecture) String() string {
	name, ok := names[a]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(a))
	}

	return name
}
