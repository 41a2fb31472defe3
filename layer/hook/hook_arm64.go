//go:build arm64

package hook

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// prologueLen covers "ldr x16, #8; br x16; <8-byte address>" (16 bytes).
const prologueLen = 16
const pageSize = 4096

func pageStart(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

func mprotectRange(addr uintptr, length int, prot int) error {
	start := pageStart(addr)
	end := pageStart(addr+uintptr(length)-1) + pageSize
	size := int(end - start)
	ptr := (*[1 << 30]byte)(unsafe.Pointer(start))
	return unix.Mprotect(ptr[:size:size], prot)
}

func archPatch(target, detour unsafe.Pointer) (unsafe.Pointer, error) {
	targetAddr := uintptr(target)

	original := make([]byte, prologueLen)
	src := (*[prologueLen]byte)(unsafe.Pointer(targetAddr))
	copy(original, src[:])

	tramp, err := allocExecPage()
	if err != nil {
		return nil, fmt.Errorf("alloc trampoline: %w", err)
	}

	buf := make([]byte, 0, prologueLen*2)
	buf = append(buf, original...)
	buf = append(buf, jumpTo(targetAddr+prologueLen)...)

	dst := (*[1 << 16]byte)(tramp)
	copy(dst[:len(buf)], buf)
	if err := mprotectRange(uintptr(tramp), len(buf), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("protect trampoline: %w", err)
	}

	if err := mprotectRange(targetAddr, prologueLen, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("unprotect target: %w", err)
	}
	jump := jumpTo(uintptr(detour))
	dstTarget := (*[prologueLen]byte)(unsafe.Pointer(targetAddr))
	copy(dstTarget[:], jump)
	if err := mprotectRange(targetAddr, prologueLen, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("reprotect target: %w", err)
	}

	return tramp, nil
}

// jumpTo encodes "ldr x16, #8; br x16; <addr>": the indirection avoids
// arm64's 26-bit relative-branch range limit, trading two instructions
// plus an 8-byte literal for an unconditional absolute jump.
func jumpTo(addr uintptr) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], 0x58000050) // ldr x16, #8
	binary.LittleEndian.PutUint32(b[4:8], 0xD61F0200) // br x16
	binary.LittleEndian.PutUint64(b[8:16], uint64(addr))
	return b
}

func allocExecPage() (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, pageSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&data[0]), nil
}
