//go:build amd64

package hook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// prologueLen is the number of bytes archPatch overwrites at the target's
// entry point: "movabs rax, imm64; jmp rax" (10 + 2 bytes). It must be
// saved in full before being clobbered so the trampoline can replay it.
const prologueLen = 12

// pageSize is assumed rather than queried; every Linux/amd64 target this
// layer supports uses 4 KiB pages.
const pageSize = 4096

func pageStart(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

func mprotectRange(addr uintptr, length int, prot int) error {
	start := pageStart(addr)
	end := pageStart(addr+uintptr(length)-1) + pageSize
	size := int(end - start)

	var slice []byte
	ptr := (*[1 << 30]byte)(unsafe.Pointer(start))
	slice = ptr[:size:size]
	return unix.Mprotect(slice, prot)
}

// archPatch overwrites target's first prologueLen bytes with an absolute
// jump to detour, and returns a trampoline: a freshly mmap'd RWX page
// containing the saved original bytes followed by a jump back to
// target+prologueLen, so callers of the trampoline still run the
// original instructions before resuming past the patched region.
func archPatch(target, detour unsafe.Pointer) (unsafe.Pointer, error) {
	targetAddr := uintptr(target)

	original := make([]byte, prologueLen)
	src := (*[prologueLen]byte)(unsafe.Pointer(targetAddr))
	copy(original, src[:])

	tramp, err := allocExecPage()
	if err != nil {
		return nil, fmt.Errorf("alloc trampoline: %w", err)
	}

	buf := make([]byte, 0, prologueLen+prologueLen)
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

// jumpTo encodes "movabs rax, imm64; jmp rax" targeting addr.
func jumpTo(addr uintptr) []byte {
	b := make([]byte, 12)
	b[0] = 0x48
	b[1] = 0xB8
	for i := 0; i < 8; i++ {
		b[2+i] = byte(addr >> (8 * i))
	}
	b[10] = 0xFF
	b[11] = 0xE0
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
