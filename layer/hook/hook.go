// Package hook is the inline-hooking engine spec §4.1 describes: it
// replaces the prologue of a named dynamic symbol with a jump to a
// supplied detour and hands back a trampoline that still reaches the
// original implementation. Writing executable machine code over a
// libc symbol's own text page has no pure-Go equivalent, so the dlsym
// lookup and mprotect calls are cgo, bridged in the same thin
// Go<->C style as the teacher's vmgr/vzf/vzf_c.go package (a Go struct
// wrapping a C handle, errors surfaced as plain Go errors rather than a
// custom cgo error type).
package hook

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

static void *hook_dlsym(const char *name) {
	return dlsym(RTLD_DEFAULT, name);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// ErrSymbolNotFound is returned when the named symbol is absent from the
// process image.
type ErrSymbolNotFound struct{ Symbol string }

func (e *ErrSymbolNotFound) Error() string { return fmt.Sprintf("hook: symbol not found: %s", e.Symbol) }

// ErrPatchFailed is returned when the target page could not be made
// writable (mprotect failure, or the symbol resolves into a read-only
// mapping the process has no permission to alter).
type ErrPatchFailed struct {
	Symbol string
	Err    error
}

func (e *ErrPatchFailed) Error() string {
	return fmt.Sprintf("hook: patch %s failed: %v", e.Symbol, e.Err)
}
func (e *ErrPatchFailed) Unwrap() error { return e.Err }

// patch is implemented per-architecture (hook_amd64.go, hook_arm64.go):
// it overwrites target's prologue with a jump to detour and returns a
// freshly allocated executable trampoline that runs the original
// instructions before jumping back past the patched region.
type patch func(target, detour unsafe.Pointer) (trampoline unsafe.Pointer, err error)

var patchFn patch = archPatch

// Manager installs and tracks detours over dynamic symbols. Replace is
// idempotent per symbol: a second call for the same symbol returns the
// first trampoline without patching again (spec §4.1).
type Manager struct {
	mu          sync.Mutex
	trampolines map[string]unsafe.Pointer
}

func NewManager() *Manager {
	return &Manager{trampolines: make(map[string]unsafe.Pointer)}
}

// Replace patches symbol's prologue to jump into detour, returning a
// trampoline function pointer the caller casts back to the original
// C signature to invoke the unmodified implementation.
func (m *Manager) Replace(symbol string, detour unsafe.Pointer) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trampolines[symbol]; ok {
		return t, nil
	}

	cname := C.CString(symbol)
	defer C.free(unsafe.Pointer(cname))

	target := C.hook_dlsym(cname)
	if target == nil {
		return nil, &ErrSymbolNotFound{Symbol: symbol}
	}

	trampoline, err := patchFn(unsafe.Pointer(target), detour)
	if err != nil {
		return nil, &ErrPatchFailed{Symbol: symbol, Err: err}
	}

	m.trampolines[symbol] = trampoline
	return trampoline, nil
}

// Installed reports whether symbol already has a detour installed.
func (m *Manager) Installed(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trampolines[symbol]
	return ok
}
