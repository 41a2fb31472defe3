package hook

/*
// Real thread-local storage, not a Go-level approximation: a detour can
// run on any OS thread the host process owns, including ones Go's
// scheduler knows nothing about, so the guard has to live in C's
// _Thread_local rather than anything keyed by goroutine id.
static _Thread_local int driftpod_guard_depth = 0;

static int driftpod_guard_enter(void) {
	return driftpod_guard_depth++;
}

static void driftpod_guard_exit(void) {
	driftpod_guard_depth--;
}

static int driftpod_guard_held(void) {
	return driftpod_guard_depth > 0;
}
*/
import "C"

// GuardHeld reports whether the calling OS thread is already inside a
// detour that is itself calling into libc (spec §4.1). A detour that may
// recurse must check this and bypass straight to the original
// implementation when it is true.
func GuardHeld() bool {
	return C.driftpod_guard_held() != 0
}

// Enter marks the calling thread as inside a detour; Exit must be called
// via defer to balance it. Re-entrant: nested Enter/Exit pairs on the
// same thread compose correctly via the depth counter.
func Enter() {
	C.driftpod_guard_enter()
}

func Exit() {
	C.driftpod_guard_exit()
}

// Guarded runs fn with the reentrancy guard held, returning true if fn
// ran or false if the guard was already held (caller should bypass to the
// original implementation instead in that case).
func Guarded(fn func()) bool {
	if GuardHeld() {
		return false
	}
	Enter()
	defer Exit()
	fn()
	return true
}
