// Command driftpod-layer builds the interception layer as a shared
// library (-buildmode=c-shared, spec §1/§4.1: "loaded into the target
// process via LD_PRELOAD"). Like the teacher's vmgr/cgostub, this is a
// stub main package: cgo requires buildmode=c-shared to come from a
// `main` package, but nothing here ever calls main() itself. The actual
// constructor wiring is the cgo preamble below, not Go's main.
package main

/*
#cgo LDFLAGS: -ldl

extern void driftpod_init(void);

// Runs once when the dynamic loader maps this library into the target
// process, before the target's own main() (spec §4.1). Priority 200
// (lower than the Go runtime's own constructor, which the linker always
// places earliest) so the Go scheduler and GC are already live before
// driftpod_init touches anything.
__attribute__((constructor(200)))
static void driftpod_ctor(void) {
	driftpod_init();
}
*/
import "C"

// import the real implementation as a library, the same split the
// teacher's mainfunc/vmgr.Main() uses: a stub main package, real logic
// elsewhere.
import _ "github.com/driftpod/driftpod/layer"

func main() {}
