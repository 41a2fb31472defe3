// This file is the thin cgo boundary spec §4.1 describes: libc-visible
// C entry points that marshal arguments into the pure-Go methods on
// *Layer (hooks_file.go, hooks_socket.go) and marshal results back.
// Built as -buildmode=c-shared via cmd/driftpod-layer, following the
// teacher's own cgo-boundary-file convention (vmgr/vzf/vzf_c.go): one
// file holding every //export symbol, everything else in ordinary Go.
package layer

/*
#include <stdlib.h>
#include <string.h>
#include <sys/types.h>
#include <sys/stat.h>
#include <sys/vfs.h>
#include <sys/socket.h>
#include <netinet/in.h>
#include <arpa/inet.h>
#include <dirent.h>
#include <netdb.h>

typedef void *(*fopen_fn)(const char *path, const char *mode);
typedef void *(*fdopen_fn)(int fd, const char *mode);
typedef unsigned long (*fread_fn)(void *ptr, unsigned long size, unsigned long nmemb, void *stream);
typedef int (*fileno_fn)(void *stream);

static void *call_fopen(void *f, const char *path, const char *mode) {
	return ((fopen_fn)f)(path, mode);
}
static void *call_fdopen(void *f, int fd, const char *mode) {
	return ((fdopen_fn)f)(fd, mode);
}
static unsigned long call_fread(void *f, void *ptr, unsigned long size, unsigned long nmemb, void *stream) {
	return ((fread_fn)f)(ptr, size, nmemb, stream);
}
static int call_fileno(void *f, void *stream) {
	return ((fileno_fn)f)(stream);
}

typedef int (*open_fn)(const char *path, int flags, int mode);
typedef int (*openat_fn)(int dirfd, const char *path, int flags, int mode);
typedef long (*read_fn)(int fd, void *buf, unsigned long count);
typedef long (*write_fn)(int fd, const void *buf, unsigned long count);
typedef long (*lseek_fn)(int fd, long offset, int whence);
typedef int (*close_fn)(int fd);

static int call_open(void *f, const char *path, int flags, int mode) {
	return ((open_fn)f)(path, flags, mode);
}
static int call_openat(void *f, int dirfd, const char *path, int flags, int mode) {
	return ((openat_fn)f)(dirfd, path, flags, mode);
}
static long call_read(void *f, int fd, void *buf, unsigned long count) {
	return ((read_fn)f)(fd, buf, count);
}
static long call_write(void *f, int fd, const void *buf, unsigned long count) {
	return ((write_fn)f)(fd, buf, count);
}
static long call_lseek(void *f, int fd, long offset, int whence) {
	return ((lseek_fn)f)(fd, offset, whence);
}
static int call_close(void *f, int fd) {
	return ((close_fn)f)(fd);
}

// Directory/path operations (spec §4.2).

typedef int (*mkdir_fn)(const char *path, mode_t mode);
typedef int (*mkdirat_fn)(int dirfd, const char *path, mode_t mode);
typedef int (*rmdir_fn)(const char *path);
typedef int (*unlink_fn)(const char *path);
typedef int (*unlinkat_fn)(int dirfd, const char *path, int flags);
typedef int (*stat_fn)(const char *path, struct stat *buf);
typedef int (*statfs_fn)(const char *path, struct statfs *buf);
typedef int (*access_fn)(const char *path, int mode);
typedef long (*readlink_fn)(const char *path, char *buf, unsigned long bufsiz);
typedef void *(*fdopendir_fn)(int fd);
typedef struct dirent *(*readdir_fn)(void *dirp);
typedef long (*getdents64_fn)(int fd, void *dirp, unsigned long count);

static int call_mkdir(void *f, const char *path, mode_t mode) {
	return ((mkdir_fn)f)(path, mode);
}
static int call_mkdirat(void *f, int dirfd, const char *path, mode_t mode) {
	return ((mkdirat_fn)f)(dirfd, path, mode);
}
static int call_rmdir(void *f, const char *path) {
	return ((rmdir_fn)f)(path);
}
static int call_unlink(void *f, const char *path) {
	return ((unlink_fn)f)(path);
}
static int call_unlinkat(void *f, int dirfd, const char *path, int flags) {
	return ((unlinkat_fn)f)(dirfd, path, flags);
}
static int call_stat(void *f, const char *path, struct stat *buf) {
	return ((stat_fn)f)(path, buf);
}
static int call_statfs(void *f, const char *path, struct statfs *buf) {
	return ((statfs_fn)f)(path, buf);
}
static int call_access(void *f, const char *path, int mode) {
	return ((access_fn)f)(path, mode);
}
static long call_readlink(void *f, const char *path, char *buf, unsigned long bufsiz) {
	return ((readlink_fn)f)(path, buf, bufsiz);
}
static void *call_fdopendir(void *f, int fd) {
	return ((fdopendir_fn)f)(fd);
}
static struct dirent *call_readdir(void *f, void *dirp) {
	return ((readdir_fn)f)(dirp);
}
static long call_getdents64(void *f, int fd, void *dirp, unsigned long count) {
	return ((getdents64_fn)f)(fd, dirp, count);
}

// Socket operations (spec §4.3). Rather than pass raw struct sockaddr
// pointers of varying length across the cgo boundary, driftpod_sockaddr_t
// is a fixed-shape carrier the Go side can read/write as plain fields;
// driftpod_parse_sockaddr/driftpod_fill_sockaddr do the narrow AF_INET/
// AF_INET6 translation in C, where struct layout belongs.

typedef struct {
	int family;
	int port;
	unsigned char addr[16];
} driftpod_sockaddr_t;

static void driftpod_parse_sockaddr(const struct sockaddr *sa, driftpod_sockaddr_t *out) {
	memset(out, 0, sizeof(*out));
	if (sa == NULL) {
		return;
	}
	if (sa->sa_family == AF_INET) {
		const struct sockaddr_in *sin = (const struct sockaddr_in *)sa;
		out->family = AF_INET;
		out->port = ntohs(sin->sin_port);
		memcpy(out->addr, &sin->sin_addr, 4);
	} else if (sa->sa_family == AF_INET6) {
		const struct sockaddr_in6 *sin6 = (const struct sockaddr_in6 *)sa;
		out->family = AF_INET6;
		out->port = ntohs(sin6->sin6_port);
		memcpy(out->addr, &sin6->sin6_addr, 16);
	}
}

static socklen_t driftpod_fill_sockaddr(struct sockaddr_storage *ss, int family, int port, const unsigned char *addr) {
	memset(ss, 0, sizeof(*ss));
	if (family == AF_INET6) {
		struct sockaddr_in6 *sin6 = (struct sockaddr_in6 *)ss;
		sin6->sin6_family = AF_INET6;
		sin6->sin6_port = htons((unsigned short)port);
		memcpy(&sin6->sin6_addr, addr, 16);
		return (socklen_t)sizeof(*sin6);
	}
	struct sockaddr_in *sin = (struct sockaddr_in *)ss;
	sin->sin_family = AF_INET;
	sin->sin_port = htons((unsigned short)port);
	memcpy(&sin->sin_addr, addr, 4);
	return (socklen_t)sizeof(*sin);
}

typedef int (*socket_fn)(int domain, int type, int protocol);
typedef int (*bind_fn)(int fd, const struct sockaddr *addr, socklen_t addrlen);
typedef int (*listen_fn)(int fd, int backlog);
typedef int (*accept_fn)(int fd, struct sockaddr *addr, socklen_t *addrlen);
typedef int (*accept4_fn)(int fd, struct sockaddr *addr, socklen_t *addrlen, int flags);
typedef int (*connect_fn)(int fd, const struct sockaddr *addr, socklen_t addrlen);
typedef int (*getsockname_fn)(int fd, struct sockaddr *addr, socklen_t *addrlen);
typedef int (*getpeername_fn)(int fd, struct sockaddr *addr, socklen_t *addrlen);
typedef int (*dup_fn)(int oldfd);
typedef int (*dup2_fn)(int oldfd, int newfd);
typedef int (*dup3_fn)(int oldfd, int newfd, int flags);
typedef int (*getaddrinfo_fn)(const char *node, const char *service, const struct addrinfo *hints, struct addrinfo **res);
typedef void (*freeaddrinfo_fn)(struct addrinfo *res);

static int call_socket(void *f, int domain, int type, int protocol) {
	return ((socket_fn)f)(domain, type, protocol);
}
static int call_bind(void *f, int fd, const struct sockaddr *addr, socklen_t addrlen) {
	return ((bind_fn)f)(fd, addr, addrlen);
}
static int call_listen(void *f, int fd, int backlog) {
	return ((listen_fn)f)(fd, backlog);
}
static int call_accept(void *f, int fd, struct sockaddr *addr, socklen_t *addrlen) {
	return ((accept_fn)f)(fd, addr, addrlen);
}
static int call_accept4(void *f, int fd, struct sockaddr *addr, socklen_t *addrlen, int flags) {
	return ((accept4_fn)f)(fd, addr, addrlen, flags);
}
static int call_connect(void *f, int fd, const struct sockaddr *addr, socklen_t addrlen) {
	return ((connect_fn)f)(fd, addr, addrlen);
}
static int call_getsockname(void *f, int fd, struct sockaddr *addr, socklen_t *addrlen) {
	return ((getsockname_fn)f)(fd, addr, addrlen);
}
static int call_getpeername(void *f, int fd, struct sockaddr *addr, socklen_t *addrlen) {
	return ((getpeername_fn)f)(fd, addr, addrlen);
}
static int call_dup(void *f, int oldfd) {
	return ((dup_fn)f)(oldfd);
}
static int call_dup2(void *f, int oldfd, int newfd) {
	return ((dup2_fn)f)(oldfd, newfd);
}
static int call_dup3(void *f, int oldfd, int newfd, int flags) {
	return ((dup3_fn)f)(oldfd, newfd, flags);
}
static int call_getaddrinfo(void *f, const char *node, const char *service, const struct addrinfo *hints, struct addrinfo **res) {
	return ((getaddrinfo_fn)f)(node, service, hints, res);
}
static void call_freeaddrinfo(void *f, struct addrinfo *res) {
	((freeaddrinfo_fn)f)(res);
}

// The detour entry points below are defined by cgo's export machinery
// (_cgo_export.c); Go code cannot take a C function's address directly,
// so each gets a static pointer variable the install loop reads instead.

extern void *driftpod_fopen(char *path, char *mode);
extern void *driftpod_fdopen(int fd, char *mode);
extern unsigned long driftpod_fread(void *ptr, unsigned long size, unsigned long nmemb, void *stream);
extern int driftpod_fileno(void *stream);
extern int driftpod_open(char *path, int flags, int mode);
extern int driftpod_openat(int dirfd, char *path, int flags, int mode);
extern long driftpod_read(int fd, void *buf, unsigned long count);
extern long driftpod_write(int fd, void *buf, unsigned long count);
extern long driftpod_lseek(int fd, long offset, int whence);
extern int driftpod_close(int fd);
extern int driftpod_mkdir(char *path, mode_t mode);
extern int driftpod_mkdirat(int dirfd, char *path, mode_t mode);
extern int driftpod_rmdir(char *path);
extern int driftpod_unlink(char *path);
extern int driftpod_unlinkat(int dirfd, char *path, int flags);
extern int driftpod_stat(char *path, struct stat *buf);
extern int driftpod_statfs(char *path, struct statfs *buf);
extern int driftpod_access(char *path, int mode);
extern long driftpod_readlink(char *path, char *buf, unsigned long bufsiz);
extern void *driftpod_fdopendir(int fd);
extern struct dirent *driftpod_readdir(void *dirp);
extern long driftpod_getdents64(int fd, void *dirp, unsigned long count);
extern int driftpod_socket(int domain, int typ, int proto);
extern int driftpod_bind(int fd, struct sockaddr *addr, socklen_t addrlen);
extern int driftpod_listen(int fd, int backlog);
extern int driftpod_accept(int fd, struct sockaddr *addr, socklen_t *addrlen);
extern int driftpod_accept4(int fd, struct sockaddr *addr, socklen_t *addrlen, int flags);
extern int driftpod_connect(int fd, struct sockaddr *addr, socklen_t addrlen);
extern int driftpod_getsockname(int fd, struct sockaddr *addr, socklen_t *addrlen);
extern int driftpod_getpeername(int fd, struct sockaddr *addr, socklen_t *addrlen);
extern int driftpod_dup(int oldfd);
extern int driftpod_dup2(int oldfd, int newfd);
extern int driftpod_dup3(int oldfd, int newfd, int flags);
extern int driftpod_getaddrinfo(char *node, char *service, struct addrinfo *hints, struct addrinfo **res);
extern void driftpod_freeaddrinfo(struct addrinfo *res);

void *detour_fopen_p = (void *)driftpod_fopen;
void *detour_fdopen_p = (void *)driftpod_fdopen;
void *detour_fread_p = (void *)driftpod_fread;
void *detour_fileno_p = (void *)driftpod_fileno;
void *detour_open_p = (void *)driftpod_open;
void *detour_openat_p = (void *)driftpod_openat;
void *detour_read_p = (void *)driftpod_read;
void *detour_write_p = (void *)driftpod_write;
void *detour_lseek_p = (void *)driftpod_lseek;
void *detour_close_p = (void *)driftpod_close;
void *detour_mkdir_p = (void *)driftpod_mkdir;
void *detour_mkdirat_p = (void *)driftpod_mkdirat;
void *detour_rmdir_p = (void *)driftpod_rmdir;
void *detour_unlink_p = (void *)driftpod_unlink;
void *detour_unlinkat_p = (void *)driftpod_unlinkat;
void *detour_stat_p = (void *)driftpod_stat;
void *detour_statfs_p = (void *)driftpod_statfs;
void *detour_access_p = (void *)driftpod_access;
void *detour_readlink_p = (void *)driftpod_readlink;
void *detour_fdopendir_p = (void *)driftpod_fdopendir;
void *detour_readdir_p = (void *)driftpod_readdir;
void *detour_getdents64_p = (void *)driftpod_getdents64;
void *detour_socket_p = (void *)driftpod_socket;
void *detour_bind_p = (void *)driftpod_bind;
void *detour_listen_p = (void *)driftpod_listen;
void *detour_accept_p = (void *)driftpod_accept;
void *detour_accept4_p = (void *)driftpod_accept4;
void *detour_connect_p = (void *)driftpod_connect;
void *detour_getsockname_p = (void *)driftpod_getsockname;
void *detour_getpeername_p = (void *)driftpod_getpeername;
void *detour_dup_p = (void *)driftpod_dup;
void *detour_dup2_p = (void *)driftpod_dup2;
void *detour_dup3_p = (void *)driftpod_dup3;
void *detour_getaddrinfo_p = (void *)driftpod_getaddrinfo;
void *detour_freeaddrinfo_p = (void *)driftpod_freeaddrinfo;
*/
import "C"

import (
	"net"
	"sync"
	"unsafe"

	"github.com/driftpod/driftpod/layer/hook"
	"github.com/driftpod/driftpod/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// originals holds the trampoline pointer hook.Manager.Replace returns
// for each patched symbol, so a bypassing detour can still reach the
// real libc implementation.
var originals struct {
	open   unsafe.Pointer
	fopen  unsafe.Pointer
	fdopen unsafe.Pointer
	read   unsafe.Pointer
	fread  unsafe.Pointer
	fileno unsafe.Pointer
	write  unsafe.Pointer
	lseek  unsafe.Pointer
	close  unsafe.Pointer

	openat     unsafe.Pointer
	mkdir      unsafe.Pointer
	mkdirat    unsafe.Pointer
	rmdir      unsafe.Pointer
	unlink     unsafe.Pointer
	unlinkat   unsafe.Pointer
	stat       unsafe.Pointer
	statfs     unsafe.Pointer
	access     unsafe.Pointer
	readlink   unsafe.Pointer
	fdopendir  unsafe.Pointer
	readdir    unsafe.Pointer
	getdents64 unsafe.Pointer

	socket       unsafe.Pointer
	bind         unsafe.Pointer
	listen       unsafe.Pointer
	accept       unsafe.Pointer
	accept4      unsafe.Pointer
	connect      unsafe.Pointer
	getsockname  unsafe.Pointer
	getpeername  unsafe.Pointer
	dup          unsafe.Pointer
	dup2         unsafe.Pointer
	dup3         unsafe.Pointer
	getaddrinfo  unsafe.Pointer
	freeaddrinfo unsafe.Pointer
}

// fileSymbols is the file-operations closed set spec §4.2 names.
// "__close" and "uv_fs_close" are aliases some runtimes (glibc
// internals, libuv) call instead of plain close; they share the close
// detour and are simply skipped on targets that don't export them.
var fileSymbols = []string{
	"open", "openat", "fopen", "fdopen", "read", "fread", "fileno",
	"write", "lseek", "close", "__close", "uv_fs_close",
}

// dirSymbols is spec §4.2's directory/path operation set. readdir_batch
// is absent because it isn't a libc symbol at all, just the name the
// paged ReaddirResponse batching goes by internally — both readdir(3)
// and getdents64(2) drain it (hooks_file.go's refillDirPending).
var dirSymbols = []string{
	"mkdir", "mkdirat", "rmdir", "unlink", "unlinkat",
	"stat", "statfs", "access", "readlink",
	"fdopendir", "readdir", "getdents64",
}

// socketSymbols is spec §4.3's socket operation set.
var socketSymbols = []string{
	"socket", "bind", "listen", "accept", "accept4", "connect",
	"getsockname", "getpeername", "dup", "dup2", "dup3",
	"getaddrinfo", "freeaddrinfo",
}

// installDetours patches every symbol in the closed set (spec §4.1,
// §4.2, §4.3). A missing symbol is logged and skipped rather than fatal:
// some targets (e.g. musl libc) don't export every GNU alias, and the
// layer degrades to bypassing that one call rather than refusing to
// load at all.
func (l *Layer) installDetours() error {
	installations := []struct {
		symbol string
		detour unsafe.Pointer
		store  *unsafe.Pointer
	}{
		{"open", C.detour_open_p, &originals.open},
		{"openat", C.detour_openat_p, &originals.openat},
		{"fopen", C.detour_fopen_p, &originals.fopen},
		{"fdopen", C.detour_fdopen_p, &originals.fdopen},
		{"read", C.detour_read_p, &originals.read},
		{"fread", C.detour_fread_p, &originals.fread},
		{"fileno", C.detour_fileno_p, &originals.fileno},
		{"write", C.detour_write_p, &originals.write},
		{"lseek", C.detour_lseek_p, &originals.lseek},
		{"close", C.detour_close_p, &originals.close},

		{"mkdir", C.detour_mkdir_p, &originals.mkdir},
		{"mkdirat", C.detour_mkdirat_p, &originals.mkdirat},
		{"rmdir", C.detour_rmdir_p, &originals.rmdir},
		{"unlink", C.detour_unlink_p, &originals.unlink},
		{"unlinkat", C.detour_unlinkat_p, &originals.unlinkat},
		{"stat", C.detour_stat_p, &originals.stat},
		{"statfs", C.detour_statfs_p, &originals.statfs},
		{"access", C.detour_access_p, &originals.access},
		{"readlink", C.detour_readlink_p, &originals.readlink},
		{"fdopendir", C.detour_fdopendir_p, &originals.fdopendir},
		{"readdir", C.detour_readdir_p, &originals.readdir},
		{"getdents64", C.detour_getdents64_p, &originals.getdents64},

		{"socket", C.detour_socket_p, &originals.socket},
		{"bind", C.detour_bind_p, &originals.bind},
		{"listen", C.detour_listen_p, &originals.listen},
		{"accept", C.detour_accept_p, &originals.accept},
		{"accept4", C.detour_accept4_p, &originals.accept4},
		{"connect", C.detour_connect_p, &originals.connect},
		{"getsockname", C.detour_getsockname_p, &originals.getsockname},
		{"getpeername", C.detour_getpeername_p, &originals.getpeername},
		{"dup", C.detour_dup_p, &originals.dup},
		{"dup2", C.detour_dup2_p, &originals.dup2},
		{"dup3", C.detour_dup3_p, &originals.dup3},
		{"getaddrinfo", C.detour_getaddrinfo_p, &originals.getaddrinfo},
		{"freeaddrinfo", C.detour_freeaddrinfo_p, &originals.freeaddrinfo},
	}

	for _, inst := range installations {
		tramp, err := l.Hooks.Replace(inst.symbol, inst.detour)
		if err != nil {
			logrus.WithField("symbol", inst.symbol).WithError(err).Warn("layer: failed to install detour")
			continue
		}
		*inst.store = tramp
	}

	// close aliases share the close detour; their trampolines aren't
	// kept because the detour always bypasses through originals.close.
	for _, alias := range []string{"__close", "uv_fs_close"} {
		if _, err := l.Hooks.Replace(alias, C.detour_close_p); err != nil {
			logrus.WithField("symbol", alias).WithError(err).Debug("layer: close alias not present")
		}
	}
	return nil
}

//export driftpod_open
func driftpod_open(path *C.char, flags C.int, mode C.int) C.int {
	if hook.GuardHeld() {
		return C.call_open(originals.open, path, flags, mode)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_open(originals.open, path, flags, mode)
	}

	hook.Enter()
	defer hook.Exit()

	opts := OpenFlagsToOptions(int(flags))
	fd, err := l.Open(goPath, opts)
	if err != nil {
		return -1
	}
	return C.int(fd)
}

//export driftpod_openat
func driftpod_openat(dirfd C.int, path *C.char, flags C.int, mode C.int) C.int {
	if hook.GuardHeld() {
		return C.call_openat(originals.openat, dirfd, path, flags, mode)
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return C.call_openat(originals.openat, dirfd, path, flags, mode)
	}

	goPath := C.GoString(path)
	_, dirManaged := l.Files.Get(int32(dirfd))
	absoluteRemote := len(goPath) > 0 && goPath[0] == '/' && l.Policy.IsRemotePath(goPath)
	if !absoluteRemote && !dirManaged {
		return C.call_openat(originals.openat, dirfd, path, flags, mode)
	}

	hook.Enter()
	defer hook.Exit()

	opts := OpenFlagsToOptions(int(flags))
	var fd int32
	var err error
	if dirManaged && !absoluteRemote {
		fd, err = l.OpenRelative(int32(dirfd), goPath, opts)
	} else {
		fd, err = l.Open(goPath, opts)
	}
	if err != nil {
		return -1
	}
	return C.int(fd)
}

//export driftpod_fopen
func driftpod_fopen(path *C.char, mode *C.char) unsafe.Pointer {
	if hook.GuardHeld() {
		return C.call_fopen(originals.fopen, path, mode)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_fopen(originals.fopen, path, mode)
	}

	hook.Enter()
	defer hook.Exit()

	opts, err := ParseFopenMode(C.GoString(mode))
	if err != nil {
		return nil
	}
	fd, err := l.Open(goPath, opts)
	if err != nil || originals.fdopen == nil {
		return nil
	}
	// wrap the managed fd (a real kernel descriptor, see FileTable's
	// placeholder discipline) in a genuine FILE*; every buffered read on
	// it funnels through the read/fread detours by fd.
	return C.call_fdopen(originals.fdopen, C.int(fd), mode)
}

//export driftpod_fdopen
func driftpod_fdopen(fd C.int, mode *C.char) unsafe.Pointer {
	// managed or not, fd is a real descriptor, so the original fdopen is
	// always correct; the resulting stream's reads dispatch by fd through
	// the read/fread detours.
	return C.call_fdopen(originals.fdopen, fd, mode)
}

//export driftpod_fileno
func driftpod_fileno(stream unsafe.Pointer) C.int {
	return C.call_fileno(originals.fileno, stream)
}

//export driftpod_fread
func driftpod_fread(ptr unsafe.Pointer, size C.ulong, nmemb C.ulong, stream unsafe.Pointer) C.ulong {
	if hook.GuardHeld() || originals.fileno == nil {
		return C.call_fread(originals.fread, ptr, size, nmemb, stream)
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return C.call_fread(originals.fread, ptr, size, nmemb, stream)
	}

	fd := C.call_fileno(originals.fileno, stream)
	if _, managed := l.Files.Get(int32(fd)); !managed {
		return C.call_fread(originals.fread, ptr, size, nmemb, stream)
	}

	hook.Enter()
	defer hook.Exit()

	total := int(size) * int(nmemb)
	if total == 0 {
		return 0
	}
	data, err := l.Read(int32(fd), total)
	if err != nil || len(data) == 0 {
		return 0
	}
	dst := unsafe.Slice((*byte)(ptr), len(data))
	copy(dst, data)
	return C.ulong(len(data)) / size
}

//export driftpod_read
func driftpod_read(fd C.int, buf unsafe.Pointer, count C.ulong) C.long {
	if hook.GuardHeld() {
		return C.call_read(originals.read, fd, buf, count)
	}

	l := Current()
	if l == nil {
		return C.call_read(originals.read, fd, buf, count)
	}
	entry, managed := l.Files.Get(int32(fd))
	if !managed {
		return C.call_read(originals.read, fd, buf, count)
	}
	_ = entry

	hook.Enter()
	defer hook.Exit()

	data, err := l.Read(int32(fd), int(count))
	if err != nil {
		return -1
	}
	if len(data) > 0 {
		dst := unsafe.Slice((*byte)(buf), len(data))
		copy(dst, data)
	}
	return C.long(len(data))
}

//export driftpod_write
func driftpod_write(fd C.int, buf unsafe.Pointer, count C.ulong) C.long {
	if hook.GuardHeld() {
		return C.call_write(originals.write, fd, buf, count)
	}
	if buf == nil {
		return -1
	}

	l := Current()
	if l == nil {
		return C.call_write(originals.write, fd, buf, count)
	}
	if _, managed := l.Files.Get(int32(fd)); !managed {
		return C.call_write(originals.write, fd, buf, count)
	}

	hook.Enter()
	defer hook.Exit()

	src := unsafe.Slice((*byte)(buf), int(count))
	n, err := l.Write(int32(fd), src)
	if err != nil {
		return -1
	}
	return C.long(n)
}

//export driftpod_lseek
func driftpod_lseek(fd C.int, offset C.long, whence C.int) C.long {
	if hook.GuardHeld() {
		return C.call_lseek(originals.lseek, fd, offset, whence)
	}

	l := Current()
	if l == nil {
		return C.call_lseek(originals.lseek, fd, offset, whence)
	}
	if _, managed := l.Files.Get(int32(fd)); !managed {
		return C.call_lseek(originals.lseek, fd, offset, whence)
	}

	var sw protocol.SeekWhence
	switch whence {
	case 0:
		sw = protocol.SeekSet
	case 1:
		sw = protocol.SeekCur
	case 2:
		sw = protocol.SeekEnd
	default:
		// "any other whence returns -1 without touching the agent" (spec §4.2)
		return -1
	}

	hook.Enter()
	defer hook.Exit()

	off, err := l.Lseek(int32(fd), int64(offset), sw)
	if err != nil {
		return -1
	}
	return C.long(off)
}

//export driftpod_close
func driftpod_close(fd C.int) C.int {
	if hook.GuardHeld() {
		return C.call_close(originals.close, fd)
	}

	l := Current()
	if l == nil {
		return C.call_close(originals.close, fd)
	}

	if _, managed := l.Files.Get(int32(fd)); managed {
		hook.Enter()
		l.CloseFile(int32(fd))
		freeDirentBuf(int32(fd))
		hook.Exit()
		return 0
	}
	if _, managed := l.Sockets.Get(int32(fd)); managed {
		hook.Enter()
		l.CloseSocket(int32(fd))
		hook.Exit()
		return C.call_close(originals.close, fd)
	}
	return C.call_close(originals.close, fd)
}

// --- directory/path operations (spec §4.2) ---

//export driftpod_mkdir
func driftpod_mkdir(path *C.char, mode C.mode_t) C.int {
	if hook.GuardHeld() {
		return C.call_mkdir(originals.mkdir, path, mode)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_mkdir(originals.mkdir, path, mode)
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Mkdir(goPath, 0, false); err != nil {
		return -1
	}
	return 0
}

//export driftpod_mkdirat
func driftpod_mkdirat(dirfd C.int, path *C.char, mode C.mode_t) C.int {
	if hook.GuardHeld() {
		return C.call_mkdirat(originals.mkdirat, dirfd, path, mode)
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return C.call_mkdirat(originals.mkdirat, dirfd, path, mode)
	}
	goPath := C.GoString(path)
	_, dirManaged := l.Files.Get(int32(dirfd))
	if !dirManaged && !l.Policy.IsRemotePath(goPath) {
		return C.call_mkdirat(originals.mkdirat, dirfd, path, mode)
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Mkdir(goPath, int32(dirfd), dirManaged); err != nil {
		return -1
	}
	return 0
}

//export driftpod_rmdir
func driftpod_rmdir(path *C.char) C.int {
	if hook.GuardHeld() {
		return C.call_rmdir(originals.rmdir, path)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_rmdir(originals.rmdir, path)
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Unlink(goPath, true, 0, false); err != nil {
		return -1
	}
	return 0
}

//export driftpod_unlink
func driftpod_unlink(path *C.char) C.int {
	if hook.GuardHeld() {
		return C.call_unlink(originals.unlink, path)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_unlink(originals.unlink, path)
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Unlink(goPath, false, 0, false); err != nil {
		return -1
	}
	return 0
}

//export driftpod_unlinkat
func driftpod_unlinkat(dirfd C.int, path *C.char, flags C.int) C.int {
	if hook.GuardHeld() {
		return C.call_unlinkat(originals.unlinkat, dirfd, path, flags)
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return C.call_unlinkat(originals.unlinkat, dirfd, path, flags)
	}
	goPath := C.GoString(path)
	_, dirManaged := l.Files.Get(int32(dirfd))
	if !dirManaged && !l.Policy.IsRemotePath(goPath) {
		return C.call_unlinkat(originals.unlinkat, dirfd, path, flags)
	}

	hook.Enter()
	defer hook.Exit()

	const atRemoveDir = 0x200
	isDir := flags&atRemoveDir != 0
	if err := l.Unlink(goPath, isDir, int32(dirfd), dirManaged); err != nil {
		return -1
	}
	return 0
}

//export driftpod_stat
func driftpod_stat(path *C.char, buf *C.struct_stat) C.int {
	if hook.GuardHeld() {
		return C.call_stat(originals.stat, path, buf)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_stat(originals.stat, path, buf)
	}

	hook.Enter()
	defer hook.Exit()

	resp, err := l.Stat(goPath, 0, false)
	if err != nil {
		return -1
	}
	fillStat(buf, resp)
	return 0
}

//export driftpod_statfs
func driftpod_statfs(path *C.char, buf *C.struct_statfs) C.int {
	if hook.GuardHeld() {
		return C.call_statfs(originals.statfs, path, buf)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_statfs(originals.statfs, path, buf)
	}

	hook.Enter()
	defer hook.Exit()

	resp, err := l.Statfs(goPath, 0, false)
	if err != nil {
		return -1
	}
	fillStatfs(buf, resp)
	return 0
}

//export driftpod_access
func driftpod_access(path *C.char, mode C.int) C.int {
	if hook.GuardHeld() {
		return C.call_access(originals.access, path, mode)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_access(originals.access, path, mode)
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Access(goPath, uint32(mode), 0, false); err != nil {
		return -1
	}
	return 0
}

//export driftpod_readlink
func driftpod_readlink(path *C.char, buf *C.char, bufsiz C.ulong) C.long {
	if hook.GuardHeld() {
		return C.call_readlink(originals.readlink, path, buf, bufsiz)
	}

	l := Current()
	goPath := C.GoString(path)
	if l == nil || l.TraceOnly() || !l.Policy.IsRemotePath(goPath) {
		return C.call_readlink(originals.readlink, path, buf, bufsiz)
	}

	hook.Enter()
	defer hook.Exit()

	target, err := l.Readlink(goPath, 0, false)
	if err != nil {
		return -1
	}
	n := len(target)
	if n > int(bufsiz) {
		n = int(bufsiz)
	}
	if n > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), n)
		copy(dst, target[:n])
	}
	return C.long(n)
}

// fillStat populates buf from resp using only the fields the protocol
// carries (Size, Mode, IsDir, ModTime); everything else is zeroed rather
// than invented.
func fillStat(buf *C.struct_stat, resp protocol.StatResponse) {
	*buf = C.struct_stat{}
	buf.st_size = C.off_t(resp.Size)
	buf.st_mtim.tv_sec = C.time_t(resp.ModTime)

	mode := resp.Mode
	if resp.IsDir {
		mode |= 0040000 // S_IFDIR
	} else {
		mode |= 0100000 // S_IFREG
	}
	buf.st_mode = C.mode_t(mode)
}

func fillStatfs(buf *C.struct_statfs, resp protocol.StatfsResponse) {
	*buf = C.struct_statfs{}
	buf.f_type = C.__fsword_t(resp.Type)
	buf.f_bsize = C.__fsword_t(resp.Bsize)
	buf.f_blocks = C.fsblkcnt_t(resp.Blocks)
	buf.f_bfree = C.fsblkcnt_t(resp.Bfree)
	buf.f_bavail = C.fsblkcnt_t(resp.Bavail)
	buf.f_files = C.fsfilcnt_t(resp.Files)
	buf.f_ffree = C.fsfilcnt_t(resp.Ffree)
}

// taggedDirMax bounds the synthetic DIR* handles fdopendir hands back:
// a local fd plus one, tiny compared to any real heap pointer glibc's
// allocator would return, so readdir/getdents64 can tell "one of ours"
// apart from a real DIR* without a lookup table.
const taggedDirMax = 1 << 20

func tagDirHandle(fd int32) unsafe.Pointer {
	return unsafe.Pointer(uintptr(fd) + 1)
}

func untagDirHandle(ptr unsafe.Pointer) (int32, bool) {
	v := uintptr(ptr)
	if v == 0 || v >= taggedDirMax {
		return 0, false
	}
	return int32(v - 1), true
}

// direntBufs backs the classic readdir(3) detour: real readdir() hands
// back a pointer to storage it reuses across calls on the same stream,
// so this package mallocs one struct dirent per managed fd and refills
// it in place rather than allocating (and leaking) a fresh one per call.
var direntBufs = struct {
	mu   sync.Mutex
	bufs map[int32]*C.struct_dirent
}{bufs: make(map[int32]*C.struct_dirent)}

func direntBuf(fd int32) *C.struct_dirent {
	direntBufs.mu.Lock()
	defer direntBufs.mu.Unlock()
	if b, ok := direntBufs.bufs[fd]; ok {
		return b
	}
	b := (*C.struct_dirent)(C.malloc(C.size_t(C.sizeof_struct_dirent)))
	direntBufs.bufs[fd] = b
	return b
}

func freeDirentBuf(fd int32) {
	direntBufs.mu.Lock()
	defer direntBufs.mu.Unlock()
	if b, ok := direntBufs.bufs[fd]; ok {
		C.free(unsafe.Pointer(b))
		delete(direntBufs.bufs, fd)
	}
}

func fillDirent(fd int32, ent protocol.DirEntry) *C.struct_dirent {
	buf := direntBuf(fd)
	*buf = C.struct_dirent{}
	buf.d_ino = C.ino_t(ent.Ino)
	buf.d_type = C.uchar(direntType(ent.IsDir))

	name := []byte(ent.Name)
	max := len(buf.d_name) - 1
	if len(name) > max {
		name = name[:max]
	}
	for i, b := range name {
		buf.d_name[i] = C.char(b)
	}
	return buf
}

//export driftpod_fdopendir
func driftpod_fdopendir(fd C.int) unsafe.Pointer {
	if hook.GuardHeld() {
		return C.call_fdopendir(originals.fdopendir, fd)
	}

	l := Current()
	if l == nil {
		return C.call_fdopendir(originals.fdopendir, fd)
	}
	if _, managed := l.Files.Get(int32(fd)); !managed {
		return C.call_fdopendir(originals.fdopendir, fd)
	}

	hook.Enter()
	defer hook.Exit()

	return tagDirHandle(int32(fd))
}

//export driftpod_readdir
func driftpod_readdir(dirp unsafe.Pointer) *C.struct_dirent {
	if hook.GuardHeld() {
		return C.call_readdir(originals.readdir, dirp)
	}

	fd, tagged := untagDirHandle(dirp)
	l := Current()
	if !tagged || l == nil {
		return C.call_readdir(originals.readdir, dirp)
	}

	hook.Enter()
	defer hook.Exit()

	ent, ok, err := l.NextDirEntry(fd)
	if err != nil || !ok {
		return nil
	}
	return fillDirent(fd, ent)
}

//export driftpod_getdents64
func driftpod_getdents64(fd C.int, dirp unsafe.Pointer, count C.ulong) C.long {
	if hook.GuardHeld() {
		return C.call_getdents64(originals.getdents64, fd, dirp, count)
	}

	l := Current()
	if l == nil {
		return C.call_getdents64(originals.getdents64, fd, dirp, count)
	}
	if _, managed := l.Files.Get(int32(fd)); !managed {
		return C.call_getdents64(originals.getdents64, fd, dirp, count)
	}

	hook.Enter()
	defer hook.Exit()

	packed, err := l.Getdents64(int32(fd), int(count))
	if err != nil {
		return -1
	}
	if len(packed) > 0 {
		dst := unsafe.Slice((*byte)(dirp), len(packed))
		copy(dst, packed)
	}
	return C.long(len(packed))
}

// --- socket operations (spec §4.3) ---

func addrFromCSockaddr(raw C.driftpod_sockaddr_t) net.Addr {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(raw.addr[i])
	}
	switch raw.family {
	case C.AF_INET:
		return &net.TCPAddr{IP: net.IP(append([]byte{}, b[:4]...)), Port: int(raw.port)}
	case C.AF_INET6:
		return &net.TCPAddr{IP: net.IP(b), Port: int(raw.port)}
	default:
		return nil
	}
}

func cBytesFromIP(ip net.IP) (family C.int, raw [16]C.uchar) {
	if ip4 := ip.To4(); ip4 != nil {
		family = C.AF_INET
		for i, b := range ip4 {
			raw[i] = C.uchar(b)
		}
		return
	}
	family = C.AF_INET6
	for i, b := range ip.To16() {
		raw[i] = C.uchar(b)
	}
	return
}

func writeCSockaddr(addr *C.struct_sockaddr, addrlen *C.socklen_t, a net.Addr) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok || addr == nil {
		return
	}

	family, raw := cBytesFromIP(tcpAddr.IP)
	var ss C.struct_sockaddr_storage
	sl := C.driftpod_fill_sockaddr(&ss, family, C.int(tcpAddr.Port), &raw[0])

	n := C.size_t(sl)
	if addrlen != nil && C.socklen_t(sl) > *addrlen {
		n = C.size_t(*addrlen)
	}
	C.memcpy(unsafe.Pointer(addr), unsafe.Pointer(&ss), n)
	if addrlen != nil {
		*addrlen = sl
	}
}

//export driftpod_socket
func driftpod_socket(domain C.int, typ C.int, proto C.int) C.int {
	if hook.GuardHeld() {
		return C.call_socket(originals.socket, domain, typ, proto)
	}

	fd := C.call_socket(originals.socket, domain, typ, proto)
	if fd < 0 {
		return fd
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return fd
	}
	if domain != C.AF_INET && domain != C.AF_INET6 {
		return fd
	}

	hook.Enter()
	l.RegisterSocket(int32(fd))
	hook.Exit()
	return fd
}

//export driftpod_bind
func driftpod_bind(fd C.int, addr *C.struct_sockaddr, addrlen C.socklen_t) C.int {
	if hook.GuardHeld() {
		return C.call_bind(originals.bind, fd, addr, addrlen)
	}

	l := Current()
	if l == nil {
		return C.call_bind(originals.bind, fd, addr, addrlen)
	}
	if _, managed := l.Sockets.Get(int32(fd)); !managed {
		return C.call_bind(originals.bind, fd, addr, addrlen)
	}

	hook.Enter()
	defer hook.Exit()

	var raw C.driftpod_sockaddr_t
	C.driftpod_parse_sockaddr(addr, &raw)
	userAddr := addrFromCSockaddr(raw)
	v6 := raw.family == C.AF_INET6

	sa, err := l.Bind(int32(fd), userAddr, v6)
	if err != nil {
		return -1
	}

	family, port, rawAddr := cBytesFromUnixSockaddr(sa)
	var ss C.struct_sockaddr_storage
	sl := C.driftpod_fill_sockaddr(&ss, family, C.int(port), &rawAddr[0])

	rc := C.call_bind(originals.bind, fd, (*C.struct_sockaddr)(unsafe.Pointer(&ss)), sl)
	if rc != 0 {
		return rc
	}

	var gss C.struct_sockaddr_storage
	gsl := C.socklen_t(C.sizeof_struct_sockaddr_storage)
	C.call_getsockname(originals.getsockname, fd, (*C.struct_sockaddr)(unsafe.Pointer(&gss)), &gsl)
	var graw C.driftpod_sockaddr_t
	C.driftpod_parse_sockaddr((*C.struct_sockaddr)(unsafe.Pointer(&gss)), &graw)
	loopback := addrFromCSockaddr(graw)

	_ = l.BindCompleted(int32(fd), loopback)
	return 0
}

func cBytesFromUnixSockaddr(sa unix.Sockaddr) (family C.int, port int, raw [16]C.uchar) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		family = C.AF_INET
		port = s.Port
		for i, b := range s.Addr {
			raw[i] = C.uchar(b)
		}
	case *unix.SockaddrInet6:
		family = C.AF_INET6
		port = s.Port
		for i, b := range s.Addr {
			raw[i] = C.uchar(b)
		}
	}
	return
}

//export driftpod_listen
func driftpod_listen(fd C.int, backlog C.int) C.int {
	if hook.GuardHeld() {
		return C.call_listen(originals.listen, fd, backlog)
	}

	l := Current()
	if l == nil {
		return C.call_listen(originals.listen, fd, backlog)
	}
	if _, managed := l.Sockets.Get(int32(fd)); !managed {
		return C.call_listen(originals.listen, fd, backlog)
	}

	rc := C.call_listen(originals.listen, fd, backlog)
	if rc != 0 {
		return rc
	}

	hook.Enter()
	defer hook.Exit()

	if err := l.Listen(int32(fd)); err != nil {
		return -1
	}
	return 0
}

func driftpodAcceptImpl(fd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t, flags C.int) C.int {
	bypass := func() C.int {
		if flags != 0 {
			return C.call_accept4(originals.accept4, fd, addr, addrlen, flags)
		}
		return C.call_accept(originals.accept, fd, addr, addrlen)
	}

	if hook.GuardHeld() {
		return bypass()
	}

	l := Current()
	if l == nil {
		return bypass()
	}
	if _, managed := l.Sockets.Get(int32(fd)); !managed {
		return bypass()
	}

	hook.Enter()
	defer hook.Exit()

	res, err := l.Accept(int32(fd))
	if err != nil {
		return -1
	}

	if res.SourceAddr != "" && addr != nil {
		ip := net.ParseIP(res.SourceAddr)
		if ip != nil {
			family, raw := cBytesFromIP(ip)
			var ss C.struct_sockaddr_storage
			sl := C.driftpod_fill_sockaddr(&ss, family, C.int(res.SourcePort), &raw[0])
			n := C.size_t(sl)
			if addrlen != nil && C.socklen_t(sl) > *addrlen {
				n = C.size_t(*addrlen)
			}
			C.memcpy(unsafe.Pointer(addr), unsafe.Pointer(&ss), n)
			if addrlen != nil {
				*addrlen = sl
			}
		}
	}

	return C.int(res.Fd)
}

//export driftpod_accept
func driftpod_accept(fd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t) C.int {
	return driftpodAcceptImpl(fd, addr, addrlen, 0)
}

//export driftpod_accept4
func driftpod_accept4(fd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t, flags C.int) C.int {
	return driftpodAcceptImpl(fd, addr, addrlen, flags)
}

//export driftpod_connect
func driftpod_connect(fd C.int, addr *C.struct_sockaddr, addrlen C.socklen_t) C.int {
	if hook.GuardHeld() {
		return C.call_connect(originals.connect, fd, addr, addrlen)
	}

	l := Current()
	if l == nil || l.TraceOnly() {
		return C.call_connect(originals.connect, fd, addr, addrlen)
	}

	var raw C.driftpod_sockaddr_t
	C.driftpod_parse_sockaddr(addr, &raw)
	userAddr := addrFromCSockaddr(raw)
	tcpAddr, ok := userAddr.(*net.TCPAddr)
	if !ok || !l.Policy.IsRemoteConnect(tcpAddr) {
		return C.call_connect(originals.connect, fd, addr, addrlen)
	}

	hook.Enter()
	defer hook.Exit()

	// the agent dials from inside the pod and Connect replaces fd with
	// the local end of the bridge; the target is never dialed locally.
	if err := l.Connect(int32(fd), tcpAddr); err != nil {
		return -1
	}
	return 0
}

//export driftpod_getsockname
func driftpod_getsockname(fd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t) C.int {
	if hook.GuardHeld() {
		return C.call_getsockname(originals.getsockname, fd, addr, addrlen)
	}

	l := Current()
	if l == nil {
		return C.call_getsockname(originals.getsockname, fd, addr, addrlen)
	}
	userAddr, ok := l.GetSockName(int32(fd))
	if !ok {
		return C.call_getsockname(originals.getsockname, fd, addr, addrlen)
	}

	hook.Enter()
	defer hook.Exit()
	writeCSockaddr(addr, addrlen, userAddr)
	return 0
}

//export driftpod_getpeername
func driftpod_getpeername(fd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t) C.int {
	if hook.GuardHeld() {
		return C.call_getpeername(originals.getpeername, fd, addr, addrlen)
	}

	l := Current()
	if l == nil {
		return C.call_getpeername(originals.getpeername, fd, addr, addrlen)
	}
	userAddr, ok := l.GetPeerName(int32(fd))
	if !ok {
		return C.call_getpeername(originals.getpeername, fd, addr, addrlen)
	}

	hook.Enter()
	defer hook.Exit()
	writeCSockaddr(addr, addrlen, userAddr)
	return 0
}

func managedKind(l *Layer, fd int32) (isFile, isSocket bool) {
	_, isFile = l.Files.Get(fd)
	_, isSocket = l.Sockets.Get(fd)
	return
}

func closeManaged(l *Layer, fd int32) {
	if _, managed := l.Files.Get(fd); managed {
		l.CloseFile(fd)
		freeDirentBuf(fd)
	}
	if _, managed := l.Sockets.Get(fd); managed {
		l.CloseSocket(fd)
	}
}

//export driftpod_dup
func driftpod_dup(oldfd C.int) C.int {
	if hook.GuardHeld() {
		return C.call_dup(originals.dup, oldfd)
	}

	l := Current()
	if l == nil {
		return C.call_dup(originals.dup, oldfd)
	}
	isFile, isSocket := managedKind(l, int32(oldfd))
	if !isFile && !isSocket {
		return C.call_dup(originals.dup, oldfd)
	}

	hook.Enter()
	defer hook.Exit()

	newfd := C.call_dup(originals.dup, oldfd)
	if newfd < 0 {
		return newfd
	}
	if isFile {
		l.Files.DupAt(int32(oldfd), int32(newfd))
	} else {
		l.Sockets.DupAt(int32(oldfd), int32(newfd))
	}
	return newfd
}

func driftpodDupAtImpl(oldfd, newfd, flags C.int, useDup3 bool) C.int {
	l := Current()
	if l == nil {
		if useDup3 {
			return C.call_dup3(originals.dup3, oldfd, newfd, flags)
		}
		return C.call_dup2(originals.dup2, oldfd, newfd)
	}
	isFile, isSocket := managedKind(l, int32(oldfd))
	if !isFile && !isSocket {
		if useDup3 {
			return C.call_dup3(originals.dup3, oldfd, newfd, flags)
		}
		return C.call_dup2(originals.dup2, oldfd, newfd)
	}

	hook.Enter()
	defer hook.Exit()

	closeManaged(l, int32(newfd))

	var rc C.int
	if useDup3 {
		rc = C.call_dup3(originals.dup3, oldfd, newfd, flags)
	} else {
		rc = C.call_dup2(originals.dup2, oldfd, newfd)
	}
	if rc < 0 {
		return rc
	}
	if isFile {
		l.Files.DupAt(int32(oldfd), int32(newfd))
	} else {
		l.Sockets.DupAt(int32(oldfd), int32(newfd))
	}
	return rc
}

//export driftpod_dup2
func driftpod_dup2(oldfd C.int, newfd C.int) C.int {
	if hook.GuardHeld() {
		return C.call_dup2(originals.dup2, oldfd, newfd)
	}
	return driftpodDupAtImpl(oldfd, newfd, 0, false)
}

//export driftpod_dup3
func driftpod_dup3(oldfd C.int, newfd C.int, flags C.int) C.int {
	if hook.GuardHeld() {
		return C.call_dup3(originals.dup3, oldfd, newfd, flags)
	}
	return driftpodDupAtImpl(oldfd, newfd, flags, true)
}

func parsePort(service string) int {
	n := 0
	for _, c := range service {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func buildAddrinfoChain(results []protocol.AddrInfo, forcedPort C.int) *C.struct_addrinfo {
	var head, tail *C.struct_addrinfo
	for _, r := range results {
		ip := net.ParseIP(r.Addr)
		if ip == nil {
			continue
		}
		family, raw := cBytesFromIP(ip)

		socktype := C.int(C.SOCK_STREAM)
		if r.Type == protocol.SockDgram {
			socktype = C.SOCK_DGRAM
		}
		port := forcedPort
		if port == 0 {
			port = C.int(r.Port)
		}

		ss := (*C.struct_sockaddr_storage)(C.malloc(C.size_t(C.sizeof_struct_sockaddr_storage)))
		sl := C.driftpod_fill_sockaddr(ss, family, port, &raw[0])

		node := (*C.struct_addrinfo)(C.malloc(C.size_t(C.sizeof_struct_addrinfo)))
		*node = C.struct_addrinfo{}
		node.ai_family = family
		node.ai_socktype = socktype
		node.ai_addrlen = C.socklen_t(sl)
		node.ai_addr = (*C.struct_sockaddr)(unsafe.Pointer(ss))

		if head == nil {
			head = node
		} else {
			tail.ai_next = node
		}
		tail = node
	}
	return head
}

func freeAddrinfoChain(res *C.struct_addrinfo) {
	for res != nil {
		next := res.ai_next
		if res.ai_addr != nil {
			C.free(unsafe.Pointer(res.ai_addr))
		}
		if res.ai_canonname != nil {
			C.free(unsafe.Pointer(res.ai_canonname))
		}
		C.free(unsafe.Pointer(res))
		res = next
	}
}

//export driftpod_getaddrinfo
func driftpod_getaddrinfo(node *C.char, service *C.char, hints *C.struct_addrinfo, res **C.struct_addrinfo) C.int {
	if hook.GuardHeld() {
		return C.call_getaddrinfo(originals.getaddrinfo, node, service, hints, res)
	}

	l := Current()
	if l == nil || l.TraceOnly() || !l.Policy.RemoteDNS || node == nil {
		return C.call_getaddrinfo(originals.getaddrinfo, node, service, hints, res)
	}

	hook.Enter()
	defer hook.Exit()

	family := protocol.FamilyAny
	typ := protocol.SockStream
	if hints != nil {
		switch hints.ai_family {
		case C.AF_INET:
			family = protocol.FamilyV4
		case C.AF_INET6:
			family = protocol.FamilyV6
		}
		if hints.ai_socktype == C.SOCK_DGRAM {
			typ = protocol.SockDgram
		}
	}

	results, err := l.GetAddrInfo(C.GoString(node), family, typ)
	if err != nil || len(results) == 0 {
		return C.EAI_NONAME
	}

	var port C.int
	if service != nil {
		port = C.int(parsePort(C.GoString(service)))
	}

	head := buildAddrinfoChain(results, port)
	if head == nil {
		return C.EAI_NONAME
	}
	l.Arena.Own(uintptr(unsafe.Pointer(head)))
	*res = head
	return 0
}

//export driftpod_freeaddrinfo
func driftpod_freeaddrinfo(res *C.struct_addrinfo) {
	if hook.GuardHeld() {
		C.call_freeaddrinfo(originals.freeaddrinfo, res)
		return
	}

	l := Current()
	if l == nil || res == nil || !l.Arena.Release(uintptr(unsafe.Pointer(res))) {
		C.call_freeaddrinfo(originals.freeaddrinfo, res)
		return
	}

	hook.Enter()
	defer hook.Exit()
	freeAddrinfoChain(res)
}

// driftpod_init is the shared library's constructor (wired by
// cmd/driftpod-layer's __attribute__((constructor)) shim): it runs
// before main() in the target process and installs every detour before
// any application code executes.
//
//export driftpod_init
func driftpod_init() {
	if _, err := Init(); err != nil {
		logrus.WithError(err).Error("layer: init failed")
	}
}

// driftpod_after_fork is called from the child side of a fork(2)
// detour, if one is installed for the target's runtime (spec §4.4, §9).
//
//export driftpod_after_fork
func driftpod_after_fork() {
	if err := AfterFork(); err != nil {
		logrus.WithError(err).Error("layer: post-fork reconnect failed")
	}
}
