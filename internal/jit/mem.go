// Package jit compiles a verified program into native AArch64 machine code.
// It targets the fixed fast path used by attach points that run frequently
// enough to justify native execution (timer ticks, GPIO edges); programs
// the compiler cannot lower fall back to the portable interpreter in
// package vm, per the runtime's two-engine design.
package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer is a block of memory that starts writable-but-not-executable,
// accepts a sequence of Write calls while the compiler emits code into it,
// and is then made executable-but-not-writable by Finalize. A buffer is
// never both writable and executable at the same time (W^X), so a bug in
// the compiler cannot be turned into arbitrary code execution by writing
// into a page the CPU is simultaneously fetching from.
type Buffer struct {
	mem        []byte // full mmap'd region, fixed length
	used       int    // bytes written so far
	executable bool
}

// AllocBuffer reserves size bytes of anonymous memory for code generation.
func AllocBuffer(size int) (*Buffer, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap %d bytes: %w", size, err)
	}
	return &Buffer{mem: mem}, nil
}

// Write appends code to the buffer. It panics if called after Finalize,
// which would violate the W^X invariant, or if code would overflow the
// region reserved by AllocBuffer.
func (b *Buffer) Write(code []byte) {
	if b.executable {
		panic("jit: write to finalized (executable) buffer")
	}
	if b.used+len(code) > len(b.mem) {
		panic("jit: code exceeds buffer capacity")
	}
	copy(b.mem[b.used:], code)
	b.used += len(code)
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return b.used }

// Finalize flips the buffer from writable to executable and then calls
// flushICache, which performs no cache maintenance (see its comment). The
// returned Executable only covers the bytes actually written, not the full
// reserved region.
func (b *Buffer) Finalize() (Executable, error) {
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return Executable{}, fmt.Errorf("jit: mprotect exec: %w", err)
	}
	b.executable = true
	code := b.mem[:b.used]
	flushICache(code)
	return Executable{mem: code}, nil
}

// Release unmaps the buffer's memory. Callers must not use the buffer (or
// any Executable derived from it) afterward.
func (b *Buffer) Release() error {
	return unix.Munmap(b.mem)
}

// Executable is a finalized, read-only, executable code block.
type Executable struct {
	mem []byte
}

// Addr returns the entry address of the compiled code, suitable for the
// platform-specific trampoline that calls into it.
func (e Executable) Addr() uintptr {
	if len(e.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&e.mem[0]))
}

// Len returns the number of executable bytes.
func (e Executable) Len() int { return len(e.mem) }

// flushICache makes code written through the data cache visible to the
// instruction fetch path. AArch64 requires an explicit DC CVAU / IC IVAU /
// DSB / ISB maintenance sequence per cache line before newly written code
// can be safely executed; Linux exposes no syscall for this on arm64 (unlike
// the ARM32 cacheflush(2) syscall). This function emits no such sequence:
// it returns without touching mem, so code produced by Finalize has had no
// instruction-cache synchronisation.
func flushICache(mem []byte) {
	_ = mem
}
