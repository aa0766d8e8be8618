// Package shm implements the AFL-compatible System V shared-memory
// segment that a coverage-instrumented target attaches to via the
// __AFL_SHM_ID environment variable.
package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment is a private SysV shared-memory segment sized for an AFL-style
// coverage bitmap. One Segment belongs to exactly one Executor.
type Segment struct {
	id   int
	addr []byte
	size int
}

// New allocates and attaches a new segment of the given size with 0600
// permissions. Errors during creation or attach are fatal to the caller
// (the executor cannot run coverage-guided without it).
func New(size int) (*Segment, error) {
	if size <= 0 {
		size = 65536
	}

	shmid, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(unix.IPC_PRIVATE), uintptr(size), uintptr(unix.IPC_CREAT|0600))
	if errno != 0 {
		return nil, fmt.Errorf("shm: shmget failed: %w", errno)
	}

	addr, _, errno := unix.Syscall(unix.SYS_SHMAT, shmid, 0, 0)
	if errno != 0 {
		// Best-effort removal of the segment we just created.
		unix.Syscall(unix.SYS_SHMCTL, shmid, uintptr(unix.IPC_RMID), 0)
		return nil, fmt.Errorf("shm: shmat failed: %w", errno)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return &Segment{
		id:   int(shmid),
		addr: buf,
		size: size,
	}, nil
}

// ID returns the segment's SysV identifier, the value the target process
// reads from __AFL_SHM_ID.
func (s *Segment) ID() int {
	return s.id
}

// Clear zeroes the bitmap in place ahead of the next execution.
func (s *Segment) Clear() {
	for i := range s.addr {
		s.addr[i] = 0
	}
}

// Read copies the current bitmap contents out of shared memory.
func (s *Segment) Read() []byte {
	out := make([]byte, s.size)
	copy(out, s.addr)
	return out
}

// Cleanup detaches and removes the segment. It is idempotent and safe to
// call more than once or after a partially-failed New.
func (s *Segment) Cleanup() {
	if s == nil || s.addr == nil {
		return
	}
	addr := uintptr(unsafe.Pointer(&s.addr[0]))
	unix.Syscall(unix.SYS_SHMDT, addr, 0, 0)
	unix.Syscall(unix.SYS_SHMCTL, uintptr(s.id), uintptr(unix.IPC_RMID), 0)
	s.addr = nil
}
