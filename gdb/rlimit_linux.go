//go:build linux

package gdb

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// limitInferior applies the core and address space ceilings to pid, which
// must be the inferior and not gdb itself. memory <= 0 leaves the address
// space unlimited. The core soft limit is raised as far as the inherited
// hard limit allows, which an unprivileged caller can't go past.
func limitInferior(pid int, memory int64) (coreErr error, err error) {

	coreErr = raiseCore(pid)

	if memory <= 0 {
		return coreErr, nil
	}
	as := unix.Rlimit{Cur: uint64(memory), Max: uint64(memory)}
	if e := unix.Prlimit(pid, unix.RLIMIT_AS, &as, nil); e != nil {
		return coreErr, fmt.Errorf("prlimit as=%d on %d: %w", memory, pid, e)
	}
	return coreErr, nil
}

func raiseCore(pid int) error {
	var cur unix.Rlimit
	if err := unix.Prlimit(pid, unix.RLIMIT_CORE, nil, &cur); err != nil {
		return fmt.Errorf("prlimit core on %d: %w", pid, err)
	}
	if cur.Cur == cur.Max {
		return nil
	}
	want := unix.Rlimit{Cur: cur.Max, Max: cur.Max}
	if err := unix.Prlimit(pid, unix.RLIMIT_CORE, &want, nil); err != nil {
		return fmt.Errorf("prlimit core=%d on %d: %w", cur.Max, pid, err)
	}
	return nil
}
