//go:build unix && !linux

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: limits_other.go
Description: Resource controls for non-Linux unix systems. Without /proc and prlimit only
the wall-clock limit and post-exit rusage are enforced.
*/

package sandbox

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func applyLimits(pid int, maxFile uint64) error {
	return nil
}

func groupRSS(pgid int) uint64 {
	return 0
}

// maxRSS returns the leader's peak RSS; BSD rusage already reports bytes
func maxRSS(state *os.ProcessState) uint64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss)
	}
	return 0
}

func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		unix.Kill(pid, unix.SIGKILL)
	}
}
