/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: limits_linux.go
Description: Linux resource controls for sandboxed runs: prlimit on the process group
leader and /proc based RSS sampling of every process in the group.
*/

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyLimits disables core dumps and caps written file size for pid
func applyLimits(pid int, maxFile uint64) error {
	core := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Prlimit(pid, unix.RLIMIT_CORE, &core, nil); err != nil {
		return err
	}
	if maxFile > 0 {
		fsize := unix.Rlimit{Cur: maxFile, Max: maxFile}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &fsize, nil); err != nil {
			return err
		}
	}
	return nil
}

// groupRSS sums the resident set of every process in process group pgid
func groupRSS(pgid int) uint64 {
	stats, err := filepath.Glob("/proc/[0-9]*/stat")
	if err != nil {
		return 0
	}
	page := uint64(os.Getpagesize())
	var total uint64
	for _, p := range stats {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		// comm may contain spaces; fields resume after the last ')'
		s := string(data)
		i := strings.LastIndexByte(s, ')')
		if i < 0 || i+2 > len(s) {
			continue
		}
		fields := strings.Fields(s[i+2:])
		// fields[2] is pgrp, fields[21] is rss in pages
		if len(fields) < 22 || fields[2] != strconv.Itoa(pgid) {
			continue
		}
		rss, err := strconv.ParseUint(fields[21], 10, 64)
		if err != nil {
			continue
		}
		total += rss * page
	}
	return total
}

// maxRSS returns the leader's peak RSS in bytes
func maxRSS(state *os.ProcessState) uint64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024
	}
	return 0
}

// killGroup SIGKILLs every process in the group led by pid
func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		unix.Kill(pid, unix.SIGKILL)
	}
}
