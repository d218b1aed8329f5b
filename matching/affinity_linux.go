//go:build linux

package matching

import "golang.org/x/sys/unix"

// pinThread pins the calling thread to one CPU core via sched_setaffinity(2).
// The caller must already hold runtime.LockOSThread.
func pinThread(cpu int) bool {
	if cpu < 0 {
		return false
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set) == nil
}
