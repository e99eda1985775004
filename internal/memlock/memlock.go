// Package memlock pins key material in RAM so that it is not written to swap.
// Locking is best effort: platforms without mlock, or processes over their
// RLIMIT_MEMLOCK budget, simply keep running with unlocked pages.
package memlock

// Lock pins b in memory. Empty slices are ignored.
func Lock(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return lock(b)
}

// Unlock releases a region pinned by Lock.
func Unlock(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unlock(b)
}
