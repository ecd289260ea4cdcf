package slave

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const cacheDirSlots = 16

// AcquireCacheDir iterates baseDir/cache.0 .. cache.15, creating each and
// attempting an advisory exclusive lock on cache.<i>.lock; the first slot
// that locks successfully wins (spec.md §4.4 "Startup"). This is what lets
// several slave processes share one host's isolate cache without
// corrupting it. The returned release func must be called on shutdown.
func AcquireCacheDir(baseDir string) (dir string, release func() error, err error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("slave: create cache base dir: %w", err)
	}

	for i := 0; i < cacheDirSlots; i++ {
		slot := filepath.Join(baseDir, fmt.Sprintf("cache.%d", i))
		if err := os.MkdirAll(slot, 0o755); err != nil {
			continue
		}
		lockPath := filepath.Join(baseDir, fmt.Sprintf("cache.%d.lock", i))
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			continue
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			continue
		}
		return slot, func() error {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			return f.Close()
		}, nil
	}
	return "", nil, fmt.Errorf("slave: no free cache directory among cache.0..cache.%d under %s", cacheDirSlots-1, baseDir)
}
