// Package archive implements the full-write and overwrite controller: the
// top-level entry points that open a destination, drive the stream-list
// driver and trailer writers, and manage in-place vs. rebuild overwrite
// strategy.
package archive

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned when an advisory exclusive lock on the
// archive is already held by another process, per
// original_source/src/write.c's lock_wim: a non-blocking flock() that
// fails with EWOULDBLOCK is fatal, any other flock() failure is only a
// warning (the filesystem may not support advisory locks at all, e.g.
// some network filesystems).
var ErrAlreadyLocked = errors.New("archive: archive is locked by another process")

// lock acquires a non-blocking advisory exclusive lock on f, returning
// ErrAlreadyLocked on contention. A failure to lock for any other reason
// (e.g. an unsupported filesystem) is logged and treated as success,
// matching the reference's "best effort" locking discipline.
func lock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrAlreadyLocked
	}
	log.Warnf("archive: flock unavailable, proceeding without a lock: %v", err)
	return nil
}

// unlock releases a lock acquired by lock. Errors are logged, not
// returned: by the time unlock is called the caller is already on its way
// to closing f, and the lock is released implicitly by the close anyway.
func unlock(f *os.File) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		log.Warnf("archive: flock unlock failed: %v", err)
	}
}
