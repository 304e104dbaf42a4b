package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"tangram.dev/tangram/pkg/terror"
)

// dataDirLock holds the exclusive flock on the data directory's lock
// pidfile (§6.4): one of the global resources acquired once at startup,
// alongside the rlimit raise.
type dataDirLock struct {
	file *os.File
}

// acquireDataDirLock opens (creating if absent) path/lock, takes a
// non-blocking exclusive flock, and writes this process's pid into it.
// A second server pointed at the same data directory fails here rather
// than corrupting the Store/Index/Database underneath the first.
func acquireDataDirLock(path string) (*dataDirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "opening lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, terror.Wrap(terror.Conflict, err, "data directory %s is locked by another server", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, terror.Wrap(terror.Internal, err, "truncating lock file %s", path)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, terror.Wrap(terror.Internal, err, "writing pid to lock file %s", path)
	}

	return &dataDirLock{file: f}, nil
}

func (l *dataDirLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return terror.Wrap(terror.Internal, err, "unlocking data directory lock file")
	}
	return l.file.Close()
}
