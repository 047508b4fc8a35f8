package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pidFile is a flock-held PID file, matching the original daemon's
// socket-path-derived lock file: one file per mount point under
// <state-dir>/run/virtiofsd, so two daemons can never serve the same
// mount point concurrently.
type pidFile struct {
	f *os.File
}

// lockPidFile creates (or reuses) <stateDir>/run/virtiofsd/<escaped
// mountPoint>.pid, flocks it exclusively and non-blocking, and writes the
// current PID. It fails if another process already holds the lock.
func lockPidFile(stateDir, mountPoint string) (*pidFile, error) {
	dir := filepath.Join(stateDir, "run", "virtiofsd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pidfile: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, escapePath(mountPoint)+".pid")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: %s already locked by another daemon: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}

	return &pidFile{f: f}, nil
}

// Unlock releases the flock and closes the file. The file itself is left
// behind; the lock, not the file's existence, is what matters.
func (p *pidFile) Unlock() error {
	return p.f.Close()
}

// escapePath turns a mount point path into a single path component safe
// for a filename, the way fv_socket_lock derives its lock file name:
// every '/' in the path, the leading one included, is replaced with '.'.
func escapePath(p string) string {
	return strings.ReplaceAll(p, "/", ".")
}
