//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package cache

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/sys/unix"
)

type fileLock struct {
	file *os.File
}

// acquireFileLock blocks until it holds an exclusive flock on path. The kernel releases the lock if the
// process dies so a leftover lock file is harmless.
func acquireFileLock(ctx context.Context, path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open lock file %s", path)
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// closing the descriptor drops the lock in case the flock call succeeds after all
		go func() {
			<-done
			f.Close()
		}()
		return nil, ctx.Err()
	}

	if err != nil {
		f.Close()
		return nil, eris.Wrapf(err, "failed to lock %s", path)
	}

	return &fileLock{file: f}, nil
}

func (l *fileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return eris.Wrap(err, "failed to unlock")
	}
	return closeErr
}
