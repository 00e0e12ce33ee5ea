//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package cache

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// lock files older than this are considered abandoned by a crashed process
const staleLockAge = 10 * time.Minute

type fileLock struct {
	path string
}

// acquireFileLock creates path exclusively, retrying until it succeeds or ctx is cancelled.
func acquireFileLock(ctx context.Context, path string) (*fileLock, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return &fileLock{path: path}, nil
		}

		if !os.IsExist(err) {
			return nil, eris.Wrapf(err, "failed to create lock file %s", path)
		}

		info, statErr := os.Stat(path)
		if statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *fileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}

	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "failed to remove lock file")
	}
	return nil
}
