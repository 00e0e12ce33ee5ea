package support

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	userHomeOnce sync.Once
	userHome     string
)

// UserHome returns the current user's home directory or the working directory if it can't be determined.
func UserHome() string {
	userHomeOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home, _ = os.Getwd()
		}
		userHome = home
	})
	return userHome
}

// CanonicalPath resolves symlinks and returns an absolute, clean path. Paths that can't be resolved are
// returned as absolute paths.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

// UserCacheDir returns the directory stardsl keeps its per-user caches in.
func UserCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(UserHome(), ".stardsl")
	}
	return filepath.Join(dir, "stardsl")
}
