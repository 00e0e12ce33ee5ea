package classpath

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Hasher computes content hashes of classpath entries. Results are memoized per entry as long as the
// entry's size and modification time don't change.
type Hasher struct {
	lock  sync.Mutex
	cache map[string]hashedEntry
}

type hashedEntry struct {
	stamp string
	sum   []byte
}

func NewHasher() *Hasher {
	return &Hasher{cache: make(map[string]hashedEntry)}
}

// Hash returns the combined hash of every entry in cp. Missing entries contribute their path only.
func (h *Hasher) Hash(cp ClassPath) (string, error) {
	hasher := sha256.New()
	for _, entry := range cp.entries {
		sum, err := h.entryHash(entry)
		if err != nil {
			return "", err
		}

		writeField(hasher, []byte(entry))
		writeField(hasher, sum)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (h *Hasher) entryHash(entry string) ([]byte, error) {
	info, err := os.Stat(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("missing"), nil
		}
		return nil, eris.Wrapf(err, "failed to inspect classpath entry %s", entry)
	}

	// directory contents can change without touching the directory's mtime
	if info.IsDir() {
		return hashDirectory(entry)
	}

	stamp := fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
	h.lock.Lock()
	cached, ok := h.cache[entry]
	h.lock.Unlock()
	if ok && cached.stamp == stamp {
		return cached.sum, nil
	}

	sum, err := hashFile(entry)
	if err != nil {
		return nil, err
	}

	h.lock.Lock()
	h.cache[entry] = hashedEntry{stamp: stamp, sum: sum}
	h.lock.Unlock()
	return sum, nil
}

func writeField(hasher hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	hasher.Write(length[:])
	hasher.Write(data)
}

func hashFile(path string) ([]byte, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}
	defer hdl.Close()

	hasher := sha256.New()
	_, err = io.Copy(hasher, hdl)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to hash %s", path)
	}

	return hasher.Sum(nil), nil
}

func hashDirectory(dir string) ([]byte, error) {
	files := []string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list %s", dir)
	}
	sort.Strings(files)

	hasher := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}

		sum, err := hashFile(path)
		if err != nil {
			return nil, err
		}

		writeField(hasher, []byte(filepath.ToSlash(rel)))
		writeField(hasher, sum)
	}

	return hasher.Sum(nil), nil
}
