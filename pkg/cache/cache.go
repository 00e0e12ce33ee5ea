// Package cache implements a persistent, keyed cache of directories shared between build processes.
//
// An entry is built once by an initializer and then only read. Entries are produced in a temporary
// directory and renamed into place, the properties file written last marks an entry as complete.
package cache

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

const (
	PropertiesFile = "cache.properties"
	tmpMarker      = ".tmp-"
	lockExt        = ".lock"
)

// Properties are stored with each entry. An entry is only reused if its stored properties match exactly.
type Properties map[string]string

// Spec describes a cache entry.
type Spec struct {
	Key        string
	Properties Properties
	// Validator can reject an otherwise complete entry. nil accepts every entry.
	Validator func(dir string) bool
	// Initializer populates dir. It is only called if no valid entry exists.
	Initializer func(ctx context.Context, dir string) error
}

// Cache manages entries below BaseDir.
type Cache struct {
	BaseDir string

	keyLocks keyedMutex
}

func New(baseDir string) *Cache {
	return &Cache{BaseDir: baseDir}
}

// Open returns the directory of the entry for spec.Key, running the initializer first if necessary.
func (c *Cache) Open(ctx context.Context, spec Spec) (string, error) {
	if spec.Key == "" || strings.ContainsAny(spec.Key, `/\`) || strings.HasPrefix(spec.Key, ".") {
		return "", eris.Errorf("invalid cache key %q", spec.Key)
	}
	if spec.Initializer == nil {
		return "", eris.Errorf("cache entry %s has no initializer", spec.Key)
	}

	err := os.MkdirAll(c.BaseDir, 0o755)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create cache directory %s", c.BaseDir)
	}

	unlock := c.keyLocks.Lock(spec.Key)
	defer unlock()

	lock, err := acquireFileLock(ctx, filepath.Join(c.BaseDir, spec.Key+lockExt))
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			support.Log(ctx).Warn().Err(err).Str("key", spec.Key).Msg("Failed to release cache lock")
		}
	}()

	dir := filepath.Join(c.BaseDir, spec.Key)
	if c.isValid(dir, spec) {
		support.Log(ctx).Debug().Str("key", spec.Key).Msg("Cache hit")
		return dir, nil
	}

	support.Log(ctx).Debug().Str("key", spec.Key).Msg("Initializing cache entry")
	c.removeResidue(ctx, spec.Key)

	tmpDir := dir + tmpMarker + nanoid.New()
	err = os.MkdirAll(tmpDir, 0o755)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create %s", tmpDir)
	}

	err = spec.Initializer(ctx, tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	err = writeProperties(filepath.Join(tmpDir, PropertiesFile), spec.Properties)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	err = os.RemoveAll(dir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", eris.Wrapf(err, "failed to remove outdated entry %s", dir)
	}

	err = os.Rename(tmpDir, dir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", eris.Wrapf(err, "failed to publish cache entry %s", dir)
	}

	return dir, nil
}

func (c *Cache) isValid(dir string, spec Spec) bool {
	stored, err := readProperties(filepath.Join(dir, PropertiesFile))
	if err != nil {
		return false
	}

	if len(stored) != len(spec.Properties) {
		return false
	}
	for key, value := range spec.Properties {
		if stored[key] != value {
			return false
		}
	}

	return spec.Validator == nil || spec.Validator(dir)
}

// removeResidue deletes temporary directories left behind by aborted producers. The caller must hold the
// key's lock.
func (c *Cache) removeResidue(ctx context.Context, key string) {
	matches, err := filepath.Glob(filepath.Join(c.BaseDir, key+tmpMarker+"*"))
	if err != nil {
		return
	}

	for _, match := range matches {
		support.Log(ctx).Debug().Str("path", match).Msg("Removing incomplete cache entry")
		err = os.RemoveAll(match)
		if err != nil {
			support.Log(ctx).Warn().Err(err).Str("path", match).Msg("Failed to remove incomplete cache entry")
		}
	}
}

// Clean removes every entry.
func (c *Cache) Clean(ctx context.Context) error {
	items, err := os.ReadDir(c.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "failed to list %s", c.BaseDir)
	}

	for _, item := range items {
		if strings.HasSuffix(item.Name(), lockExt) {
			continue
		}

		path := filepath.Join(c.BaseDir, item.Name())
		support.Log(ctx).Debug().Str("path", path).Msg("Removing cache entry")
		err = os.RemoveAll(path)
		if err != nil {
			return eris.Wrapf(err, "failed to remove %s", path)
		}
	}
	return nil
}

func writeProperties(path string, props Properties) error {
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(fmt.Sprintf("%s=%s\n", key, props[key]))
	}

	err := os.WriteFile(path, []byte(sb.String()), 0o644)
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func readProperties(path string) (Properties, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer hdl.Close()

	result := Properties{}
	scanner := bufio.NewScanner(hdl)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, eris.Errorf("malformed line %q in %s", line, path)
		}
		result[parts[0]] = parts[1]
	}

	return result, scanner.Err()
}

// keyedMutex serializes goroutines working on the same key.
type keyedMutex struct {
	lock  sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.lock.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.lock.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.lock.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.lock.Unlock()
	}
}
