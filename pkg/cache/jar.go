package cache

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// JarCache returns a single generated file stored in the entry for key. generator is only called if
// the entry is missing.
func (c *Cache) JarCache(ctx context.Context, id, key string, properties Properties, generator func(ctx context.Context, outputFile string) error) (string, error) {
	if id == "" || filepath.Base(id) != id {
		return "", eris.Errorf("invalid file name %q", id)
	}

	dir, err := c.Open(ctx, Spec{
		Key:        key,
		Properties: properties,
		Initializer: func(ctx context.Context, dir string) error {
			return generator(ctx, filepath.Join(dir, id))
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "failed to generate %s", id)
	}

	return filepath.Join(dir, id), nil
}
