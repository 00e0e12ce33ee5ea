package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
)

type componentKind byte

const (
	stringComponent componentKind = iota + 1
	classPathComponent
	loaderComponent
)

type keyComponent struct {
	kind      componentKind
	value     string
	classPath classpath.ClassPath
	loader    *scope.Loader
}

// KeySpec is an ordered list of the inputs a cache key is derived from.
type KeySpec struct {
	components []keyComponent
}

// NewKeySpec starts a key with prefix.
func NewKeySpec(prefix string) KeySpec {
	return KeySpec{}.Plus(prefix)
}

func (k KeySpec) plus(c keyComponent) KeySpec {
	components := make([]keyComponent, len(k.components), len(k.components)+1)
	copy(components, k.components)
	return KeySpec{components: append(components, c)}
}

func (k KeySpec) Plus(value string) KeySpec {
	return k.plus(keyComponent{kind: stringComponent, value: value})
}

// PlusClassPath adds the content of every entry in cp to the key.
func (k KeySpec) PlusClassPath(cp classpath.ClassPath) KeySpec {
	return k.plus(keyComponent{kind: classPathComponent, classPath: cp})
}

// PlusLoader adds the identity and content of the loader chain to the key. A nil loader is valid.
func (k KeySpec) PlusLoader(loader *scope.Loader) KeySpec {
	return k.plus(keyComponent{kind: loaderComponent, loader: loader})
}

// KeyBuilder turns KeySpecs into cache keys.
type KeyBuilder struct {
	Hasher *classpath.Hasher
}

func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{Hasher: classpath.NewHasher()}
}

// Build returns the hex encoded sha256 over all components of spec.
func (b *KeyBuilder) Build(spec KeySpec) (string, error) {
	hasher := sha256.New()

	for idx, component := range spec.components {
		hasher.Write([]byte{byte(component.kind)})

		switch component.kind {
		case stringComponent:
			writeField(hasher, component.value)
		case classPathComponent:
			sum, err := b.Hasher.Hash(component.classPath)
			if err != nil {
				return "", eris.Wrapf(err, "failed to hash classpath for key component %d", idx)
			}
			writeField(hasher, sum)
		case loaderComponent:
			if component.loader == nil {
				writeField(hasher, "")
				continue
			}

			writeField(hasher, component.loader.Identity())
			sum, err := b.Hasher.Hash(component.loader.EffectiveClassPath())
			if err != nil {
				return "", eris.Wrapf(err, "failed to hash loader for key component %d", idx)
			}
			writeField(hasher, sum)
		default:
			return "", eris.Errorf("unknown key component kind %d", component.kind)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeField(hasher hash.Hash, value string) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(value)))
	hasher.Write(length[:])
	hasher.Write([]byte(value))
}
