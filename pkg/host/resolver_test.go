package host

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

func TestParseDependency(t *testing.T) {
	dep, err := ParseDependency("org.example:greet:1.0")
	require.NoError(t, err)
	assert.Equal(t, Dependency{Group: "org.example", Name: "greet", Version: "1.0"}, dep)
	assert.Equal(t, "org.example:greet:1.0", dep.Notation())

	for _, invalid := range []string{"", "a:b", "a:b:c:d", "a::c", "a/b:c:d", "..:b:c"} {
		_, err := ParseDependency(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestResolveLocalRepository(t *testing.T) {
	repo := t.TempDir()
	karDir := filepath.Join(repo, "org.example", "greet", "1.0")
	require.NoError(t, os.MkdirAll(karDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(karDir, "greet-1.0.kar"), []byte("KNAR"), 0o644))

	dirDep := filepath.Join(repo, "org.example", "util", "2.0", "util-2.0")
	require.NoError(t, os.MkdirAll(dirDep, 0o755))

	handler := NewScriptHandler(NewResolver(t.TempDir()))
	handler.AddRepository(Repository{Kind: LocalRepository, Location: repo})
	handler.AddRepository(Repository{Kind: LocalRepository, Location: repo})
	handler.AddDependency(Dependency{Group: "org.example", Name: "greet", Version: "1.0"})
	handler.AddDependency(Dependency{Group: "org.example", Name: "util", Version: "2.0"})

	assert.Len(t, handler.Repositories(), 1)

	cp, err := handler.ScriptClassPath(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(karDir, "greet-1.0.kar"), dirDep}, cp.Entries())
}

func TestResolveMissingDependency(t *testing.T) {
	handler := NewScriptHandler(NewResolver(t.TempDir()))
	handler.AddRepository(Repository{Kind: LocalRepository, Location: t.TempDir()})
	handler.AddDependency(Dependency{Group: "org.example", Name: "greet", Version: "1.0"})

	_, err := handler.ScriptClassPath(context.Background())
	var notFound *DependencyNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "Could not resolve org.example:greet:1.0")
}

func TestScriptClassPathWithoutDependencies(t *testing.T) {
	handler := NewScriptHandler(nil)

	cp, err := handler.ScriptClassPath(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsEmpty())
}

func buildTarXz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	xzWriter, err := xz.NewWriter(buf)
	require.NoError(t, err)

	tarWriter := tar.NewWriter(xzWriter)
	for name, content := range files {
		require.NoError(t, tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err = tarWriter.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tarWriter.WriteHeader(&tar.Header{
		Name:     "escape.star",
		Linkname: "../../etc/passwd",
		Typeflag: tar.TypeSymlink,
	}))

	require.NoError(t, tarWriter.Close())
	require.NoError(t, xzWriter.Close())
	return buf.Bytes()
}

func TestResolveRemoteTarXz(t *testing.T) {
	bundle := buildTarXz(t, map[string]string{"greet/greet.star": "def greet():\n    return 'hi'\n"})
	digest := sha256.Sum256(bundle)

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)

		switch r.URL.Path {
		case "/org.example/greet/1.0/greet-1.0.tar.xz":
			w.Write(bundle)
		case "/org.example/greet/1.0/greet-1.0.tar.xz.sha256":
			w.Write([]byte(hex.EncodeToString(digest[:]) + "  greet-1.0.tar.xz\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	resolver := NewResolver(cacheDir)
	resolver.Quiet = true

	repos := []Repository{{Kind: RemoteRepository, Location: server.URL + "/"}}
	deps := []Dependency{{Group: "org.example", Name: "greet", Version: "1.0"}}

	cp, err := resolver.Resolve(context.Background(), repos, deps)
	require.NoError(t, err)

	entry := filepath.Join(cacheDir, "org.example", "greet", "1.0", "greet-1.0")
	assert.Equal(t, []string{entry}, cp.Entries())
	assert.True(t, cp.HasModule("greet/greet.star"))
	assert.NoFileExists(t, filepath.Join(entry, "escape.star"))

	// the second resolution is served from the cache
	count := atomic.LoadInt32(&requests)
	cp, err = resolver.Resolve(context.Background(), repos, deps)
	require.NoError(t, err)
	assert.Equal(t, classpath.Of(entry).Entries(), cp.Entries())
	assert.Equal(t, count, atomic.LoadInt32(&requests))
}

func TestResolveRemoteChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org.example/greet/1.0/greet-1.0.kar":
			w.Write([]byte("KNAR"))
		case "/org.example/greet/1.0/greet-1.0.kar.sha256":
			w.Write([]byte("0000"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	resolver := NewResolver(cacheDir)
	resolver.Quiet = true

	_, err := resolver.Resolve(context.Background(),
		[]Repository{{Kind: RemoteRepository, Location: server.URL}},
		[]Dependency{{Group: "org.example", Name: "greet", Version: "1.0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Checksum check failed")
	assert.NoFileExists(t, filepath.Join(cacheDir, "org.example", "greet", "1.0", "greet-1.0.kar"))
}
