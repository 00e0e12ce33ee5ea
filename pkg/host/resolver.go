package host

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// DependencyNotFoundError is returned when no repository provides a dependency.
type DependencyNotFoundError struct {
	Dependency   Dependency
	Repositories []Repository
}

func (e *DependencyNotFoundError) Error() string {
	locations := make([]string, len(e.Repositories))
	for idx, repo := range e.Repositories {
		locations[idx] = repo.Location
	}

	if len(locations) == 0 {
		return fmt.Sprintf("Could not resolve %s: no repositories are defined.", e.Dependency.Notation())
	}
	return fmt.Sprintf("Could not resolve %s. Searched in: %s", e.Dependency.Notation(), strings.Join(locations, ", "))
}

// Resolver maps dependencies to classpath entries. Remote artifacts are downloaded into CacheDir.
type Resolver struct {
	CacheDir string
	Client   *http.Client
	Quiet    bool
}

func NewResolver(cacheDir string) *Resolver {
	return &Resolver{
		CacheDir: cacheDir,
		Client: &http.Client{
			Timeout: time.Minute * 30,
		},
	}
}

// Resolve returns one classpath entry per dependency, in declaration order.
func (r *Resolver) Resolve(ctx context.Context, repos []Repository, deps []Dependency) (classpath.ClassPath, error) {
	entries := make([]string, 0, len(deps))

	for _, dep := range deps {
		entry, err := r.resolveOne(ctx, repos, dep)
		if err != nil {
			return classpath.Empty, err
		}

		support.Log(ctx).Debug().Str("dependency", dep.Notation()).Str("path", entry).Msg("Resolved dependency")
		entries = append(entries, entry)
	}

	return classpath.Of(entries...), nil
}

func artifactBase(dep Dependency) string {
	return dep.Name + "-" + dep.Version
}

func artifactDir(dep Dependency) string {
	return filepath.Join(dep.Group, dep.Name, dep.Version)
}

func (r *Resolver) resolveOne(ctx context.Context, repos []Repository, dep Dependency) (string, error) {
	for _, repo := range repos {
		var entry string
		var err error

		switch repo.Kind {
		case LocalRepository:
			entry, err = resolveLocal(repo, dep)
		case RemoteRepository:
			entry, err = r.resolveRemote(ctx, repo, dep)
		default:
			err = eris.Errorf("unknown repository kind %s", repo.Kind)
		}

		if err != nil {
			return "", err
		}
		if entry != "" {
			return entry, nil
		}
	}

	return "", &DependencyNotFoundError{Dependency: dep, Repositories: repos}
}

func resolveLocal(repo Repository, dep Dependency) (string, error) {
	dir := filepath.Join(repo.Location, artifactDir(dep))

	for _, candidate := range []string{
		filepath.Join(dir, artifactBase(dep)+classpath.ArchiveExt),
		filepath.Join(dir, artifactBase(dep)),
	} {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", candidate)
		}
	}

	return "", nil
}

func (r *Resolver) resolveRemote(ctx context.Context, repo Repository, dep Dependency) (string, error) {
	destDir := filepath.Join(r.CacheDir, artifactDir(dep))
	karPath := filepath.Join(destDir, artifactBase(dep)+classpath.ArchiveExt)
	extractedPath := filepath.Join(destDir, artifactBase(dep))

	for _, existing := range []string{karPath, extractedPath} {
		if _, err := os.Stat(existing); err == nil {
			return existing, nil
		}
	}

	baseURL := strings.TrimSuffix(repo.Location, "/") + "/" + filepath.ToSlash(artifactDir(dep)) + "/" + artifactBase(dep)
	for _, ext := range []string{classpath.ArchiveExt, ".tar.xz"} {
		found, err := r.download(ctx, baseURL+ext, destDir, dep, ext)
		if err != nil {
			return "", err
		}

		if found {
			if ext == classpath.ArchiveExt {
				return karPath, nil
			}
			return extractedPath, nil
		}
	}

	return "", nil
}

func (r *Resolver) getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if r.Quiet || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func (r *Resolver) fetchChecksum(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+".sha256", nil)
	if err != nil {
		return "", err
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "failed to fetch checksum for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("unexpected status %s for %s.sha256", resp.Status, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", eris.Wrapf(err, "failed to read checksum for %s", url)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", eris.Errorf("empty checksum file for %s", url)
	}
	return strings.ToLower(fields[0]), nil
}

// download fetches url into destDir. It returns false if the server doesn't have the artifact.
func (r *Resolver) download(ctx context.Context, url, destDir string, dep Dependency, ext string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, eris.Wrapf(err, "invalid URL %s", url)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return false, eris.Wrapf(err, "Failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, eris.Errorf("unexpected status %s for %s", resp.Status, url)
	}

	expected, err := r.fetchChecksum(ctx, url)
	if err != nil {
		return false, err
	}

	err = os.MkdirAll(destDir, 0o755)
	if err != nil {
		return false, eris.Wrapf(err, "failed to create %s", destDir)
	}

	tmpPath := filepath.Join(destDir, ".download-"+nanoid.New())
	arHandle, err := os.Create(tmpPath)
	if err != nil {
		return false, eris.Wrapf(err, "Failed to create %s", tmpPath)
	}
	defer func() {
		arHandle.Close()
		os.Remove(tmpPath)
	}()

	hash := sha256.New()
	bar := r.getProgressBar(resp.ContentLength, "download "+dep.Notation())
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), resp.Body)
	bar.Finish()
	if err != nil {
		return false, eris.Wrapf(err, "Failed during download of %s", url)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if expected != "" && digest != expected {
		return false, eris.Errorf("Checksum check failed for %s: expected %s but got %s", url, expected, digest)
	}

	if ext == classpath.ArchiveExt {
		err = arHandle.Close()
		if err != nil {
			return false, err
		}

		err = os.Rename(tmpPath, filepath.Join(destDir, artifactBase(dep)+ext))
		if err != nil {
			return false, eris.Wrapf(err, "failed to store %s", url)
		}
		return true, nil
	}

	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return false, err
	}

	reader, err := xz.NewReader(arHandle)
	if err != nil {
		return false, eris.Wrapf(err, "failed to open %s", url)
	}

	extractDir := filepath.Join(destDir, ".extract-"+nanoid.New())
	err = extractTar(reader, extractDir)
	if err != nil {
		os.RemoveAll(extractDir)
		return false, err
	}

	err = os.Rename(extractDir, filepath.Join(destDir, artifactBase(dep)))
	if err != nil {
		os.RemoveAll(extractDir)
		return false, eris.Wrapf(err, "failed to store %s", url)
	}
	return true, nil
}

func extractTar(r io.Reader, destPath string) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		dest := filepath.Join(destPath, filepath.Clean(string(filepath.Separator)+item.Name))
		if item.Typeflag == tar.TypeSymlink || item.Typeflag == tar.TypeLink {
			// links could point outside of the destination
			continue
		}

		err = os.MkdirAll(filepath.Dir(dest), 0o755)
		if err != nil {
			return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
		}

		destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm()|0o600)
		if err != nil {
			return eris.Wrapf(err, "Failed to create file %s", dest)
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}
	}

	return nil
}
