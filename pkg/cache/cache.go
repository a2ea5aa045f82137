// Package cache implements the CachedFile download-cache subsystem:
// given a source URL, download it once onto the shared cache volume under
// a random filename and remember the mapping, so subsequent requests for
// the same URL are served without re-downloading. Grounded on
// original_source/views.py's cache_file/get_and_update_cached_file/
// delete_file handlers.
package cache

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/metrics"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

const randomNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Cache is the CachedFile component.
type Cache struct {
	store        storage.Store
	hostDir      string
	containerDir string
	client       *http.Client
}

// New wires a Cache over a host-visible directory. containerDir is the
// path the same volume is mounted at inside sandbox containers, used only
// to build the URLs returned to clients.
func New(store storage.Store, hostDir, containerDir string) *Cache {
	return &Cache{
		store:        store,
		hostDir:      hostDir,
		containerDir: containerDir,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Result is the client-facing view of a cached file, with filename
// resolved to the path as seen inside a sandbox container.
type Result struct {
	URL          string
	ContainerPath string
	CreatedAt    time.Time
}

func (c *Cache) toResult(cf *types.CachedFile) Result {
	return Result{
		URL:           cf.URL,
		ContainerPath: filepath.Join(c.containerDir, cf.Filename),
		CreatedAt:     cf.CreatedAt,
	}
}

// GetOrDownload returns the cached entry for url, downloading it to the
// cache directory first if this is the first request for it.
func (c *Cache) GetOrDownload(ctx context.Context, url string) (Result, error) {
	if cf, err := c.lookupExisting(url); err == nil {
		return c.toResult(cf), nil
	}

	filename, err := randomFilename()
	if err != nil {
		return Result{}, apperr.Runtime(err, "generating cache filename")
	}

	if err := c.download(ctx, url, filename); err != nil {
		return Result{}, apperr.BadRequestf("the URL passed could not be reached: %s", url)
	}

	cf := &types.CachedFile{URL: url, Filename: filename, CreatedAt: time.Now()}
	if err := c.store.CreateCachedFile(cf); err != nil {
		_ = os.Remove(filepath.Join(c.hostDir, filename))
		return Result{}, apperr.Runtime(err, "persisting cached file for %s", url)
	}
	metrics.CachedFilesTotal.Inc()
	return c.toResult(cf), nil
}

// Get returns the cached entry for url without downloading it.
func (c *Cache) Get(url string) (Result, error) {
	cf, err := c.lookupExisting(url)
	if err != nil {
		return Result{}, apperr.NotFoundf("cached file for %s", url)
	}
	return c.toResult(cf), nil
}

// List returns every currently cached entry.
func (c *Cache) List() ([]Result, error) {
	files, err := c.store.ListCachedFiles()
	if err != nil {
		return nil, apperr.Runtime(err, "listing cached files")
	}
	results := make([]Result, 0, len(files))
	for _, cf := range files {
		results = append(results, c.toResult(cf))
	}
	return results, nil
}

// Delete removes one cached file from both disk and the store.
func (c *Cache) Delete(url string) (Result, error) {
	cf, err := c.lookupExisting(url)
	if err != nil {
		return Result{}, apperr.NotFoundf("cached file for %s", url)
	}
	result := c.toResult(cf)
	if err := os.Remove(filepath.Join(c.hostDir, cf.Filename)); err != nil && !os.IsNotExist(err) {
		return Result{}, apperr.Runtime(err, "removing cached file %s", cf.Filename)
	}
	if err := c.store.DeleteCachedFile(url); err != nil {
		return Result{}, apperr.Runtime(err, "deleting cached file record for %s", url)
	}
	metrics.CachedFilesTotal.Dec()
	return result, nil
}

// Clear removes every cached file, best-effort per entry, returning the
// entries that were successfully cleared (mirrors the original's
// clear_cache, which keeps going and reports what it managed to delete).
func (c *Cache) Clear() ([]Result, error) {
	files, err := c.store.ListCachedFiles()
	if err != nil {
		return nil, apperr.Runtime(err, "listing cached files")
	}
	var cleared []Result
	for _, cf := range files {
		if _, err := c.Delete(cf.URL); err != nil {
			continue
		}
		cleared = append(cleared, c.toResult(cf))
	}
	return cleared, nil
}

// lookupExisting returns the stored entry for url only if its file still
// exists on disk, evicting the stale record otherwise — mirrors the
// original's get_and_update_cached_file.
func (c *Cache) lookupExisting(url string) (*types.CachedFile, error) {
	cf, err := c.store.GetCachedFile(url)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(filepath.Join(c.hostDir, cf.Filename)); statErr != nil {
		_ = c.store.DeleteCachedFile(url)
		return nil, statErr
	}
	return cf, nil
}

func (c *Cache) download(ctx context.Context, url, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.BadRequestf("fetching %s returned status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(c.hostDir, 0o755); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(c.hostDir, filename))
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, resp.Body)
	return err
}

func randomFilename() (string, error) {
	const length = 32
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomNameAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = randomNameAlphabet[n.Int64()]
	}
	return string(buf) + ".pkt", nil
}
