package uploads

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/amberline/storyboard/internal/models"
)

// Uploader pushes a local file to remote storage and returns its handle.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Cache resolves a local asset path to a remote handle, uploading at most
// once per distinct path for the lifetime of the project. Entries live in
// project state, so the mapping survives restarts and is covered by the same
// per-project lock as the rest of the state.
//
// There is no automatic invalidation: a changed local asset must get a new
// filename, or the entry must be explicitly cleared. Serving a stale handle
// for an overwritten file is an accepted risk handled by naming discipline.
type Cache struct {
	uploader Uploader
}

func NewCache(uploader Uploader) *Cache {
	return &Cache{uploader: uploader}
}

// ResolveRemote returns the remote handle for a local asset. Cache hits make
// no network call; misses upload once and record the mapping on the project.
//
// The project must be the in-memory state of the enclosing locked cycle —
// the new cache entry is persisted by that cycle's save.
func (c *Cache) ResolveRemote(ctx context.Context, project *models.Project, localPath string) (string, error) {
	key := cacheKey(localPath)

	if project.UploadCache == nil {
		project.UploadCache = make(map[string]models.UploadCacheEntry)
	}

	if entry, ok := project.UploadCache[key]; ok {
		return entry.RemoteURL, nil
	}

	remoteURL, err := c.uploader.Upload(ctx, localPath)
	if err != nil {
		return "", fmt.Errorf("upload failed for %s: %w", localPath, err)
	}

	project.UploadCache[key] = models.UploadCacheEntry{
		RemoteURL:  remoteURL,
		UploadedAt: time.Now().UTC(),
	}

	log.Printf("[UploadCache] %s: cached %s -> %s", project.ID, key, remoteURL)
	return remoteURL, nil
}

// Invalidate drops the cache entry for a local asset, forcing a re-upload on
// the next resolve.
func (c *Cache) Invalidate(project *models.Project, localPath string) {
	delete(project.UploadCache, cacheKey(localPath))
}

// cacheKey normalizes a local path into a stable cache identity.
func cacheKey(localPath string) string {
	return filepath.Clean(localPath)
}
