package uploads

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/amberline/storyboard/internal/models"
)

type countingUploader struct {
	calls int
	fail  bool
}

func (u *countingUploader) Upload(ctx context.Context, localPath string) (string, error) {
	u.calls++
	if u.fail {
		return "", errors.New("storage unavailable")
	}
	return fmt.Sprintf("https://assets.example.com/u/%d", u.calls), nil
}

func TestResolveRemoteUploadsOncePerPath(t *testing.T) {
	uploader := &countingUploader{}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	first, err := cache.ResolveRemote(context.Background(), project, "/data/proj-1/assets/cast_1_full.png")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	second, err := cache.ResolveRemote(context.Background(), project, "/data/proj-1/assets/cast_1_full.png")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if uploader.calls != 1 {
		t.Errorf("uploader called %d times, want exactly 1", uploader.calls)
	}
	if first != second {
		t.Errorf("cache returned different handles: %q vs %q", first, second)
	}
}

func TestResolveRemoteNormalizesPath(t *testing.T) {
	uploader := &countingUploader{}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	cache.ResolveRemote(context.Background(), project, "/data/proj-1/assets/style.png")
	cache.ResolveRemote(context.Background(), project, "/data/proj-1/./assets/style.png")

	if uploader.calls != 1 {
		t.Errorf("uploader called %d times for the same normalized path, want 1", uploader.calls)
	}
}

func TestResolveRemoteDistinctPathsUploadSeparately(t *testing.T) {
	uploader := &countingUploader{}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	cache.ResolveRemote(context.Background(), project, "/a.png")
	cache.ResolveRemote(context.Background(), project, "/b.png")

	if uploader.calls != 2 {
		t.Errorf("uploader called %d times for two distinct paths, want 2", uploader.calls)
	}
}

func TestResolveRemoteFailureNotCached(t *testing.T) {
	uploader := &countingUploader{fail: true}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	if _, err := cache.ResolveRemote(context.Background(), project, "/a.png"); err == nil {
		t.Fatal("expected upload failure")
	}
	if len(project.UploadCache) != 0 {
		t.Error("failed upload must not leave a cache entry")
	}

	// A later attempt retries the upload.
	uploader.fail = false
	if _, err := cache.ResolveRemote(context.Background(), project, "/a.png"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if uploader.calls != 2 {
		t.Errorf("uploader called %d times, want 2", uploader.calls)
	}
}

func TestInvalidateForcesReupload(t *testing.T) {
	uploader := &countingUploader{}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	cache.ResolveRemote(context.Background(), project, "/style.png")
	cache.Invalidate(project, "/style.png")
	cache.ResolveRemote(context.Background(), project, "/style.png")

	if uploader.calls != 2 {
		t.Errorf("uploader called %d times after invalidate, want 2", uploader.calls)
	}
}

func TestCacheEntriesLiveOnProjectState(t *testing.T) {
	uploader := &countingUploader{}
	cache := NewCache(uploader)
	project := &models.Project{ID: "proj-1"}

	handle, err := cache.ResolveRemote(context.Background(), project, "/style.png")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	entry, ok := project.UploadCache["/style.png"]
	if !ok {
		t.Fatal("expected a persisted cache entry on the project")
	}
	if entry.RemoteURL != handle {
		t.Errorf("persisted handle %q, resolve returned %q", entry.RemoteURL, handle)
	}
}
