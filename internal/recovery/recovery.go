package recovery

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/store"
)

// Scanner reattaches orphaned renders: asset files on disk whose naming
// pattern ties them to a known entity but whose state entry shows no render
// result. Orphans appear when a crash lands between asset persistence and
// the state save; the scanner makes that failure mode self-healing on the
// next project load instead of requiring manual repair.
type Scanner struct {
	store *store.Store
	locks *lockmgr.Manager
}

func NewScanner(st *store.Store, locks *lockmgr.Manager) *Scanner {
	return &Scanner{store: st, locks: locks}
}

// Recover runs one scan-and-reattach cycle for a project under its lock.
// Returns the number of orphans reattached. Running it on a consistent
// project is a no-op: nothing changes and nothing is saved.
func (s *Scanner) Recover(projectID string) (int, error) {
	recovered := 0
	err := s.locks.WithLock(projectID, func() error {
		project, err := s.store.Load(projectID)
		if err != nil {
			return err
		}

		recovered = Scan(project, s.store.AssetDir(projectID))
		if recovered == 0 {
			return nil
		}

		log.Printf("[Recovery] %s: reattached %d orphaned render(s)", projectID, recovered)
		return s.store.Save(project)
	})
	if err != nil {
		return 0, fmt.Errorf("recovery scan failed: %w", err)
	}
	return recovered, nil
}

// Scan walks the asset directory and reattaches orphans to the in-memory
// project. Matching is exact on the id segment between the kind prefix and
// the extension — an id that is a prefix of another id can never
// cross-attach. Returns the number of mutations made.
func Scan(project *models.Project, assetDir string) int {
	entries, err := os.ReadDir(assetDir)
	if err != nil {
		// No asset dir yet means nothing to recover.
		return 0
	}

	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if reattach(project, assetDir, entry.Name()) {
			recovered++
		}
	}
	return recovered
}

// reattach inspects one file name and attaches it when it is an orphan.
// Recognized patterns:
//
//	shot_<id>.png       — shot image
//	shot_<id>.mp4       — shot video
//	decor_<id>.png      — scene decor image
//	wardrobe_<id>.png   — scene wardrobe reference
//	cast_<id>_full.png  — cast full-body reference
//	cast_<id>_close.png — cast close-up reference
func reattach(project *models.Project, assetDir, fileName string) bool {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	fullPath := filepath.Join(assetDir, fileName)

	switch {
	case strings.HasPrefix(base, "shot_"):
		id := strings.TrimPrefix(base, "shot_")
		shot := project.FindShot(id)
		if shot == nil {
			return false
		}
		if ext == ".mp4" {
			if shot.Render.Video != nil && shot.Render.Video.VideoPath != "" {
				return false
			}
			shot.Render.Video = &models.VideoRender{
				Status:    models.RenderStatusDone,
				VideoPath: fullPath,
			}
			return true
		}
		if shot.Render.Status == models.RenderStatusDone && shot.Render.ImagePath != "" {
			return false
		}
		shot.Render.Status = models.RenderStatusDone
		shot.Render.ImagePath = fullPath
		shot.Render.Error = ""
		shot.Render.UpdatedAt = time.Now().UTC()
		return true

	case strings.HasPrefix(base, "decor_"):
		id := strings.TrimPrefix(base, "decor_")
		scene := project.FindScene(id)
		if scene == nil {
			return false
		}
		if scene.DecorRender.Status == models.RenderStatusDone && scene.DecorRender.ImagePath != "" {
			return false
		}
		scene.DecorRender.Status = models.RenderStatusDone
		scene.DecorRender.ImagePath = fullPath
		scene.DecorRender.Error = ""
		scene.DecorRender.UpdatedAt = time.Now().UTC()
		return true

	case strings.HasPrefix(base, "wardrobe_"):
		id := strings.TrimPrefix(base, "wardrobe_")
		scene := project.FindScene(id)
		if scene == nil {
			return false
		}
		if scene.WardrobeRender.Status == models.RenderStatusDone && scene.WardrobeRender.ImagePath != "" {
			return false
		}
		scene.WardrobeRender.Status = models.RenderStatusDone
		scene.WardrobeRender.ImagePath = fullPath
		scene.WardrobeRender.Error = ""
		scene.WardrobeRender.UpdatedAt = time.Now().UTC()
		return true

	case strings.HasPrefix(base, "cast_"):
		rest := strings.TrimPrefix(base, "cast_")
		var id, slot string
		switch {
		case strings.HasSuffix(rest, "_full"):
			id, slot = strings.TrimSuffix(rest, "_full"), "full"
		case strings.HasSuffix(rest, "_close"):
			id, slot = strings.TrimSuffix(rest, "_close"), "close"
		default:
			return false
		}
		member := project.FindCast(id)
		if member == nil {
			return false
		}
		if slot == "full" {
			if member.RefFullBody != "" {
				return false
			}
			member.RefFullBody = fullPath
		} else {
			if member.RefCloseUp != "" {
				return false
			}
			member.RefCloseUp = fullPath
		}
		// Both refs recovered means the generation unit finished.
		if member.RefFullBody != "" && member.RefCloseUp != "" {
			member.Render.Status = models.RenderStatusDone
			member.Render.ImagePath = member.RefCloseUp
			member.Render.Error = ""
			member.Render.UpdatedAt = time.Now().UTC()
		}
		return true
	}

	return false
}
