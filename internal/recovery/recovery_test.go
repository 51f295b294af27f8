package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/store"
)

func writeOrphan(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("asset"), 0644); err != nil {
		t.Fatalf("failed to write orphan file: %v", err)
	}
}

func consistentProject() *models.Project {
	return &models.Project{
		ID: "proj-1",
		Cast: []models.CastMember{
			{ID: "cast-1", Name: "Mara"},
		},
		Sequences: []models.Sequence{
			{
				ID: "seq-1",
				Scenes: []models.Scene{
					{ID: "scene-1", Decor: "warehouse"},
				},
				Shots: []models.Shot{
					{ID: "shot-1", SequenceID: "seq-1", SceneID: "scene-1", PromptBase: "p"},
					{ID: "shot-12", SequenceID: "seq-1", SceneID: "scene-1", PromptBase: "q"},
				},
			},
		},
	}
}

func TestScanReattachesShotImage(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()
	writeOrphan(t, dir, "shot_shot-1.png")

	recovered := Scan(project, dir)

	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	shot := project.FindShot("shot-1")
	if shot.Render.Status != models.RenderStatusDone {
		t.Errorf("shot status = %s, want done", shot.Render.Status)
	}
	if shot.Render.ImagePath != filepath.Join(dir, "shot_shot-1.png") {
		t.Errorf("image path = %q", shot.Render.ImagePath)
	}
}

func TestScanExactSegmentMatching(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()

	// "shot-1" is a prefix of "shot-12"; the orphan belongs to shot-12 and
	// must never attach to shot-1.
	writeOrphan(t, dir, "shot_shot-12.png")

	recovered := Scan(project, dir)
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if s := project.FindShot("shot-1"); s.Render.Status == models.RenderStatusDone {
		t.Error("orphan cross-attached to the prefix-id shot")
	}
	if s := project.FindShot("shot-12"); s.Render.Status != models.RenderStatusDone {
		t.Error("orphan did not attach to its exact-id shot")
	}
}

func TestScanUnknownIDIgnored(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()
	writeOrphan(t, dir, "shot_no-such-shot.png")
	writeOrphan(t, dir, "unrelated.txt")

	if recovered := Scan(project, dir); recovered != 0 {
		t.Errorf("recovered = %d, want 0 for unknown ids", recovered)
	}
}

func TestScanIdempotentOnConsistentProject(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()
	writeOrphan(t, dir, "shot_shot-1.png")

	if first := Scan(project, dir); first != 1 {
		t.Fatalf("first scan recovered %d, want 1", first)
	}
	if second := Scan(project, dir); second != 0 {
		t.Errorf("second scan recovered %d, want 0 (idempotence)", second)
	}
}

func TestScanReattachesAllKinds(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()
	writeOrphan(t, dir, "decor_scene-1.png")
	writeOrphan(t, dir, "wardrobe_scene-1.png")
	writeOrphan(t, dir, "cast_cast-1_full.png")
	writeOrphan(t, dir, "cast_cast-1_close.png")
	writeOrphan(t, dir, "shot_shot-1.mp4")

	recovered := Scan(project, dir)
	if recovered != 5 {
		t.Fatalf("recovered = %d, want 5", recovered)
	}

	scene := project.FindScene("scene-1")
	if scene.DecorRender.Status != models.RenderStatusDone {
		t.Error("decor render not reattached")
	}
	if scene.WardrobeRender.Status != models.RenderStatusDone {
		t.Error("wardrobe render not reattached")
	}

	member := project.FindCast("cast-1")
	if member.RefFullBody == "" || member.RefCloseUp == "" {
		t.Errorf("cast refs not reattached: %+v", member)
	}

	shot := project.FindShot("shot-1")
	if shot.Render.Video == nil || shot.Render.Video.Status != models.RenderStatusDone {
		t.Error("shot video not reattached")
	}
}

func TestScanDoesNotOverwriteExistingResult(t *testing.T) {
	dir := t.TempDir()
	project := consistentProject()
	shot := project.FindShot("shot-1")
	shot.Render.Status = models.RenderStatusDone
	shot.Render.ImagePath = "/already/recorded.png"
	writeOrphan(t, dir, "shot_shot-1.png")

	if recovered := Scan(project, dir); recovered != 0 {
		t.Errorf("recovered = %d, want 0 when state already records the render", recovered)
	}
	if shot.Render.ImagePath != "/already/recorded.png" {
		t.Errorf("existing result overwritten: %q", shot.Render.ImagePath)
	}
}

func TestRecoverPersistsUnderLock(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	project := consistentProject()
	project.Title = "Recovered"
	if err := st.Create(project); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeOrphan(t, st.AssetDir(project.ID), "shot_shot-1.png")

	scanner := NewScanner(st, lockmgr.New())
	recovered, err := scanner.Recover(project.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	// The reattachment must be on disk, not just in memory.
	loaded, err := st.Load(project.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.FindShot("shot-1").Render.Status != models.RenderStatusDone {
		t.Error("recovered state not persisted")
	}

	// A second pass finds nothing.
	recovered, err = scanner.Recover(project.ID)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if recovered != 0 {
		t.Errorf("second recover = %d, want 0", recovered)
	}
}
