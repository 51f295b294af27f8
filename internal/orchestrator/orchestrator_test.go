package orchestrator

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/amberline/storyboard/internal/costs"
	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/providers"
	"github.com/amberline/storyboard/internal/queue"
	"github.com/amberline/storyboard/internal/refs"
	"github.com/amberline/storyboard/internal/store"
	"github.com/amberline/storyboard/internal/uploads"
)

type fakeImageProvider struct {
	mu       sync.Mutex
	name     string
	calls    int
	requests []providers.ImageRequest
	fail     error
}

func (p *fakeImageProvider) Name() string { return p.name }

func (p *fakeImageProvider) GenerateImage(ctx context.Context, req providers.ImageRequest) (*providers.ImageResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.requests = append(p.requests, req)
	if p.fail != nil {
		return nil, p.fail
	}
	return &providers.ImageResult{Data: []byte("png-bytes")}, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, localPath string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return "https://assets.example.com/" + filepath.Base(localPath), nil
}

type fakeQueue struct {
	mu          sync.Mutex
	enqueued    []string // jobType/unitID
	removable   int      // entries CancelUnit reports removed
	failEnqueue error
}

func (q *fakeQueue) EnqueueRender(ctx context.Context, jobType, projectID, unitID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.enqueued = append(q.enqueued, jobType+"/"+unitID)
	return nil
}

func (q *fakeQueue) CancelUnit(ctx context.Context, queueName, projectID, unitID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removable, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *store.Store
	session  *costs.SessionTotals
	image    *fakeImageProvider
	uploader *fakeUploader
	jobs     *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	session := costs.NewSessionTotals()
	uploader := &fakeUploader{}
	cache := uploads.NewCache(uploader)
	image := &fakeImageProvider{name: "fake-image"}
	imageCascade := providers.NewImageCascade(image)
	jobs := &fakeQueue{}

	orch := New(Deps{
		Store:    st,
		Locks:    lockmgr.New(),
		Ledger:   costs.NewLedger(session),
		Resolver: refs.NewResolver(cache),
		Uploads:  cache,
		Queue:    jobs,
		Image:    imageCascade,
	})

	return &fixture{orch: orch, store: st, session: session, image: image, uploader: uploader, jobs: jobs}
}

func seedProject(t *testing.T, f *fixture) *models.Project {
	t.Helper()
	project := &models.Project{
		ID:          "proj-1",
		Title:       "Undertow",
		AspectRatio: "16:9",
		Cast: []models.CastMember{
			{ID: "cast-1", Name: "Mara", Role: models.CastRoleLead, Impact: 0.9},
		},
		Sequences: []models.Sequence{
			{
				ID:    "seq-1",
				Title: "Opening",
				Scenes: []models.Scene{
					{ID: "scene-1", Decor: "flooded subway platform, emergency lighting"},
				},
				Shots: []models.Shot{
					{
						ID: "shot-1", SequenceID: "seq-1", SceneID: "scene-1",
						StartSec: 0, EndSec: 4,
						PromptBase:     "she wades toward the stairs",
						CameraLanguage: "close-up on her face",
						Render:         models.RenderState{Status: models.RenderStatusPending},
					},
					{
						ID: "shot-2", SequenceID: "seq-1", SceneID: "scene-1",
						StartSec: 4, EndSec: 8,
						PromptBase:     "water surges through the tunnel",
						CameraLanguage: "wide establishing shot",
						Render:         models.RenderState{Status: models.RenderStatusPending},
					},
				},
			},
		},
	}
	if err := f.store.Create(project); err != nil {
		t.Fatalf("create: %v", err)
	}
	return project
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEndToEndRenderFlow(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	// Lock the cast member: two generated references, two cost entries.
	if err := f.orch.LockCast(ctx, "proj-1", "cast-1"); err != nil {
		t.Fatalf("lock cast: %v", err)
	}

	project, _ := f.store.Load("proj-1")
	member := project.FindCast("cast-1")
	if !member.Locked || member.RefFullBody == "" || member.RefCloseUp == "" {
		t.Fatalf("cast not locked with both refs: %+v", member)
	}
	if len(project.Costs) != 2 {
		t.Fatalf("cost entries after cast lock = %d, want 2", len(project.Costs))
	}

	// Render the scene decor: one more image, one more cost entry.
	if err := f.orch.RenderSceneDecor(ctx, "proj-1", "scene-1"); err != nil {
		t.Fatalf("render decor: %v", err)
	}

	// Render the close-up shot.
	if err := f.orch.RenderShot(ctx, "proj-1", "shot-1"); err != nil {
		t.Fatalf("render shot: %v", err)
	}

	project, _ = f.store.Load("proj-1")
	shot := project.FindShot("shot-1")
	if shot.Render.Status != models.RenderStatusDone {
		t.Fatalf("shot status = %s, want done", shot.Render.Status)
	}

	// Reference order: close-up cast ref first, scene decor ref second.
	if len(shot.Render.References) != 2 {
		t.Fatalf("shot references = %+v, want 2", shot.Render.References)
	}
	if shot.Render.References[0].Role != models.RefRoleIdentity {
		t.Errorf("first reference role = %s, want identity", shot.Render.References[0].Role)
	}
	if want := "https://assets.example.com/cast_cast-1_close.png"; shot.Render.References[0].URL != want {
		t.Errorf("identity ref = %q, want close-up %q", shot.Render.References[0].URL, want)
	}
	if shot.Render.References[1].Role != models.RefRoleDecor {
		t.Errorf("second reference role = %s, want decor", shot.Render.References[1].Role)
	}

	// Four paid calls, four entries, total = sum of all entries.
	if len(project.Costs) != 4 {
		t.Fatalf("cost entries = %d, want 4", len(project.Costs))
	}
	var sum float64
	for _, entry := range project.Costs {
		sum += entry.Amount
	}
	if !almostEqual(project.CostTotal, sum) {
		t.Errorf("cost total = %f, want sum of entries %f", project.CostTotal, sum)
	}

	sessionTotal, sessionCalls := f.session.Snapshot()
	if sessionCalls != 4 || !almostEqual(sessionTotal, sum) {
		t.Errorf("session = %f/%d, want %f/4", sessionTotal, sessionCalls, sum)
	}
}

func TestConcurrentRendersLoseNoUpdates(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, shotID := range []string{"shot-1", "shot-2"} {
		wg.Add(1)
		go func(i int, shotID string) {
			defer wg.Done()
			errs[i] = f.orch.RenderShot(ctx, "proj-1", shotID)
		}(i, shotID)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("render %d failed: %v", i, err)
		}
	}

	project, err := f.store.Load("proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Both render results and both cost entries must survive.
	for _, shotID := range []string{"shot-1", "shot-2"} {
		if s := project.FindShot(shotID); s.Render.Status != models.RenderStatusDone {
			t.Errorf("shot %s status = %s, want done", shotID, s.Render.Status)
		}
	}
	if len(project.Costs) != 2 {
		t.Errorf("cost entries = %d, want 2 (lost update)", len(project.Costs))
	}
	var sum float64
	for _, entry := range project.Costs {
		sum += entry.Amount
	}
	if !almostEqual(project.CostTotal, sum) {
		t.Errorf("cost total = %f, want %f", project.CostTotal, sum)
	}
}

func TestRenderShotFailureSetsErrorState(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	f.image.fail = errors.New("content policy rejection")

	err := f.orch.RenderShot(context.Background(), "proj-1", "shot-1")
	if err == nil {
		t.Fatal("expected render failure")
	}

	project, _ := f.store.Load("proj-1")
	shot := project.FindShot("shot-1")
	if shot.Render.Status != models.RenderStatusError {
		t.Errorf("shot status = %s, want error", shot.Render.Status)
	}
	if shot.Render.Error == "" {
		t.Error("expected a human-readable error message on the unit")
	}
	if len(project.Costs) != 0 {
		t.Errorf("failed render must not record a cost entry, got %d", len(project.Costs))
	}
}

func TestRenderShotSkipsDoneUnit(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	if err := f.orch.RenderShot(ctx, "proj-1", "shot-1"); err != nil {
		t.Fatalf("first render: %v", err)
	}
	if err := f.orch.RenderShot(ctx, "proj-1", "shot-1"); err != nil {
		t.Fatalf("second render: %v", err)
	}

	if f.image.calls != 1 {
		t.Errorf("provider called %d times, want 1 (done unit skipped)", f.image.calls)
	}
}

func TestRenderSceneWardrobeOncePerScene(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	if err := f.orch.RenderSceneWardrobe(ctx, "proj-1", "scene-1"); err != nil {
		t.Fatalf("first wardrobe render: %v", err)
	}
	if err := f.orch.RenderSceneWardrobe(ctx, "proj-1", "scene-1"); err != nil {
		t.Fatalf("second wardrobe render: %v", err)
	}

	if f.image.calls != 1 {
		t.Errorf("provider called %d times, want 1 (wardrobe renders once per scene)", f.image.calls)
	}

	project, _ := f.store.Load("proj-1")
	scene := project.FindScene("scene-1")
	if scene.WardrobeRender.Status != models.RenderStatusDone || !scene.WardrobeLocked {
		t.Errorf("wardrobe state: %+v", scene.WardrobeRender)
	}
}

func TestStyleLockFeedsShotRender(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	stylePath := filepath.Join(f.store.AssetDir("proj-1"), "style_source.png")
	writeFile(t, stylePath)

	if err := f.orch.SetStyleLock("proj-1", stylePath); err != nil {
		t.Fatalf("set style lock: %v", err)
	}
	if err := f.orch.RenderShot(ctx, "proj-1", "shot-2"); err != nil {
		t.Fatalf("render shot: %v", err)
	}

	project, _ := f.store.Load("proj-1")
	shot := project.FindShot("shot-2")

	last := shot.Render.References[len(shot.Render.References)-1]
	if last.Role != models.RefRoleStyle {
		t.Errorf("style reference must come last, got %+v", shot.Render.References)
	}

	// The style-only instruction must reach the provider prompt.
	req := f.image.requests[len(f.image.requests)-1]
	if !strings.Contains(req.Prompt, "style guide only") {
		t.Errorf("prompt missing style-only instruction: %q", req.Prompt)
	}

	if err := f.orch.ClearStyleLock("proj-1"); err != nil {
		t.Fatalf("clear style lock: %v", err)
	}
	project, _ = f.store.Load("proj-1")
	if project.StyleLocked || project.StyleRef != "" {
		t.Error("style lock not cleared")
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCastLockRunsTheUnitStateMachine(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	// A failed cast lock must land on the error status, not vanish.
	f.image.fail = errors.New("content filtered")
	if err := f.orch.LockCast(ctx, "proj-1", "cast-1"); err == nil {
		t.Fatal("expected cast lock to fail")
	}

	project, err := f.store.Load("proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	member := project.FindCast("cast-1")
	if member.Render.Status != models.RenderStatusError {
		t.Fatalf("cast render status = %s, want error", member.Render.Status)
	}
	if member.Render.Error == "" {
		t.Error("cast render error message not recorded")
	}
	if member.Locked {
		t.Error("failed lock must not mark the member locked")
	}

	// An errored cast lock retries like any other unit.
	f.image.fail = nil
	if err := f.orch.RetryUnit(ctx, "proj-1", "cast-1", queue.JobLockCast); err != nil {
		t.Fatalf("retry: %v", err)
	}
	project, _ = f.store.Load("proj-1")
	if got := project.FindCast("cast-1").Render.Status; got != models.RenderStatusQueued {
		t.Fatalf("cast render status after retry = %s, want queued", got)
	}
	f.jobs.mu.Lock()
	enqueued := append([]string(nil), f.jobs.enqueued...)
	f.jobs.mu.Unlock()
	if len(enqueued) != 1 || enqueued[0] != queue.JobLockCast+"/cast-1" {
		t.Fatalf("enqueued jobs = %v, want one lock_cast/cast-1", enqueued)
	}

	if err := f.orch.LockCast(ctx, "proj-1", "cast-1"); err != nil {
		t.Fatalf("lock cast: %v", err)
	}
	project, _ = f.store.Load("proj-1")
	member = project.FindCast("cast-1")
	if member.Render.Status != models.RenderStatusDone || !member.Locked {
		t.Errorf("status = %s, locked = %v, want done/true", member.Render.Status, member.Locked)
	}
}

func TestCastLockQueueAndCancel(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	if err := f.orch.QueueCastLock(ctx, "proj-1", "cast-1"); err != nil {
		t.Fatalf("queue cast lock: %v", err)
	}
	project, _ := f.store.Load("proj-1")
	if got := project.FindCast("cast-1").Render.Status; got != models.RenderStatusQueued {
		t.Fatalf("cast render status = %s, want queued", got)
	}

	f.jobs.removable = 1
	cancelled, err := f.orch.CancelUnit(ctx, "proj-1", "cast-1", queue.JobLockCast)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the queued cast lock to be cancellable")
	}
	project, _ = f.store.Load("proj-1")
	if got := project.FindCast("cast-1").Render.Status; got != models.RenderStatusPending {
		t.Errorf("cast render status after cancel = %s, want pending", got)
	}

	// Locked members are not queueable again.
	if err := f.orch.LockCast(ctx, "proj-1", "cast-1"); err != nil {
		t.Fatalf("lock cast: %v", err)
	}
	if err := f.orch.QueueCastLock(ctx, "proj-1", "cast-1"); err == nil {
		t.Error("expected queueing an already-locked member to be rejected")
	}
}

func TestEnqueueFailureDoesNotStrandUnits(t *testing.T) {
	f := newFixture(t)
	seedProject(t, f)
	ctx := context.Background()

	// A unit whose job never reached the queue must not sit at queued
	// with nothing to pick it up.
	f.jobs.failEnqueue = errors.New("connection refused")
	if err := f.orch.QueueShotRender(ctx, "proj-1", "shot-1"); err == nil {
		t.Fatal("expected queueing to fail")
	}
	project, _ := f.store.Load("proj-1")
	if got := project.FindShot("shot-1").Render.Status; got != models.RenderStatusPending {
		t.Fatalf("shot status after enqueue failure = %s, want pending", got)
	}

	// A failed retry enqueue lands back on error, still retryable.
	shot2 := project.FindShot("shot-2")
	shot2.Render.Status = models.RenderStatusError
	shot2.Render.Error = "provider failed"
	if err := f.store.Save(project); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.orch.RetryUnit(ctx, "proj-1", "shot-2", queue.JobRenderShot); err == nil {
		t.Fatal("expected retry enqueue to fail")
	}
	project, _ = f.store.Load("proj-1")
	if got := project.FindShot("shot-2").Render.Status; got != models.RenderStatusError {
		t.Errorf("shot status after failed retry = %s, want error", got)
	}
}
