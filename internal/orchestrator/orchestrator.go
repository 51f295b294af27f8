package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amberline/storyboard/internal/assets"
	"github.com/amberline/storyboard/internal/costs"
	"github.com/amberline/storyboard/internal/encoder"
	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/providers"
	"github.com/amberline/storyboard/internal/queue"
	"github.com/amberline/storyboard/internal/refs"
	"github.com/amberline/storyboard/internal/store"
	"github.com/amberline/storyboard/internal/uploads"
)

// renderSlots bounds concurrent render cycles per project. Two slots are
// handed out per project; the project lock then serializes the actual
// load-modify-save cycles, so the slots cap how much work can pile up
// waiting on one project's lock rather than how much runs in parallel.
const renderSlots = 2

// Orchestrator drives every render unit through its state machine:
// pending -> queued -> rendering -> done|error, with error retryable back
// to queued.
//
// Each render runs one full locked cycle: reload state, mark rendering,
// call the provider cascade, persist the asset, record the cost, mark done,
// save. The lock is held across the provider call itself. That costs
// throughput — renders on the same project serialize — but it guarantees
// the cost entry and the render result land on the same saved state with
// no merge window. Do not narrow the lock to the save alone.
// JobQueue is the slice of the render queue the orchestrator drives:
// enqueueing unit jobs and removing queued ones before a worker picks
// them up.
type JobQueue interface {
	EnqueueRender(ctx context.Context, jobType, projectID, unitID string) error
	CancelUnit(ctx context.Context, queueName, projectID, unitID string) (int, error)
}

type Orchestrator struct {
	store    *store.Store
	locks    *lockmgr.Manager
	ledger   *costs.Ledger
	resolver *refs.Resolver
	uploads  *uploads.Cache
	assets   *assets.Store
	queue    JobQueue
	encoder  *encoder.FFmpegService

	llm   *providers.LLMCascade
	image *providers.ImageCascade
	video *providers.VideoCascade

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// Deps carries the orchestrator's collaborators. All fields are required
// except Queue and Encoder, which only the HTTP/worker paths exercise.
type Deps struct {
	Store    *store.Store
	Locks    *lockmgr.Manager
	Ledger   *costs.Ledger
	Resolver *refs.Resolver
	Uploads  *uploads.Cache
	Assets   *assets.Store
	Queue    JobQueue
	Encoder  *encoder.FFmpegService

	LLM   *providers.LLMCascade
	Image *providers.ImageCascade
	Video *providers.VideoCascade
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		store:    deps.Store,
		locks:    deps.Locks,
		ledger:   deps.Ledger,
		resolver: deps.Resolver,
		uploads:  deps.Uploads,
		assets:   deps.Assets,
		queue:    deps.Queue,
		encoder:  deps.Encoder,
		llm:      deps.LLM,
		image:    deps.Image,
		video:    deps.Video,
		sems:     make(map[string]chan struct{}),
	}
}

// acquireSlot takes one of the project's render slots and returns the
// release func.
func (o *Orchestrator) acquireSlot(projectID string) func() {
	o.mu.Lock()
	sem, ok := o.sems[projectID]
	if !ok {
		sem = make(chan struct{}, renderSlots)
		o.sems[projectID] = sem
	}
	o.mu.Unlock()

	sem <- struct{}{}
	return func() { <-sem }
}

// QueueShotRender marks a shot queued and enqueues its render job.
func (o *Orchestrator) QueueShotRender(ctx context.Context, projectID, shotID string) error {
	return o.queueUnit(ctx, projectID, shotID, queue.JobRenderShot)
}

// QueueDecorRender marks a scene's decor render queued and enqueues it.
func (o *Orchestrator) QueueDecorRender(ctx context.Context, projectID, sceneID string) error {
	return o.queueUnit(ctx, projectID, sceneID, queue.JobRenderDecor)
}

// QueueWardrobeRender marks a scene's wardrobe render queued and enqueues it.
func (o *Orchestrator) QueueWardrobeRender(ctx context.Context, projectID, sceneID string) error {
	return o.queueUnit(ctx, projectID, sceneID, queue.JobRenderWardrobe)
}

// QueueShotVideo marks a shot's video render queued and enqueues it.
func (o *Orchestrator) QueueShotVideo(ctx context.Context, projectID, shotID string) error {
	return o.queueUnit(ctx, projectID, shotID, queue.JobRenderShotVideo)
}

// QueueCastLock marks a cast member's reference render queued and enqueues
// it. Already-locked members are rejected; clear the lock first.
func (o *Orchestrator) QueueCastLock(ctx context.Context, projectID, castID string) error {
	return o.queueUnit(ctx, projectID, castID, queue.JobLockCast)
}

func (o *Orchestrator) queueUnit(ctx context.Context, projectID, unitID, jobType string) error {
	err := o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}

		// The video render is a sub-object on the shot, queued without
		// touching the shot's image render state.
		if jobType == queue.JobRenderShotVideo {
			shot := project.FindShot(unitID)
			if shot == nil {
				return fmt.Errorf("shot %s not found", unitID)
			}
			if shot.Render.Status != models.RenderStatusDone {
				return fmt.Errorf("shot %s has no rendered image to animate", unitID)
			}
			if shot.Render.Video != nil && shot.Render.Video.Status == models.RenderStatusRendering {
				return fmt.Errorf("shot %s video is already rendering", unitID)
			}
			shot.Render.Video = &models.VideoRender{Status: models.RenderStatusQueued}
			return o.store.Save(project)
		}

		if jobType == queue.JobLockCast {
			member := project.FindCast(unitID)
			if member == nil {
				return fmt.Errorf("cast member %s not found", unitID)
			}
			if member.Locked {
				return fmt.Errorf("cast member %s is already locked", unitID)
			}
		}

		state, err := unitState(project, unitID, jobType)
		if err != nil {
			return err
		}
		if state.Status == models.RenderStatusRendering {
			return fmt.Errorf("unit %s is already rendering", unitID)
		}
		state.Status = models.RenderStatusQueued
		state.Error = ""
		state.UpdatedAt = time.Now().UTC()

		return o.store.Save(project)
	})
	if err != nil {
		return err
	}

	if err := o.queue.EnqueueRender(ctx, jobType, projectID, unitID); err != nil {
		o.revertQueued(projectID, unitID, jobType, models.RenderStatusPending)
		return fmt.Errorf("enqueue %s for %s: %w", jobType, unitID, err)
	}
	return nil
}

// revertQueued rolls a unit that never made it onto the queue out of the
// queued status, so it is not stranded with no job to pick it up.
func (o *Orchestrator) revertQueued(projectID, unitID, jobType string, to models.RenderStatus) {
	err := o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		if jobType == queue.JobRenderShotVideo {
			shot := project.FindShot(unitID)
			if shot == nil || shot.Render.Video == nil || shot.Render.Video.Status != models.RenderStatusQueued {
				return nil
			}
			if to == models.RenderStatusError {
				shot.Render.Video.Status = models.RenderStatusError
				shot.Render.Video.Error = "failed to re-enqueue render job"
			} else {
				shot.Render.Video = nil
			}
			return o.store.Save(project)
		}

		state, err := unitState(project, unitID, jobType)
		if err != nil {
			return err
		}
		if state.Status != models.RenderStatusQueued {
			return nil
		}
		state.Status = to
		if to == models.RenderStatusError {
			state.Error = "failed to re-enqueue render job"
		}
		state.UpdatedAt = time.Now().UTC()
		return o.store.Save(project)
	})
	if err != nil {
		log.Printf("[Orchestrator] %s: failed to revert %s after enqueue failure: %v", projectID, unitID, err)
	}
}

// CancelUnit removes a queued unit's job before it reaches rendering and
// moves the unit back to pending. A unit already rendering cannot be
// cancelled; the in-flight provider call runs to completion or timeout.
func (o *Orchestrator) CancelUnit(ctx context.Context, projectID, unitID, jobType string) (bool, error) {
	removed, err := o.queue.CancelUnit(ctx, queue.QueueRender, projectID, unitID)
	if err != nil {
		return false, fmt.Errorf("cancel unit %s: %w", unitID, err)
	}
	if removed == 0 {
		return false, nil
	}

	err = o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		if jobType == queue.JobRenderShotVideo {
			shot := project.FindShot(unitID)
			if shot != nil && shot.Render.Video != nil && shot.Render.Video.Status == models.RenderStatusQueued {
				shot.Render.Video = nil
			}
			return o.store.Save(project)
		}

		state, err := unitState(project, unitID, jobType)
		if err != nil {
			return err
		}
		if state.Status == models.RenderStatusQueued {
			state.Status = models.RenderStatusPending
			state.UpdatedAt = time.Now().UTC()
		}
		return o.store.Save(project)
	})
	return true, err
}

// RetryUnit moves an errored unit back to queued and re-enqueues its job.
// Only error-state units are retryable; everything else is rejected.
func (o *Orchestrator) RetryUnit(ctx context.Context, projectID, unitID, jobType string) error {
	err := o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		if jobType == queue.JobRenderShotVideo {
			shot := project.FindShot(unitID)
			if shot == nil {
				return fmt.Errorf("shot %s not found", unitID)
			}
			if shot.Render.Video == nil || shot.Render.Video.Status != models.RenderStatusError {
				return fmt.Errorf("shot %s video is not in error state", unitID)
			}
			shot.Render.Video = &models.VideoRender{Status: models.RenderStatusQueued}
			return o.store.Save(project)
		}

		state, err := unitState(project, unitID, jobType)
		if err != nil {
			return err
		}
		if state.Status != models.RenderStatusError {
			return fmt.Errorf("unit %s is %s, only error-state units can be retried", unitID, state.Status)
		}
		state.Status = models.RenderStatusQueued
		state.Error = ""
		state.UpdatedAt = time.Now().UTC()
		return o.store.Save(project)
	})
	if err != nil {
		return err
	}

	if err := o.queue.EnqueueRender(ctx, jobType, projectID, unitID); err != nil {
		// Back to error so the unit stays retryable.
		o.revertQueued(projectID, unitID, jobType, models.RenderStatusError)
		return fmt.Errorf("enqueue %s for %s: %w", jobType, unitID, err)
	}
	return nil
}

// RenderShot runs the full render cycle for one shot image: resolve
// references, build the prompt, call the image cascade, persist the asset,
// record the cost, and save — all under the project lock.
func (o *Orchestrator) RenderShot(ctx context.Context, projectID, shotID string) error {
	release := o.acquireSlot(projectID)
	defer release()

	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		shot := project.FindShot(shotID)
		if shot == nil {
			return fmt.Errorf("shot %s not found in project %s", shotID, projectID)
		}
		if shot.Render.Status == models.RenderStatusDone {
			log.Printf("[Orchestrator] %s: shot %s already done, skipping", projectID, shotID)
			return nil
		}

		shot.Render.Status = models.RenderStatusRendering
		shot.Render.UpdatedAt = time.Now().UTC()
		if err := o.store.Save(project); err != nil {
			return err
		}

		resolved, err := o.resolver.ResolveShot(ctx, project, shot)
		if err != nil {
			return o.failUnit(project, &shot.Render, "shot "+shotID, err)
		}

		prompt := buildShotPrompt(project, shot, resolved)
		result, modelName, err := o.image.Generate(ctx, providers.ImageRequest{
			Prompt:      prompt,
			References:  resolved.References,
			AspectRatio: project.AspectRatio,
		})
		if err != nil {
			return o.failUnit(project, &shot.Render, "shot "+shotID, err)
		}

		imagePath, err := o.persistImage(ctx, projectID, "shot_"+shotID+".png", result)
		if err != nil {
			return o.failUnit(project, &shot.Render, "shot "+shotID, err)
		}

		o.ledger.Track(project, modelName, 1, "shot "+shotID)

		shot.Render.Status = models.RenderStatusDone
		shot.Render.ImagePath = imagePath
		shot.Render.RemoteURL = result.RemoteURL
		shot.Render.Model = modelName
		shot.Render.References = resolved.References
		shot.Render.Error = ""
		shot.Render.UpdatedAt = time.Now().UTC()

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: shot %s rendered with %s (%d refs)", projectID, shotID, modelName, len(resolved.References))
		return nil
	})
}

// RenderSceneDecor renders a scene's decor image. Decor uses only the style
// lock as a reference; cast identity never feeds decor generation.
func (o *Orchestrator) RenderSceneDecor(ctx context.Context, projectID, sceneID string) error {
	release := o.acquireSlot(projectID)
	defer release()

	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		scene := project.FindScene(sceneID)
		if scene == nil {
			return fmt.Errorf("scene %s not found in project %s", sceneID, projectID)
		}
		if scene.DecorRender.Status == models.RenderStatusDone {
			log.Printf("[Orchestrator] %s: scene %s decor already done, skipping", projectID, sceneID)
			return nil
		}

		scene.DecorRender.Status = models.RenderStatusRendering
		scene.DecorRender.UpdatedAt = time.Now().UTC()
		if err := o.store.Save(project); err != nil {
			return err
		}

		resolved, err := o.resolver.ResolveDecor(ctx, project, scene)
		if err != nil {
			return o.failUnit(project, &scene.DecorRender, "decor "+sceneID, err)
		}

		result, modelName, err := o.image.Generate(ctx, providers.ImageRequest{
			Prompt:      buildDecorPrompt(project, scene, resolved),
			References:  resolved.References,
			AspectRatio: project.AspectRatio,
		})
		if err != nil {
			return o.failUnit(project, &scene.DecorRender, "decor "+sceneID, err)
		}

		imagePath, err := o.persistImage(ctx, projectID, "decor_"+sceneID+".png", result)
		if err != nil {
			return o.failUnit(project, &scene.DecorRender, "decor "+sceneID, err)
		}

		o.ledger.Track(project, modelName, 1, "decor "+sceneID)

		scene.DecorRender.Status = models.RenderStatusDone
		scene.DecorRender.ImagePath = imagePath
		scene.DecorRender.RemoteURL = result.RemoteURL
		scene.DecorRender.Model = modelName
		scene.DecorRender.References = resolved.References
		scene.DecorRender.Error = ""
		scene.DecorRender.UpdatedAt = time.Now().UTC()
		scene.DecorLocked = true

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: scene %s decor rendered with %s", projectID, sceneID, modelName)
		return nil
	})
}

// RenderSceneWardrobe renders a scene's wardrobe reference image. Generated
// at most once per scene: a done wardrobe render is never regenerated, only
// an explicit retry after an error re-runs it.
func (o *Orchestrator) RenderSceneWardrobe(ctx context.Context, projectID, sceneID string) error {
	release := o.acquireSlot(projectID)
	defer release()

	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		scene := project.FindScene(sceneID)
		if scene == nil {
			return fmt.Errorf("scene %s not found in project %s", sceneID, projectID)
		}
		if scene.WardrobeRender.Status == models.RenderStatusDone {
			log.Printf("[Orchestrator] %s: scene %s wardrobe already done, skipping", projectID, sceneID)
			return nil
		}

		scene.WardrobeRender.Status = models.RenderStatusRendering
		scene.WardrobeRender.UpdatedAt = time.Now().UTC()
		if err := o.store.Save(project); err != nil {
			return err
		}

		result, modelName, err := o.image.Generate(ctx, providers.ImageRequest{
			Prompt:      buildWardrobePrompt(project, scene),
			AspectRatio: "1:1",
		})
		if err != nil {
			return o.failUnit(project, &scene.WardrobeRender, "wardrobe "+sceneID, err)
		}

		imagePath, err := o.persistImage(ctx, projectID, "wardrobe_"+sceneID+".png", result)
		if err != nil {
			return o.failUnit(project, &scene.WardrobeRender, "wardrobe "+sceneID, err)
		}

		o.ledger.Track(project, modelName, 1, "wardrobe "+sceneID)

		scene.WardrobeRender.Status = models.RenderStatusDone
		scene.WardrobeRender.ImagePath = imagePath
		scene.WardrobeRender.RemoteURL = result.RemoteURL
		scene.WardrobeRender.Model = modelName
		scene.WardrobeRender.Error = ""
		scene.WardrobeRender.UpdatedAt = time.Now().UTC()
		scene.WardrobeLocked = true

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: scene %s wardrobe rendered with %s", projectID, sceneID, modelName)
		return nil
	})
}

// LockCast generates the cast member's reference set: one full-body image
// and one close-up derived from it. Two paid calls, two cost entries.
func (o *Orchestrator) LockCast(ctx context.Context, projectID, castID string) error {
	release := o.acquireSlot(projectID)
	defer release()

	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		member := project.FindCast(castID)
		if member == nil {
			return fmt.Errorf("cast member %s not found in project %s", castID, projectID)
		}
		if member.Locked {
			log.Printf("[Orchestrator] %s: cast %s already locked, skipping", projectID, castID)
			return nil
		}
		state := &member.Render
		state.Status = models.RenderStatusRendering
		state.UpdatedAt = time.Now().UTC()
		if err := o.store.Save(project); err != nil {
			return err
		}

		fullResult, fullModel, err := o.image.Generate(ctx, providers.ImageRequest{
			Prompt:      buildCastFullBodyPrompt(project, member),
			AspectRatio: "9:16",
		})
		if err != nil {
			return o.failUnit(project, state, "cast "+castID+" full-body reference", err)
		}
		fullPath, err := o.persistImage(ctx, projectID, "cast_"+castID+"_full.png", fullResult)
		if err != nil {
			return o.failUnit(project, state, "cast "+castID+" full-body reference", err)
		}
		o.ledger.Track(project, fullModel, 1, "cast "+castID+" full-body ref")

		// The close-up is generated from the full-body image so both refs
		// depict the same person.
		fullURL, err := o.uploads.ResolveRemote(ctx, project, fullPath)
		var closeRefs []models.Reference
		if err != nil {
			log.Printf("[Orchestrator] %s: cast %s full-body upload failed, close-up generates unreferenced: %v", projectID, castID, err)
		} else {
			closeRefs = []models.Reference{{Role: models.RefRoleIdentity, URL: fullURL}}
		}

		closeResult, closeModel, err := o.image.Generate(ctx, providers.ImageRequest{
			Prompt:      buildCastCloseUpPrompt(project, member),
			References:  closeRefs,
			AspectRatio: "1:1",
		})
		if err != nil {
			return o.failUnit(project, state, "cast "+castID+" close-up reference", err)
		}
		closePath, err := o.persistImage(ctx, projectID, "cast_"+castID+"_close.png", closeResult)
		if err != nil {
			return o.failUnit(project, state, "cast "+castID+" close-up reference", err)
		}
		o.ledger.Track(project, closeModel, 1, "cast "+castID+" close-up ref")

		member.RefFullBody = fullPath
		member.RefCloseUp = closePath
		member.Locked = true
		project.CastLocked = allCastLocked(project)
		state.Status = models.RenderStatusDone
		state.ImagePath = closePath
		state.Model = closeModel
		state.Error = ""
		state.UpdatedAt = time.Now().UTC()

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: cast %s locked (%s, %s)", projectID, castID, fullModel, closeModel)
		return nil
	})
}

// SetStyleLock records a local image as the project's style reference. All
// subsequent renders carry it as a style-only auxiliary reference.
func (o *Orchestrator) SetStyleLock(projectID, sourcePath string) error {
	if _, err := os.Stat(sourcePath); err != nil {
		return fmt.Errorf("style lock source not readable: %w", err)
	}
	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		project.StyleRef = sourcePath
		project.StyleLocked = true
		return o.store.Save(project)
	})
}

// ClearStyleLock removes the style reference and drops its upload cache
// entry so a re-lock on a changed file re-uploads.
func (o *Orchestrator) ClearStyleLock(projectID string) error {
	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}
		if project.StyleRef != "" {
			o.uploads.Invalidate(project, project.StyleRef)
		}
		project.StyleRef = ""
		project.StyleLocked = false
		return o.store.Save(project)
	})
}

// failUnit records a terminal render failure: status error, readable
// message, state saved. Returns the original error.
func (o *Orchestrator) failUnit(project *models.Project, state *models.RenderState, unit string, cause error) error {
	state.Status = models.RenderStatusError
	state.Error = cause.Error()
	state.UpdatedAt = time.Now().UTC()
	if saveErr := o.store.Save(project); saveErr != nil {
		log.Printf("[Orchestrator] %s: failed to save error state for %s: %v", project.ID, unit, saveErr)
	}
	log.Printf("[Orchestrator] %s: %s failed: %v", project.ID, unit, cause)
	return fmt.Errorf("%s: %w", unit, cause)
}

// persistImage writes a cascade result into the project's asset directory
// and returns the local path. Inline bytes win; otherwise the remote handle
// is downloaded through the asset store.
func (o *Orchestrator) persistImage(ctx context.Context, projectID, fileName string, result *providers.ImageResult) (string, error) {
	dir := o.store.AssetDir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create asset dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	if len(result.Data) > 0 {
		if err := os.WriteFile(path, result.Data, 0644); err != nil {
			return "", fmt.Errorf("failed to write asset %s: %w", fileName, err)
		}
		return path, nil
	}
	if result.RemoteURL != "" {
		if err := o.assets.Download(ctx, result.RemoteURL, path); err != nil {
			return "", fmt.Errorf("failed to download asset %s: %w", fileName, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("provider returned neither image bytes nor a remote handle for %s", fileName)
}

// unitState resolves a (unit id, job type) pair to the render state it
// drives. The job type disambiguates a scene's decor render from its
// wardrobe render, which share the scene id.
func unitState(project *models.Project, unitID, jobType string) (*models.RenderState, error) {
	switch jobType {
	case queue.JobRenderShot:
		shot := project.FindShot(unitID)
		if shot == nil {
			return nil, fmt.Errorf("shot %s not found", unitID)
		}
		return &shot.Render, nil
	case queue.JobRenderDecor:
		scene := project.FindScene(unitID)
		if scene == nil {
			return nil, fmt.Errorf("scene %s not found", unitID)
		}
		return &scene.DecorRender, nil
	case queue.JobRenderWardrobe:
		scene := project.FindScene(unitID)
		if scene == nil {
			return nil, fmt.Errorf("scene %s not found", unitID)
		}
		return &scene.WardrobeRender, nil
	case queue.JobLockCast:
		member := project.FindCast(unitID)
		if member == nil {
			return nil, fmt.Errorf("cast member %s not found", unitID)
		}
		return &member.Render, nil
	default:
		return nil, fmt.Errorf("unknown render job type %q", jobType)
	}
}

func allCastLocked(project *models.Project) bool {
	if len(project.Cast) == 0 {
		return false
	}
	for i := range project.Cast {
		if !project.Cast[i].Locked {
			return false
		}
	}
	return true
}
