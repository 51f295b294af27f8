package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/providers"
)

const (
	minClipSeconds     = 1
	maxClipSeconds     = 15
	defaultClipSeconds = 8
)

// RenderShotVideo animates a rendered shot image through the video cascade
// and records the clip as the shot's video sub-object. Requires the shot
// image to be done first; the frame reaches the provider as a remote handle
// through the upload cache.
func (o *Orchestrator) RenderShotVideo(ctx context.Context, projectID, shotID string) error {
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
		if shot.Render.Status != models.RenderStatusDone || shot.Render.ImagePath == "" {
			return fmt.Errorf("shot %s has no rendered image to animate", shotID)
		}
		if shot.Render.Video != nil && shot.Render.Video.Status == models.RenderStatusDone {
			log.Printf("[Orchestrator] %s: shot %s video already done, skipping", projectID, shotID)
			return nil
		}

		shot.Render.Video = &models.VideoRender{Status: models.RenderStatusRendering}
		if err := o.store.Save(project); err != nil {
			return err
		}

		frameURL := shot.Render.RemoteURL
		if frameURL == "" {
			frameURL, err = o.uploads.ResolveRemote(ctx, project, shot.Render.ImagePath)
			if err != nil {
				return o.failVideo(project, shot, fmt.Errorf("frame upload: %w", err))
			}
		}

		duration := clampDuration(shot.EndSec - shot.StartSec)
		result, modelName, err := o.video.Generate(ctx, providers.VideoRequest{
			ImageURL:     frameURL,
			MotionPrompt: buildMotionPrompt(shot),
			DurationSec:  duration,
			AspectRatio:  project.AspectRatio,
		})
		if err != nil {
			return o.failVideo(project, shot, err)
		}

		videoPath, err := o.persistVideo(ctx, projectID, "shot_"+shotID+".mp4", result)
		if err != nil {
			return o.failVideo(project, shot, err)
		}

		o.ledger.Track(project, modelName, 1, "shot "+shotID+" video")

		shot.Render.Video = &models.VideoRender{
			Status:      models.RenderStatusDone,
			VideoPath:   videoPath,
			RemoteURL:   result.RemoteURL,
			Model:       modelName,
			DurationSec: duration,
		}

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: shot %s video rendered with %s (%ds)", projectID, shotID, modelName, duration)
		return nil
	})
}

// AssembleFinal concatenates every done shot clip in storyboard order and
// muxes the project's source audio track over the result.
func (o *Orchestrator) AssembleFinal(ctx context.Context, projectID string) error {
	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}

		var clips []string
		for _, shot := range project.OrderedShots() {
			if shot.Render.Video != nil && shot.Render.Video.Status == models.RenderStatusDone && shot.Render.Video.VideoPath != "" {
				clips = append(clips, shot.Render.Video.VideoPath)
			}
		}
		if len(clips) == 0 {
			return fmt.Errorf("project %s has no rendered clips to assemble", projectID)
		}

		outputPath := filepath.Join(o.store.ProjectDir(projectID), "final.mp4")

		if project.AudioPath == "" {
			if err := o.encoder.ConcatenateClips(ctx, clips, outputPath); err != nil {
				return fmt.Errorf("assembly failed: %w", err)
			}
		} else {
			concatPath := o.encoder.CreateTempFile("concat_" + projectID + ".mp4")
			defer o.encoder.Cleanup(concatPath)

			if err := o.encoder.ConcatenateClips(ctx, clips, concatPath); err != nil {
				return fmt.Errorf("assembly failed: %w", err)
			}
			if err := o.encoder.MuxAudio(ctx, concatPath, project.AudioPath, outputPath); err != nil {
				return fmt.Errorf("audio mux failed: %w", err)
			}
		}

		project.FinalVideoPath = outputPath
		project.UpdatedAt = time.Now().UTC()

		if err := o.store.Save(project); err != nil {
			return err
		}
		log.Printf("[Orchestrator] %s: assembled %d clips into %s", projectID, len(clips), outputPath)
		return nil
	})
}

func (o *Orchestrator) failVideo(project *models.Project, shot *models.Shot, cause error) error {
	shot.Render.Video = &models.VideoRender{
		Status: models.RenderStatusError,
		Error:  cause.Error(),
	}
	if saveErr := o.store.Save(project); saveErr != nil {
		log.Printf("[Orchestrator] %s: failed to save video error state for shot %s: %v", project.ID, shot.ID, saveErr)
	}
	log.Printf("[Orchestrator] %s: shot %s video failed: %v", project.ID, shot.ID, cause)
	return fmt.Errorf("shot %s video: %w", shot.ID, cause)
}

func (o *Orchestrator) persistVideo(ctx context.Context, projectID, fileName string, result *providers.VideoResult) (string, error) {
	dir := o.store.AssetDir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create asset dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	if len(result.Data) > 0 {
		if err := os.WriteFile(path, result.Data, 0644); err != nil {
			return "", fmt.Errorf("failed to write clip %s: %w", fileName, err)
		}
		return path, nil
	}
	if result.RemoteURL != "" {
		if err := o.assets.Download(ctx, result.RemoteURL, path); err != nil {
			return "", fmt.Errorf("failed to download clip %s: %w", fileName, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("provider returned neither video bytes nor a remote handle for %s", fileName)
}

// buildMotionPrompt turns shot metadata into a motion instruction for the
// video model. The source frame already carries composition and style.
func buildMotionPrompt(shot *models.Shot) string {
	prompt := shot.PromptBase
	if shot.CameraLanguage != "" {
		prompt += " Camera: " + shot.CameraLanguage + "."
	}
	prompt += " Subtle natural motion, no scene changes, hold the framing of the source image."
	return prompt
}

func clampDuration(seconds float64) int {
	// Only an absent timing gets the default; a real sub-second shot
	// clamps to the provider minimum.
	if seconds <= 0 {
		return defaultClipSeconds
	}
	d := int(seconds + 0.5)
	if d < minClipSeconds {
		return minClipSeconds
	}
	if d > maxClipSeconds {
		return maxClipSeconds
	}
	return d
}
