package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/amberline/storyboard/internal/models"
	"github.com/google/uuid"
)

// scenePlan is one scene as the LLM returns it.
type scenePlan struct {
	Decor    string `json:"decor"`
	DecorAlt string `json:"decor_alt"`
	Wardrobe string `json:"wardrobe"`
}

// shotPlan is one shot as the LLM returns it.
type shotPlan struct {
	SceneIndex     int      `json:"scene_index"`
	StartSec       float64  `json:"start_sec"`
	EndSec         float64  `json:"end_sec"`
	Prompt         string   `json:"prompt"`
	CameraLanguage string   `json:"camera_language"`
	Energy         float64  `json:"energy"`
	Symbols        []string `json:"symbols"`
}

type sequencePlan struct {
	Title  string      `json:"title"`
	Scenes []scenePlan `json:"scenes"`
	Shots  []shotPlan  `json:"shots"`
}

// storyboardPlan is the complete structure the LLM cascade must produce.
type storyboardPlan struct {
	Sequences []sequencePlan `json:"sequences"`
}

// GenerateStoryboard runs the LLM cascade to expand the project's premise
// into sequences, scenes, and timed shots, then materializes the result
// onto project state. Regeneration replaces any existing storyboard along
// with its render results.
func (o *Orchestrator) GenerateStoryboard(ctx context.Context, projectID string) error {
	return o.locks.WithLock(projectID, func() error {
		project, err := o.store.Load(projectID)
		if err != nil {
			return err
		}

		audioDurationMs := 0
		if project.AudioPath != "" && o.encoder != nil {
			audioDurationMs, err = o.encoder.GetAudioDuration(ctx, project.AudioPath)
			if err != nil {
				log.Printf("[Orchestrator] %s: audio duration probe failed, shots get unbounded timing: %v", projectID, err)
				audioDurationMs = 0
			}
		}
		audioDurationSec := msToSeconds(audioDurationMs)

		raw, modelName, err := o.llm.Complete(ctx,
			buildStoryboardSystemPrompt(project, audioDurationSec),
			buildStoryboardUserPrompt(project, audioDurationSec))
		if err != nil {
			return fmt.Errorf("storyboard generation: %w", err)
		}

		plan, err := parseStoryboardPlan(raw)
		if err != nil {
			return fmt.Errorf("storyboard generation: %w", err)
		}

		o.ledger.Track(project, modelName, 1, "storyboard generation")

		project.Sequences = materializePlan(plan)
		project.UpdatedAt = time.Now().UTC()

		if err := o.store.Save(project); err != nil {
			return err
		}

		shots := 0
		for i := range project.Sequences {
			shots += len(project.Sequences[i].Shots)
		}
		log.Printf("[Orchestrator] %s: storyboard generated with %s: %d sequences, %d shots",
			projectID, modelName, len(project.Sequences), shots)
		return nil
	})
}

// msToSeconds rounds a probe duration to whole seconds. The duration probe
// speaks in milliseconds; the storyboard prompts speak in seconds.
func msToSeconds(ms int) int {
	return (ms + 500) / 1000
}

// parseStoryboardPlan decodes and validates the raw LLM output. Validation
// reports every missing field at once rather than failing one at a time.
func parseStoryboardPlan(raw json.RawMessage) (*storyboardPlan, error) {
	const maxLogLen = 2000

	var plan storyboardPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		log.Printf("[Storyboard] parse failed: %v", err)
		log.Printf("[Storyboard] raw response: %s", truncateForLog(string(raw), maxLogLen))
		return nil, fmt.Errorf("failed to parse storyboard plan: %w", err)
	}

	if len(plan.Sequences) == 0 {
		log.Printf("[Storyboard] plan has no sequences, raw response: %s", truncateForLog(string(raw), maxLogLen))
		return nil, fmt.Errorf("storyboard plan has no sequences")
	}

	for si, seq := range plan.Sequences {
		if len(seq.Scenes) == 0 {
			return nil, fmt.Errorf("sequence %d has no scenes", si)
		}
		if len(seq.Shots) == 0 {
			return nil, fmt.Errorf("sequence %d has no shots", si)
		}
		for sci, scene := range seq.Scenes {
			if scene.Decor == "" {
				return nil, fmt.Errorf("sequence %d scene %d missing decor", si, sci)
			}
		}
		for shi, shot := range seq.Shots {
			var missing []string
			if shot.Prompt == "" {
				missing = append(missing, "prompt")
			}
			if shot.EndSec <= shot.StartSec {
				missing = append(missing, "valid start_sec/end_sec")
			}
			if shot.SceneIndex < 0 || shot.SceneIndex >= len(seq.Scenes) {
				missing = append(missing, "valid scene_index")
			}
			if len(missing) > 0 {
				log.Printf("[Storyboard] sequence %d shot %d missing required fields: %v", si, shi, missing)
				return nil, fmt.Errorf("sequence %d shot %d missing required fields: %v", si, shi, missing)
			}
		}
	}

	return &plan, nil
}

// materializePlan assigns ids and converts the plan into model entities.
// Shot scene references go by id, never by index, once materialized.
func materializePlan(plan *storyboardPlan) []models.Sequence {
	sequences := make([]models.Sequence, 0, len(plan.Sequences))
	for _, sp := range plan.Sequences {
		seq := models.Sequence{
			ID:    uuid.New().String(),
			Title: sp.Title,
		}

		sceneIDs := make([]string, len(sp.Scenes))
		for i, sc := range sp.Scenes {
			id := uuid.New().String()
			sceneIDs[i] = id
			seq.Scenes = append(seq.Scenes, models.Scene{
				ID:       id,
				Decor:    sc.Decor,
				DecorAlt: sc.DecorAlt,
				Wardrobe: sc.Wardrobe,
				DecorRender: models.RenderState{
					Status: models.RenderStatusPending,
				},
				WardrobeRender: models.RenderState{
					Status: models.RenderStatusPending,
				},
			})
		}

		for _, sh := range sp.Shots {
			seq.Shots = append(seq.Shots, models.Shot{
				ID:             uuid.New().String(),
				SequenceID:     seq.ID,
				SceneID:        sceneIDs[sh.SceneIndex],
				StartSec:       sh.StartSec,
				EndSec:         sh.EndSec,
				PromptBase:     sh.Prompt,
				CameraLanguage: sh.CameraLanguage,
				Energy:         sh.Energy,
				Symbols:        sh.Symbols,
				Render: models.RenderState{
					Status: models.RenderStatusPending,
				},
			})
		}

		sequences = append(sequences, seq)
	}
	return sequences
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
