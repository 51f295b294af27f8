package orchestrator

import (
	"fmt"
	"strings"

	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/refs"
)

func buildStoryboardSystemPrompt(project *models.Project, audioDurationSec int) string {
	aspectRatio := project.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}

	orientationDesc := "landscape-format viewing"
	switch aspectRatio {
	case "9:16":
		orientationDesc = "portrait-format viewing (like TikTok/Reels/Shorts)"
	case "1:1":
		orientationDesc = "square-format viewing"
	}

	var sb strings.Builder
	sb.WriteString(`You are a storyboard director. You break a music or narration track into a filmable storyboard: sequences, each with physical scenes (locations) and timed shots.

Respond with a JSON object of this exact shape:
{
  "sequences": [
    {
      "title": "string",
      "scenes": [
        {"decor": "string — the physical location, described for an image generator", "decor_alt": "string — optional alternate angle of the same location", "wardrobe": "string — what characters wear in this location, optional"}
      ],
      "shots": [
        {"scene_index": 0, "start_sec": 0.0, "end_sec": 4.5, "prompt": "string — what happens in frame, described for an image generator", "camera_language": "string — framing and movement, e.g. 'wide establishing shot', 'slow push-in, close-up on her eyes'", "energy": 0.5, "symbols": ["string"]}
      ]
    }
  ]
}

Rules:
- scene_index refers into the same sequence's scenes array.
- Shots must tile the track in order: each shot's start_sec equals the previous shot's end_sec, no gaps, no overlaps.
- energy is 0.0 to 1.0 and should follow the track's intensity.
- Keep shots between 2 and 8 seconds. High-energy passages get shorter shots.
- Every prompt must be self-contained: an image generator sees one prompt at a time with no memory of the others.
`)

	fmt.Fprintf(&sb, "\nThe video is composed for %s (aspect ratio %s).\n", orientationDesc, aspectRatio)
	if project.StylePreset != "" {
		fmt.Fprintf(&sb, "\nVISUAL STYLE: %s\nEvery prompt and decor description must read as if rendered in this style.\n", project.StylePreset)
	}
	if audioDurationSec > 0 {
		fmt.Fprintf(&sb, "\nThe track is %d seconds long. Shot timings must cover exactly 0.0 to %d.0 seconds.\n", audioDurationSec, audioDurationSec)
	}
	if len(project.Cast) > 0 {
		sb.WriteString("\nCAST (refer to them by name in prompts):\n")
		for i := range project.Cast {
			m := &project.Cast[i]
			fmt.Fprintf(&sb, "- %s (%s, narrative weight %.1f)", m.Name, m.Role, m.Impact)
			if m.PromptExtra != "" {
				fmt.Fprintf(&sb, ": %s", m.PromptExtra)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func buildStoryboardUserPrompt(project *models.Project, audioDurationSec int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create the storyboard for %q.", project.Title)
	if audioDurationSec > 0 {
		fmt.Fprintf(&sb, " The audio track runs %d seconds.", audioDurationSec)
	}
	sb.WriteString(" Respond with JSON only.")
	return sb.String()
}

// buildShotPrompt assembles one shot's generation prompt: action, camera
// language, energy, symbols, resolved wardrobe text, style preset, and the
// style-only instruction when a style reference rides along.
func buildShotPrompt(project *models.Project, shot *models.Shot, resolved *refs.ShotResult) string {
	var parts []string
	parts = append(parts, shot.PromptBase)

	if shot.CameraLanguage != "" {
		parts = append(parts, "Camera: "+shot.CameraLanguage+".")
	}
	if shot.Energy > 0 {
		parts = append(parts, "Energy level: "+energyDescriptor(shot.Energy)+".")
	}
	if len(shot.Symbols) > 0 {
		parts = append(parts, "Recurring visual motifs: "+strings.Join(shot.Symbols, ", ")+".")
	}
	if resolved.Wardrobe != "" {
		parts = append(parts, "Wardrobe: "+resolved.Wardrobe+".")
	}
	if project.StylePreset != "" {
		parts = append(parts, "Rendered in "+project.StylePreset+" style.")
	}
	if resolved.StyleLock {
		parts = append(parts, refs.StyleLockInstruction)
	}

	return strings.Join(parts, " ")
}

func buildDecorPrompt(project *models.Project, scene *models.Scene, resolved *refs.ShotResult) string {
	var parts []string
	parts = append(parts, "Empty location, no people: "+scene.Decor)
	if scene.DecorAlt != "" {
		parts = append(parts, "Alternate detail: "+scene.DecorAlt+".")
	}
	if project.StylePreset != "" {
		parts = append(parts, "Rendered in "+project.StylePreset+" style.")
	}
	if resolved != nil && resolved.StyleLock {
		parts = append(parts, refs.StyleLockInstruction)
	}
	return strings.Join(parts, " ")
}

func buildWardrobePrompt(project *models.Project, scene *models.Scene) string {
	wardrobe := scene.Wardrobe
	if wardrobe == "" {
		wardrobe = "understated contemporary clothing"
	}
	prompt := "Flat-lay wardrobe reference sheet on a neutral background, no people: " + wardrobe
	if project.StylePreset != "" {
		prompt += ". Rendered in " + project.StylePreset + " style"
	}
	return prompt
}

func buildCastFullBodyPrompt(project *models.Project, member *models.CastMember) string {
	var parts []string
	parts = append(parts, "Full-body character reference of "+member.Name+", standing, neutral pose, facing camera, plain background.")
	if member.PromptExtra != "" {
		parts = append(parts, member.PromptExtra+".")
	}
	if project.StylePreset != "" {
		parts = append(parts, "Rendered in "+project.StylePreset+" style.")
	}
	return strings.Join(parts, " ")
}

func buildCastCloseUpPrompt(project *models.Project, member *models.CastMember) string {
	var parts []string
	parts = append(parts, "Close-up portrait of "+member.Name+", head and shoulders, facing camera, plain background. Same person as the reference image.")
	if member.PromptExtra != "" {
		parts = append(parts, member.PromptExtra+".")
	}
	if project.StylePreset != "" {
		parts = append(parts, "Rendered in "+project.StylePreset+" style.")
	}
	return strings.Join(parts, " ")
}

func energyDescriptor(energy float64) string {
	switch {
	case energy >= 0.8:
		return "explosive, frenetic"
	case energy >= 0.6:
		return "high, driving"
	case energy >= 0.4:
		return "steady, engaged"
	case energy >= 0.2:
		return "calm, restrained"
	default:
		return "still, contemplative"
	}
}
