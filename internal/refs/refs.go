package refs

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/uploads"
)

// closeUpKeywords is the fixed keyword set denoting close framing. A shot
// whose camera language contains any of these gets the cast member's
// close-up reference; everything else gets the full-body reference.
var closeUpKeywords = []string{
	"close-up",
	"closeup",
	"close up",
	"portrait",
	"headshot",
	"face",
	"eyes",
}

// StyleLockInstruction is appended to the prompt whenever a style lock
// reference is included. The style image is an auxiliary reference only —
// the instruction tells the generator to copy style and palette, never any
// person depicted in it. Enforcement is prompt-text only; nothing structural
// prevents a capable generator from blending the depicted person anyway.
const StyleLockInstruction = "STYLE REFERENCE: The final reference image is a style guide only. Copy ONLY its artistic style, brushwork, lighting, and color palette. Do NOT reproduce any person, face, or subject depicted in it."

// IsCloseUp classifies a shot's camera language as close framing.
// Case-insensitive substring match against the fixed keyword set.
func IsCloseUp(cameraLanguage string) bool {
	lower := strings.ToLower(cameraLanguage)
	for _, kw := range closeUpKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Resolver assembles the ordered reference list for a generation call.
// Every locally-stored reference passes through the upload cache, so repeated
// renders of the same cast/decor/style asset cost one upload, not one per shot.
type Resolver struct {
	cache *uploads.Cache
}

func NewResolver(cache *uploads.Cache) *Resolver {
	return &Resolver{cache: cache}
}

// ShotResult is the resolved input set for one shot render.
type ShotResult struct {
	References []models.Reference // ordered: identity, decor, style
	Wardrobe   string             // resolved wardrobe text (feeds the prompt, not a reference)
	StyleLock  bool               // true when a style reference was appended
}

// ResolveShot builds the reference list for a shot render, in precedence
// order: identity, decor, style lock. Wardrobe resolves to text only —
// wardrobe reference images are generated once per scene, not per shot.
//
// A reference whose local asset is missing on disk is dropped with a log
// line rather than failing the render: generation quality degrades, the
// call proceeds.
func (r *Resolver) ResolveShot(ctx context.Context, project *models.Project, shot *models.Shot) (*ShotResult, error) {
	result := &ShotResult{}

	scene := project.FindScene(shot.SceneID)

	// Identity reference. When a shot involves multiple cast members, the
	// first cast member with locked references wins — a stated policy, not
	// an accident. Close framing selects the close-up slot, everything else
	// the full-body slot.
	if member := firstLockedCast(project); member != nil {
		refPath := member.RefFullBody
		if IsCloseUp(shot.CameraLanguage) && member.RefCloseUp != "" {
			refPath = member.RefCloseUp
		}
		r.appendRef(ctx, project, result, models.RefRoleIdentity, refPath, shot.ID)
	}

	// Decor reference from the shot's scene, if its decor has rendered.
	if scene != nil && scene.DecorRender.Status == models.RenderStatusDone && scene.DecorRender.ImagePath != "" {
		r.appendRef(ctx, project, result, models.RefRoleDecor, scene.DecorRender.ImagePath, shot.ID)
	}

	// Wardrobe cascade: shot override -> scene wardrobe -> cast default -> empty.
	result.Wardrobe = resolveWardrobe(project, scene, shot)

	// Style lock, if set, rides along as an auxiliary style-only reference.
	if project.StyleLocked && project.StyleRef != "" {
		before := len(result.References)
		r.appendRef(ctx, project, result, models.RefRoleStyle, project.StyleRef, shot.ID)
		result.StyleLock = len(result.References) > before
	}

	return result, nil
}

// ResolveDecor builds the reference list for a scene decor render: the style
// lock is the only reference decor generation uses.
func (r *Resolver) ResolveDecor(ctx context.Context, project *models.Project, scene *models.Scene) (*ShotResult, error) {
	result := &ShotResult{}
	if project.StyleLocked && project.StyleRef != "" {
		r.appendRef(ctx, project, result, models.RefRoleStyle, project.StyleRef, scene.ID)
		result.StyleLock = len(result.References) > 0
	}
	return result, nil
}

// appendRef resolves a local asset through the upload cache and appends the
// (role, handle) pair. Missing or unuploadable assets degrade gracefully.
func (r *Resolver) appendRef(ctx context.Context, project *models.Project, result *ShotResult, role models.RefRole, localPath, unitID string) {
	if localPath == "" {
		return
	}

	if _, err := os.Stat(localPath); err != nil {
		log.Printf("[Refs] %s: dropping %s reference for unit %s, asset missing on disk: %s", project.ID, role, unitID, localPath)
		return
	}

	remoteURL, err := r.cache.ResolveRemote(ctx, project, localPath)
	if err != nil {
		log.Printf("[Refs] %s: dropping %s reference for unit %s, upload failed: %v", project.ID, role, unitID, err)
		return
	}

	result.References = append(result.References, models.Reference{Role: role, URL: remoteURL})
}

// resolveWardrobe walks the wardrobe cascade down to the cast-level default.
func resolveWardrobe(project *models.Project, scene *models.Scene, shot *models.Shot) string {
	if shot.Wardrobe != "" {
		return shot.Wardrobe
	}
	if scene != nil && scene.Wardrobe != "" {
		return scene.Wardrobe
	}
	if member := firstLockedCast(project); member != nil && member.PromptExtra != "" {
		return member.PromptExtra
	}
	return ""
}

// firstLockedCast returns the first cast member whose references have been
// generated, or nil when the cast is not locked yet.
func firstLockedCast(project *models.Project) *models.CastMember {
	for i := range project.Cast {
		member := &project.Cast[i]
		if member.Locked && (member.RefFullBody != "" || member.RefCloseUp != "") {
			return member
		}
	}
	return nil
}
