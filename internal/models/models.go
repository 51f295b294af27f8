package models

import (
	"time"
)

// Enums

// RenderStatus is the per-unit render state machine. "error" is not terminal:
// an explicit retry moves the unit back to "queued".
type RenderStatus string

const (
	RenderStatusPending   RenderStatus = "pending"
	RenderStatusQueued    RenderStatus = "queued"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusDone      RenderStatus = "done"
	RenderStatusError     RenderStatus = "error"
)

type CastRole string

const (
	CastRoleLead    CastRole = "lead"
	CastRoleSupport CastRole = "support"
	CastRoleExtra   CastRole = "extra"
)

// RefRole labels what a reference image contributes to a generation call.
type RefRole string

const (
	RefRoleIdentity RefRole = "identity"
	RefRoleDecor    RefRole = "decor"
	RefRoleWardrobe RefRole = "wardrobe"
	RefRoleStyle    RefRole = "style"
)

// Reference is one (role, remote handle) pair fed to an image generation call.
type Reference struct {
	Role RefRole `json:"role"`
	URL  string  `json:"url"`
}

// VideoRender is the optional video sub-object on a shot's render state.
type VideoRender struct {
	Status      RenderStatus `json:"status"`
	VideoPath   string       `json:"video_path,omitempty"`
	RemoteURL   string       `json:"remote_url,omitempty"`
	Model       string       `json:"model,omitempty"`
	DurationSec int          `json:"duration_sec,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// RenderState tracks one renderable unit (shot image, scene decor,
// scene wardrobe ref, cast reference image).
type RenderState struct {
	Status     RenderStatus `json:"status"`
	ImagePath  string       `json:"image_path,omitempty"` // local persisted file
	RemoteURL  string       `json:"remote_url,omitempty"` // provider handle the asset came from
	Model      string       `json:"model,omitempty"`
	CostNote   string       `json:"cost_note,omitempty"`
	Error      string       `json:"error,omitempty"`
	References []Reference  `json:"references,omitempty"` // refs fed to the generation call, in order
	Video      *VideoRender `json:"video,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}

// CastMember is a recurring character with reference images used for visual
// consistency across generations. Reference image slots are populated by the
// cast lock operation.
type CastMember struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Role        CastRole `json:"role"`
	Impact      float64  `json:"impact"` // narrative weight, 0..1
	RefFullBody string   `json:"ref_full_body,omitempty"`
	RefCloseUp  string   `json:"ref_close_up,omitempty"`
	RefReserved string   `json:"ref_reserved,omitempty"`
	LoRARef     string   `json:"lora_ref,omitempty"`
	PromptExtra string   `json:"prompt_extra,omitempty"` // cast-level wardrobe/appearance default
	Locked      bool     `json:"locked"`

	// Render tracks the reference-generation unit itself, so a failed
	// lock is retryable and a queued one cancellable like any render.
	Render RenderState `json:"render"`
}

type Scene struct {
	ID             string      `json:"id"`
	Decor          string      `json:"decor"`
	DecorAlt       string      `json:"decor_alt,omitempty"`
	Wardrobe       string      `json:"wardrobe,omitempty"` // overrides cast-level default
	DecorLocked    bool        `json:"decor_locked"`
	WardrobeLocked bool        `json:"wardrobe_locked"`
	DecorRender    RenderState `json:"decor_render"`
	WardrobeRender RenderState `json:"wardrobe_render"` // generated at most once per scene
}

type Shot struct {
	ID             string      `json:"id"`
	SequenceID     string      `json:"sequence_id"`
	SceneID        string      `json:"scene_id"`
	StartSec       float64     `json:"start_sec"`
	EndSec         float64     `json:"end_sec"`
	PromptBase     string      `json:"prompt_base"`
	CameraLanguage string      `json:"camera_language,omitempty"`
	Energy         float64     `json:"energy"` // 0..1
	Symbols        []string    `json:"symbols,omitempty"`
	Wardrobe       string      `json:"wardrobe,omitempty"` // shot-level override
	Render         RenderState `json:"render"`
}

type Sequence struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Scenes []Scene `json:"scenes"`
	Shots  []Shot  `json:"shots"`
}

// CostEntry records one external paid call. Every paid call appends exactly
// one entry before the enclosing state mutation is saved.
type CostEntry struct {
	Model     string    `json:"model"`
	Units     int       `json:"units"`
	Amount    float64   `json:"amount"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UploadCacheEntry maps a local asset path to its previously-uploaded remote
// handle. Persisted in project state so the cache survives restarts.
type UploadCacheEntry struct {
	RemoteURL  string    `json:"remote_url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Project is the root aggregate. It exclusively owns all child collections;
// children are referenced by id, never by back-pointer.
type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StylePreset string `json:"style_preset,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"` // "16:9", "9:16", "1:1"

	LLMModel   string `json:"llm_model,omitempty"`
	ImageModel string `json:"image_model,omitempty"`
	VideoModel string `json:"video_model,omitempty"`

	CastLocked  bool   `json:"cast_locked"`
	StyleLocked bool   `json:"style_locked"`
	StyleRef    string `json:"style_ref,omitempty"` // local path of the style lock source image

	AudioPath      string `json:"audio_path,omitempty"` // source audio track
	FinalVideoPath string `json:"final_video_path,omitempty"`

	Cast      []CastMember `json:"cast,omitempty"`
	Sequences []Sequence   `json:"sequences,omitempty"`

	Costs     []CostEntry `json:"costs,omitempty"`
	CostTotal float64     `json:"cost_total"`

	UploadCache map[string]UploadCacheEntry `json:"upload_cache,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindShot returns the shot with the given id, or nil.
func (p *Project) FindShot(shotID string) *Shot {
	for si := range p.Sequences {
		seq := &p.Sequences[si]
		for i := range seq.Shots {
			if seq.Shots[i].ID == shotID {
				return &seq.Shots[i]
			}
		}
	}
	return nil
}

// FindScene returns the scene with the given id, or nil.
func (p *Project) FindScene(sceneID string) *Scene {
	for si := range p.Sequences {
		seq := &p.Sequences[si]
		for i := range seq.Scenes {
			if seq.Scenes[i].ID == sceneID {
				return &seq.Scenes[i]
			}
		}
	}
	return nil
}

// FindCast returns the cast member with the given id, or nil.
func (p *Project) FindCast(castID string) *CastMember {
	for i := range p.Cast {
		if p.Cast[i].ID == castID {
			return &p.Cast[i]
		}
	}
	return nil
}

// OrderedShots returns all shots in storyboard order (sequence order, then
// shot order within the sequence).
func (p *Project) OrderedShots() []*Shot {
	var shots []*Shot
	for si := range p.Sequences {
		seq := &p.Sequences[si]
		for i := range seq.Shots {
			shots = append(shots, &seq.Shots[i])
		}
	}
	return shots
}

// DTOs for API requests/responses

type CreateProjectRequest struct {
	Title       string `json:"title"`
	StylePreset string `json:"style_preset,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"` // Default: "16:9"
	AudioPath   string `json:"audio_path,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	ImageModel  string `json:"image_model,omitempty"`
	VideoModel  string `json:"video_model,omitempty"`
}

type UpdateProjectRequest struct {
	Title       *string `json:"title,omitempty"`
	StylePreset *string `json:"style_preset,omitempty"`
	AspectRatio *string `json:"aspect_ratio,omitempty"`
	AudioPath   *string `json:"audio_path,omitempty"`
	LLMModel    *string `json:"llm_model,omitempty"`
	ImageModel  *string `json:"image_model,omitempty"`
	VideoModel  *string `json:"video_model,omitempty"`
}

type AddCastRequest struct {
	Name        string   `json:"name"`
	Role        CastRole `json:"role,omitempty"`   // Default: "support"
	Impact      *float64 `json:"impact,omitempty"` // Default: 0.5
	PromptExtra string   `json:"prompt_extra,omitempty"`
	LoRARef     string   `json:"lora_ref,omitempty"`
}

type UpdateCastRequest struct {
	Name        *string   `json:"name,omitempty"`
	Role        *CastRole `json:"role,omitempty"`
	Impact      *float64  `json:"impact,omitempty"`
	PromptExtra *string   `json:"prompt_extra,omitempty"`
	LoRARef     *string   `json:"lora_ref,omitempty"`
}

type SetStyleLockRequest struct {
	SourcePath string `json:"source_path"`
}

type CostReport struct {
	ProjectID    string      `json:"project_id"`
	Total        float64     `json:"total"`
	Entries      []CostEntry `json:"entries"`
	SessionTotal float64     `json:"session_total"`
	SessionCalls int         `json:"session_calls"`
}

type ProjectSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ShotCount  int       `json:"shot_count"`
	CastCount  int       `json:"cast_count"`
	CostTotal  float64   `json:"cost_total"`
	Assembled  bool      `json:"assembled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
