package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/amberline/storyboard/internal/costs"
	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/models"
	"github.com/amberline/storyboard/internal/orchestrator"
	"github.com/amberline/storyboard/internal/queue"
	"github.com/amberline/storyboard/internal/recovery"
	"github.com/amberline/storyboard/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	store    *store.Store
	locks    *lockmgr.Manager
	queue    *queue.Queue
	orch     *orchestrator.Orchestrator
	recovery *recovery.Scanner
	session  *costs.SessionTotals
}

func NewHandler(st *store.Store, locks *lockmgr.Manager, q *queue.Queue, orch *orchestrator.Orchestrator, rec *recovery.Scanner, session *costs.SessionTotals) *Handler {
	return &Handler{
		store:    st,
		locks:    locks,
		queue:    q,
		orch:     orch,
		recovery: rec,
		session:  session,
	}
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "Title is required")
		return
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:          uuid.New().String(),
		Title:       req.Title,
		StylePreset: req.StylePreset,
		AspectRatio: aspectRatio,
		AudioPath:   req.AudioPath,
		LLMModel:    req.LLMModel,
		ImageModel:  req.ImageModel,
		VideoModel:  req.VideoModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.store.Create(project); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	respondJSON(w, http.StatusCreated, project)
}

// ListProjects handles GET /v1/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"projects": summaries,
		"count":    len(summaries),
	})
}

// GetProject handles GET /v1/projects/{id}. A recovery pass runs before the
// read so orphaned renders from a crash show up reattached, not lost.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.store.Exists(projectID) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}

	if _, err := h.recovery.Recover(projectID); err != nil {
		respondError(w, http.StatusInternalServerError, "Recovery scan failed")
		return
	}

	project, err := h.store.Load(projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// UpdateProject handles PUT /v1/projects/{id}. Only fields present in the
// body change; render state and cast are managed by their own endpoints.
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req models.UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var updated *models.Project
	err := h.locks.WithLock(projectID, func() error {
		project, err := h.store.Load(projectID)
		if err != nil {
			return err
		}

		if req.Title != nil {
			project.Title = *req.Title
		}
		if req.StylePreset != nil {
			project.StylePreset = *req.StylePreset
		}
		if req.AspectRatio != nil {
			project.AspectRatio = *req.AspectRatio
		}
		if req.AudioPath != nil {
			project.AudioPath = *req.AudioPath
		}
		if req.LLMModel != nil {
			project.LLMModel = *req.LLMModel
		}
		if req.ImageModel != nil {
			project.ImageModel = *req.ImageModel
		}
		if req.VideoModel != nil {
			project.VideoModel = *req.VideoModel
		}
		project.UpdatedAt = time.Now().UTC()

		updated = project
		return h.store.Save(project)
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteProject handles DELETE /v1/projects/{id}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	err := h.locks.WithLock(projectID, func() error {
		return h.store.Delete(projectID)
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GenerateStoryboard handles POST /v1/projects/{id}/storyboard
func (h *Handler) GenerateStoryboard(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.store.Exists(projectID) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}

	if err := h.queue.EnqueueStoryboard(r.Context(), projectID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue storyboard generation")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// AddCast handles POST /v1/projects/{id}/cast
func (h *Handler) AddCast(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req models.AddCastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Name is required")
		return
	}

	role := req.Role
	if role == "" {
		role = models.CastRoleSupport
	}
	impact := 0.5
	if req.Impact != nil {
		impact = *req.Impact
	}

	member := models.CastMember{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Role:        role,
		Impact:      impact,
		PromptExtra: req.PromptExtra,
		LoRARef:     req.LoRARef,
	}

	err := h.locks.WithLock(projectID, func() error {
		project, err := h.store.Load(projectID)
		if err != nil {
			return err
		}
		project.Cast = append(project.Cast, member)
		project.CastLocked = false
		project.UpdatedAt = time.Now().UTC()
		return h.store.Save(project)
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	respondJSON(w, http.StatusCreated, member)
}

// UpdateCast handles PUT /v1/projects/{id}/cast/{castId}
func (h *Handler) UpdateCast(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	castID := chi.URLParam(r, "castId")

	var req models.UpdateCastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var updated *models.CastMember
	err := h.locks.WithLock(projectID, func() error {
		project, err := h.store.Load(projectID)
		if err != nil {
			return err
		}
		member := project.FindCast(castID)
		if member == nil {
			return errNotFound
		}

		if req.Name != nil {
			member.Name = *req.Name
		}
		if req.Role != nil {
			member.Role = *req.Role
		}
		if req.Impact != nil {
			member.Impact = *req.Impact
		}
		if req.PromptExtra != nil {
			member.PromptExtra = *req.PromptExtra
		}
		if req.LoRARef != nil {
			member.LoRARef = *req.LoRARef
		}
		project.UpdatedAt = time.Now().UTC()

		updated = member
		return h.store.Save(project)
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "Project or cast member not found")
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// LockCast handles POST /v1/projects/{id}/cast/{castId}/lock — enqueues
// reference image generation for the member.
func (h *Handler) LockCast(w http.ResponseWriter, r *http.Request) {
	h.queueRender(w, r, func() error {
		return h.orch.QueueCastLock(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "castId"))
	})
}

// RenderShot handles POST /v1/projects/{id}/shots/{shotId}/render
func (h *Handler) RenderShot(w http.ResponseWriter, r *http.Request) {
	h.queueRender(w, r, func() error {
		return h.orch.QueueShotRender(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "shotId"))
	})
}

// RenderShotVideo handles POST /v1/projects/{id}/shots/{shotId}/video
func (h *Handler) RenderShotVideo(w http.ResponseWriter, r *http.Request) {
	h.queueRender(w, r, func() error {
		return h.orch.QueueShotVideo(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "shotId"))
	})
}

// RenderDecor handles POST /v1/projects/{id}/scenes/{sceneId}/decor
func (h *Handler) RenderDecor(w http.ResponseWriter, r *http.Request) {
	h.queueRender(w, r, func() error {
		return h.orch.QueueDecorRender(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sceneId"))
	})
}

// RenderWardrobe handles POST /v1/projects/{id}/scenes/{sceneId}/wardrobe
func (h *Handler) RenderWardrobe(w http.ResponseWriter, r *http.Request) {
	h.queueRender(w, r, func() error {
		return h.orch.QueueWardrobeRender(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sceneId"))
	})
}

func (h *Handler) queueRender(w http.ResponseWriter, r *http.Request, queueFn func() error) {
	if !h.store.Exists(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err := queueFn(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// unitActionRequest names the render kind a retry or cancel applies to.
type unitActionRequest struct {
	JobType string `json:"job_type"` // render_shot, render_decor, render_wardrobe, render_shot_video, lock_cast
}

// RetryUnit handles POST /v1/projects/{id}/units/{unitId}/retry
func (h *Handler) RetryUnit(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	unitID := chi.URLParam(r, "unitId")

	var req unitActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "job_type is required")
		return
	}

	if err := h.orch.RetryUnit(r.Context(), projectID, unitID, req.JobType); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// CancelUnit handles POST /v1/projects/{id}/units/{unitId}/cancel. Only
// queued units can be cancelled; a rendering unit runs to completion.
func (h *Handler) CancelUnit(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	unitID := chi.URLParam(r, "unitId")

	var req unitActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "job_type is required")
		return
	}

	cancelled, err := h.orch.CancelUnit(r.Context(), projectID, unitID, req.JobType)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "Unit is not queued; only queued units can be cancelled")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// SetStyleLock handles PUT /v1/projects/{id}/style-lock
func (h *Handler) SetStyleLock(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req models.SetStyleLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourcePath == "" {
		respondError(w, http.StatusBadRequest, "source_path is required")
		return
	}

	if err := h.orch.SetStyleLock(projectID, req.SourcePath); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "locked"})
}

// ClearStyleLock handles DELETE /v1/projects/{id}/style-lock
func (h *Handler) ClearStyleLock(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if err := h.orch.ClearStyleLock(projectID); err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// GetCosts handles GET /v1/projects/{id}/costs
func (h *Handler) GetCosts(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	project, err := h.store.Load(projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}

	sessionTotal, sessionCalls := h.session.Snapshot()
	respondJSON(w, http.StatusOK, models.CostReport{
		ProjectID:    project.ID,
		Total:        project.CostTotal,
		Entries:      project.Costs,
		SessionTotal: sessionTotal,
		SessionCalls: sessionCalls,
	})
}

// Assemble handles POST /v1/projects/{id}/assemble
func (h *Handler) Assemble(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.store.Exists(projectID) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}

	if err := h.queue.EnqueueAssemble(r.Context(), projectID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue assembly")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// Download handles GET /v1/projects/{id}/download — serves the assembled
// final video.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	project, err := h.store.Load(projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	if project.FinalVideoPath == "" {
		respondError(w, http.StatusConflict, "Project has no assembled video yet")
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+project.ID+".mp4\"")
	http.ServeFile(w, r, project.FinalVideoPath)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
