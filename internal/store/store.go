package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/amberline/storyboard/internal/models"
)

const projectFileName = "project.json"

// Store persists one JSON document per project under the data root:
//
//	<root>/<project-id>/project.json   — full project state
//	<root>/<project-id>/assets/        — rendered images, videos, uploads
//
// Saves are atomic (write temp, then rename) so a crash mid-write can never
// leave a truncated state file on disk.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the directory that holds a project's state and assets.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// AssetDir returns the directory that holds a project's rendered assets.
func (s *Store) AssetDir(projectID string) string {
	return filepath.Join(s.root, projectID, "assets")
}

// Create persists a brand-new project and prepares its asset directory.
func (s *Store) Create(project *models.Project) error {
	dir := s.ProjectDir(project.ID)
	if _, err := os.Stat(filepath.Join(dir, projectFileName)); err == nil {
		return fmt.Errorf("project %s already exists", project.ID)
	}

	if err := os.MkdirAll(s.AssetDir(project.ID), 0755); err != nil {
		return fmt.Errorf("failed to create project dirs: %w", err)
	}

	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	return s.Save(project)
}

// Load reads a project's state from disk. Schema validation is advisory:
// problems are logged as warnings and the load proceeds.
func (s *Store) Load(projectID string) (*models.Project, error) {
	path := filepath.Join(s.ProjectDir(projectID), projectFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project state: %w", err)
	}

	var project models.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to parse project state: %w", err)
	}

	if warnings := validate(&project); len(warnings) > 0 {
		log.Printf("[Store] WARNING: project %s loaded with schema issues: %v", projectID, warnings)
	}

	if project.UploadCache == nil {
		project.UploadCache = make(map[string]models.UploadCacheEntry)
	}

	return &project, nil
}

// Save atomically rewrites the project's state file. The write step is the
// last step of every mutation cycle, so state on disk only ever reflects
// fully-completed mutations.
func (s *Store) Save(project *models.Project) error {
	if warnings := validate(project); len(warnings) > 0 {
		log.Printf("[Store] WARNING: saving project %s with schema issues: %v", project.ID, warnings)
	}

	project.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project state: %w", err)
	}

	dir := s.ProjectDir(project.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}

	path := filepath.Join(dir, projectFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Delete removes a project's directory, state document and assets included.
func (s *Store) Delete(projectID string) error {
	if !s.Exists(projectID) {
		return fmt.Errorf("project %s not found", projectID)
	}
	if err := os.RemoveAll(s.ProjectDir(projectID)); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", projectID, err)
	}
	return nil
}

// Exists reports whether a project's state file is present.
func (s *Store) Exists(projectID string) bool {
	_, err := os.Stat(filepath.Join(s.ProjectDir(projectID), projectFileName))
	return err == nil
}

// List returns summaries of all projects, newest first.
func (s *Store) List() ([]models.ProjectSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data root: %w", err)
	}

	var summaries []models.ProjectSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		project, err := s.Load(entry.Name())
		if err != nil {
			log.Printf("[Store] Skipping unreadable project dir %s: %v", entry.Name(), err)
			continue
		}

		shotCount := 0
		for _, seq := range project.Sequences {
			shotCount += len(seq.Shots)
		}

		summaries = append(summaries, models.ProjectSummary{
			ID:        project.ID,
			Title:     project.Title,
			ShotCount: shotCount,
			CastCount: len(project.Cast),
			CostTotal: project.CostTotal,
			Assembled: project.FinalVideoPath != "",
			CreatedAt: project.CreatedAt,
			UpdatedAt: project.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	return summaries, nil
}

// validate runs advisory schema checks. It never blocks a load or save —
// soft schema drift is logged, not enforced.
func validate(p *models.Project) []string {
	var warnings []string

	if p.ID == "" {
		warnings = append(warnings, "missing project id")
	}
	if p.Title == "" {
		warnings = append(warnings, "missing title")
	}

	seenShots := make(map[string]bool)
	for _, seq := range p.Sequences {
		if seq.ID == "" {
			warnings = append(warnings, "sequence with empty id")
		}
		for _, scene := range seq.Scenes {
			if scene.ID == "" {
				warnings = append(warnings, "scene with empty id")
			}
		}
		for _, shot := range seq.Shots {
			if shot.ID == "" {
				warnings = append(warnings, "shot with empty id")
				continue
			}
			if seenShots[shot.ID] {
				warnings = append(warnings, fmt.Sprintf("duplicate shot id %s", shot.ID))
			}
			seenShots[shot.ID] = true
			if shot.SceneID != "" && p.FindScene(shot.SceneID) == nil {
				warnings = append(warnings, fmt.Sprintf("shot %s references unknown scene %s", shot.ID, shot.SceneID))
			}
		}
	}

	for _, entry := range p.Costs {
		if entry.Amount < 0 {
			warnings = append(warnings, fmt.Sprintf("negative cost entry for model %s", entry.Model))
		}
	}

	return warnings
}
