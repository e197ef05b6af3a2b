package app

import (
	"context"
	"errors"
	"fmt"

	"fieldline/internal/config"
	"fieldline/internal/repo"
)

// ResolveConfig loads the workspace fieldline.yml when present, falling back
// to built-in defaults. The file is optional: per-project configs stored in
// the DB take precedence for task generation.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	return cfg, nil
}

// ResolveProject picks the active project: explicit override first, then the
// workspace config, then the single project in the DB.
func ResolveProject(ctx context.Context, projectOverride string, cfg *config.Config, r repo.Repo) (string, error) {
	if projectOverride != "" {
		return projectOverride, nil
	}
	if cfg != nil && cfg.Project.ID != "" {
		return cfg.Project.ID, nil
	}
	if p, err := r.SingleProject(ctx); err == nil {
		return p.ID, nil
	}
	return "", fmt.Errorf("project not specified; use --project or set FIELDLINE_DEFAULT_PROJECT (fl project use <id>)")
}

// EnsureProjectConfig returns the project's stored config, seeding the
// defaults on first use.
func EnsureProjectConfig(ctx context.Context, r repo.Repo, projectID string) (*config.Config, error) {
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(projectID)
	if err := r.UpsertProjectConfig(ctx, projectID, seed); err != nil {
		return nil, fmt.Errorf("seed project config: %w", err)
	}
	return seed, nil
}
