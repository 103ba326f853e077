package orchestrator

import (
	"context"
	"fmt"

	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/persistence"
)

// SyncRoster writes the configured departments, agents and projects to the
// store and rebuilds the launchers. Agents keep their live status.
func (o *Orchestrator) SyncRoster(ctx context.Context, cfg config.Config) error {
	for _, d := range cfg.Departments {
		if err := o.store.UpsertDepartment(ctx, persistence.Department{
			ID: d.ID, Name: d.Name, Priority: d.Priority, Prompt: d.Prompt,
		}); err != nil {
			return fmt.Errorf("sync department %s: %w", d.ID, err)
		}
	}
	for _, a := range cfg.Agents {
		if err := o.store.UpsertAgent(ctx, persistence.Agent{
			ID:           a.ID,
			Name:         a.Name,
			DepartmentID: a.DepartmentID,
			Role:         a.Role,
			Provider:     a.Provider,
			Personality:  a.Personality,
		}); err != nil {
			return fmt.Errorf("sync agent %s: %w", a.ID, err)
		}
	}
	for _, p := range cfg.Projects {
		if err := o.store.UpsertProject(ctx, persistence.Project{
			ID: p.ID, Name: p.Name, Path: p.Path, GitHubRepo: p.GitHubRepo, BaseBranch: p.BaseBranch,
		}); err != nil {
			return fmt.Errorf("sync project %s: %w", p.ID, err)
		}
	}
	if o.launchers != nil {
		if err := o.launchers.Replace(cfg.Providers); err != nil {
			return fmt.Errorf("rebuild launchers: %w", err)
		}
	}
	o.logger.Info("roster synced", "departments", len(cfg.Departments), "agents", len(cfg.Agents),
		"projects", len(cfg.Projects), "providers", len(cfg.Providers))
	return nil
}

// Reload applies a changed config.yaml: new tunables first, then the
// roster.
func (o *Orchestrator) Reload(ctx context.Context, cfg config.Config) error {
	o.SetConfig(cfg)
	return o.SyncRoster(ctx, cfg)
}
