package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterOrg returns the default company roster written on first run:
// planning, development, design and QA departments, one leader each plus a
// developer, all on a generic CLI provider.
func StarterOrg() ([]DepartmentConfig, []AgentConfig, []ProviderConfig) {
	departments := []DepartmentConfig{
		{ID: "planning", Name: "Planning", Priority: 1, Prompt: "Break directives into concrete, verifiable work items and consolidate review feedback."},
		{ID: "dev", Name: "Development", Priority: 2, Prompt: "Ship working code with tests. Keep changes minimal and reviewable."},
		{ID: "design", Name: "Design", Priority: 3, Prompt: "Own user-facing copy, layout and interaction details."},
		{ID: "qa", Name: "Quality Assurance", Priority: 4, Prompt: "Reproduce, verify and report. Block releases only for real defects."},
	}
	agents := []AgentConfig{
		{ID: "planning-lead", Name: "Sage", DepartmentID: "planning", Role: "team_leader", Provider: "agent-cli"},
		{ID: "dev-lead", Name: "Aria", DepartmentID: "dev", Role: "team_leader", Provider: "agent-cli"},
		{ID: "dev-senior", Name: "Bolt", DepartmentID: "dev", Role: "senior", Provider: "agent-cli"},
		{ID: "design-lead", Name: "Pixel", DepartmentID: "design", Role: "team_leader", Provider: "agent-cli"},
		{ID: "qa-lead", Name: "Hawk", DepartmentID: "qa", Role: "team_leader", Provider: "agent-cli"},
	}
	providers := []ProviderConfig{
		{Name: "agent-cli", Kind: "cli", Command: "claude", Args: []string{"-p", "{{prompt}}"}},
	}
	return departments, agents, providers
}

// WriteStarterConfig writes config.yaml with defaults and the starter roster.
// Used when the daemon starts without an existing config.yaml.
func WriteStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := defaultConfig()
	cfg.Departments, cfg.Agents, cfg.Providers = StarterOrg()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
